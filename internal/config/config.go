package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Store kinds
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Narrative engine modes
const (
	ModeBackend = "backend"
	ModeOpenAI  = "openai"
)

type Config struct {
	Backend   BackendConfig   `mapstructure:"backend" json:"backend"`
	Store     string          `mapstructure:"store" json:"store"`
	Database  DatabaseConfig  `mapstructure:"database" json:"database"`
	LLM       LLMConfig       `mapstructure:"llm" json:"llm"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`
	Profile   string          `mapstructure:"profile" json:"profile"`
}

type BackendConfig struct {
	URL string `mapstructure:"url" json:"url"`
	// Timeout of zero leaves request deadlines to the context
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	// Mirror posts every persisted update to the backend as well
	Mirror bool `mapstructure:"mirror" json:"mirror"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password"`
	Database string `mapstructure:"database" json:"database"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"`
}

type LLMConfig struct {
	Mode    string `mapstructure:"mode" json:"mode"`
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`
	APIKey  string `mapstructure:"api_key" json:"api_key,omitempty"`
	Model   string `mapstructure:"model" json:"model"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	File   string `mapstructure:"file" json:"file,omitempty"`
	Format string `mapstructure:"format" json:"format"`
}

type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Dir     string `mapstructure:"dir" json:"dir"`
}

// Load reads config.json from the working directory, ./config or
// ~/.textrpg, falling back to defaults when no file exists. An explicit path
// overrides the search.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".textrpg"))
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.url", "http://localhost:3001")
	v.SetDefault("backend.timeout", 0)
	v.SetDefault("backend.mirror", true)
	v.SetDefault("store", StorePostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "textrpg")
	v.SetDefault("database.database", "textrpg")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("llm.mode", ModeBackend)
	v.SetDefault("llm.model", "gpt-3.5-turbo")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dir", "logs")

	if homeDir, err := os.UserHomeDir(); err == nil {
		v.SetDefault("profile", filepath.Join(homeDir, ".textrpg", "profile.ini"))
	} else {
		v.SetDefault("profile", "profile.ini")
	}
}

func loadEnvOverrides(cfg *Config) {
	if url := os.Getenv("TEXTRPG_API_URL"); url != "" {
		cfg.Backend.URL = url
	}
	if store := os.Getenv("TEXTRPG_STORE"); store != "" {
		cfg.Store = store
	}
	if level := os.Getenv("TEXTRPG_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	// Database overrides
	if dbHost := os.Getenv("POSTGRES_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("POSTGRES_PORT"); dbPort != "" {
		if port, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = port
		}
	}
	if dbUser := os.Getenv("POSTGRES_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPass := os.Getenv("POSTGRES_PASSWORD"); dbPass != "" {
		cfg.Database.Password = dbPass
	}
	if dbName := os.Getenv("POSTGRES_DB"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
}

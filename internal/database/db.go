package database

import (
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"

	"github.com/agentx/textrpg/internal/config"
)

// DB wraps the database connection
type DB struct {
	*sqlx.DB
	dsn string
}

// NewConnection creates a new database connection
func NewConnection(cfg config.DatabaseConfig) (*DB, error) {
	dsn := GetDSN(cfg)

	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &DB{DB: db, dsn: dsn}, nil
}

// DSN returns the connection string the pool was opened with
func (db *DB) DSN() string {
	return db.dsn
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// GetDSN returns the URL form of the connection string, understood by pgx,
// lib/pq and golang-migrate alike.
func GetDSN(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": []string{cfg.SSLMode}}.Encode(),
	}
	return u.String()
}

package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/agentx/textrpg/internal/backend"
	"github.com/agentx/textrpg/internal/config"
	"github.com/agentx/textrpg/internal/database"
	"github.com/agentx/textrpg/internal/identity"
	"github.com/agentx/textrpg/internal/llm"
	"github.com/agentx/textrpg/internal/logging"
	"github.com/agentx/textrpg/internal/repository"
	"github.com/agentx/textrpg/internal/repository/memory"
	"github.com/agentx/textrpg/internal/repository/postgres"
	"github.com/agentx/textrpg/internal/session"
	"github.com/agentx/textrpg/internal/summary"
	"github.com/agentx/textrpg/internal/telemetry"
)

// app holds the wired dependencies shared by all commands
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	profile *identity.Profile
	backend *backend.Client
	store   repository.GameRepository
	metrics *telemetry.Metrics

	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.onClose(func() { logCloser.Close() })

	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	meter, shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.onClose(shutdown)

	a.metrics, err = telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	a.profile, err = identity.Load(a.cfg.Profile)
	if err != nil {
		return err
	}

	a.backend = backend.NewClient(a.cfg.Backend.URL, a.cfg.Backend.Timeout, a.logger)

	switch a.cfg.Store {
	case config.StoreMemory:
		a.logger.Warn("Using in-memory store; games are lost on exit")
		a.store = memory.NewStore()
	case config.StorePostgres:
		db, err := database.NewConnection(a.cfg.Database)
		if err != nil {
			return err
		}
		a.onClose(func() { db.Close() })

		if err := database.RunMigrations(db.DSN()); err != nil {
			return err
		}

		repo := postgres.NewGameRepository(db.DB, db.DSN(), a.logger)
		a.onClose(func() { repo.Close() })
		a.store = repo
	default:
		return fmt.Errorf("unknown store %q", a.cfg.Store)
	}
	return nil
}

// onClose registers cleanup; closers run in reverse order
func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// engines returns the narrator and summarizer for the configured LLM mode
func (a *app) engines() (session.Narrator, summary.Summarizer, error) {
	switch a.cfg.LLM.Mode {
	case config.ModeOpenAI:
		engine, err := llm.NewEngine(a.cfg.LLM, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return engine, engine, nil
	case config.ModeBackend, "":
		return a.backend, a.backend, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm mode %q", a.cfg.LLM.Mode)
	}
}

func (a *app) currentGameID() string {
	if gameID != "" {
		return gameID
	}
	return a.profile.LastGameID
}

// openSession opens the selected game and records it as the last one played
func (a *app) openSession(ctx context.Context, out io.Writer) (*session.Session, error) {
	narrator, summarizer, err := a.engines()
	if err != nil {
		return nil, err
	}

	var mirror summary.StatePersister
	if a.cfg.Backend.Mirror {
		mirror = a.backend
	}
	persister := session.NewMirroredPersister(a.store, mirror, a.logger)

	id := a.currentGameID()
	s := session.New(session.Config{
		GameID:     id,
		PlayerID:   a.profile.PlayerID,
		Store:      a.store,
		Persister:  persister,
		Narrator:   narrator,
		Summarizer: summarizer,
		Observer:   a.metrics,
		Logger:     a.logger,
		OnError: func(err error) {
			fmt.Fprintf(out, "\nsummary failed: %v\n", err)
		},
	})
	if err := s.Open(ctx); err != nil {
		return nil, err
	}

	if id != a.profile.LastGameID {
		if err := a.profile.SwitchGame(id); err != nil {
			a.logger.WithError(err).Warn("Failed to update profile")
		}
	}
	return s, nil
}

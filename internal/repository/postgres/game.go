package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/repository"
)

// GameRepository implements repository.GameRepository on a JSONB table
type GameRepository struct {
	db     *sqlx.DB
	dsn    string
	logger *logrus.Logger

	notifierMu sync.Mutex
	notifier   *notifier
}

// NewGameRepository creates a new PostgreSQL game repository. dsn is used to
// open the dedicated LISTEN connection for subscriptions.
func NewGameRepository(db *sqlx.DB, dsn string, logger *logrus.Logger) *GameRepository {
	if logger == nil {
		logger = logrus.New()
	}
	return &GameRepository{
		db:     db,
		dsn:    dsn,
		logger: logger,
	}
}

var _ repository.GameRepository = (*GameRepository)(nil)

type gameRow struct {
	ID        string    `db:"id"`
	PlayerID  string    `db:"player_id"`
	Doc       []byte    `db:"doc"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r gameRow) state() (*models.GameState, error) {
	var state models.GameState
	if err := json.Unmarshal(r.Doc, &state); err != nil {
		return nil, fmt.Errorf("failed to decode game %s: %w", r.ID, err)
	}
	state.GameID = r.ID
	if state.PlayerID == "" {
		state.PlayerID = r.PlayerID
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = r.CreatedAt
	}
	if state.LastSaved.IsZero() {
		state.LastSaved = r.UpdatedAt
	}
	return &state, nil
}

// Get loads a game document
func (r *GameRepository) Get(ctx context.Context, gameID string) (*models.GameState, error) {
	var row gameRow
	query := `
		SELECT id, player_id, doc, created_at, updated_at
		FROM games
		WHERE id = $1
	`

	err := r.db.GetContext(ctx, &row, query, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, gameID)
	}
	if err != nil {
		return nil, err
	}

	return row.state()
}

// Create writes a complete document, replacing any existing one
func (r *GameRepository) Create(ctx context.Context, state models.GameState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.LastSaved.IsZero() {
		state.LastSaved = now
	}

	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO games (id, player_id, doc, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET player_id = EXCLUDED.player_id, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, state.GameID, state.PlayerID, string(doc), state.CreatedAt)
	return err
}

// PersistState merges the top-level fields of update into the document.
// Missing documents are created; player_id follows the patch's playerId.
func (r *GameRepository) PersistState(ctx context.Context, gameID string, update models.StateUpdate) error {
	if update.LastSaved == nil {
		now := time.Now().UTC()
		update.LastSaved = &now
	}

	patch, err := json.Marshal(update)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO games (id, player_id, doc)
		VALUES ($1, COALESCE($2::jsonb->>'playerId', ''), jsonb_build_object('gameId', $1::text) || $2::jsonb)
		ON CONFLICT (id) DO UPDATE
		SET doc = games.doc || EXCLUDED.doc,
			player_id = COALESCE($2::jsonb->>'playerId', games.player_id),
			updated_at = NOW()
	`

	_, err = r.db.ExecContext(ctx, query, gameID, string(patch))
	if err != nil {
		return fmt.Errorf("failed to persist game %s: %w", gameID, err)
	}
	return nil
}

// ListByPlayer returns the player's games, most recently saved first
func (r *GameRepository) ListByPlayer(ctx context.Context, playerID string) ([]models.GameListing, error) {
	var rows []gameRow
	query := `
		SELECT id, player_id, doc, created_at, updated_at
		FROM games
		WHERE player_id = $1
		ORDER BY updated_at DESC
	`

	if err := r.db.SelectContext(ctx, &rows, query, playerID); err != nil {
		return nil, err
	}

	listings := make([]models.GameListing, 0, len(rows))
	for _, row := range rows {
		state, err := row.state()
		if err != nil {
			r.logger.WithError(err).WithField("game_id", row.ID).Warn("Skipping unreadable game")
			continue
		}
		listings = append(listings, state.Listing())
	}
	return listings, nil
}

// Delete removes a game document
func (r *GameRepository) Delete(ctx context.Context, gameID string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM games WHERE id = $1", gameID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, gameID)
	}
	return nil
}

package repository

import (
	"context"
	"errors"

	"github.com/agentx/textrpg/internal/models"
)

// ErrNotFound is returned when a game document does not exist
var ErrNotFound = errors.New("game not found")

// CancelFunc stops a subscription. It blocks until no further change
// callbacks can run and is safe to call more than once.
type CancelFunc func()

// GameRepository stores game documents
type GameRepository interface {
	Get(ctx context.Context, gameID string) (*models.GameState, error)
	Create(ctx context.Context, state models.GameState) error
	// PersistState merges the set fields of update into the document,
	// creating it when missing.
	PersistState(ctx context.Context, gameID string, update models.StateUpdate) error
	ListByPlayer(ctx context.Context, playerID string) ([]models.GameListing, error)
	Delete(ctx context.Context, gameID string) error
	// Subscribe calls onChange with the full document after every change to
	// gameID until the returned CancelFunc is called.
	Subscribe(ctx context.Context, gameID string, onChange func(models.GameState)) (CancelFunc, error)
}

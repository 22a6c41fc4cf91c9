package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/repository"
	"github.com/agentx/textrpg/internal/summary"
)

// MirroredPersister writes updates to the game store and then forwards them
// to a secondary persister, usually the backend API. The store is
// authoritative; mirror failures are logged and otherwise ignored.
type MirroredPersister struct {
	store  repository.GameRepository
	mirror summary.StatePersister
	logger *logrus.Logger
}

// NewMirroredPersister creates a persister. mirror may be nil.
func NewMirroredPersister(store repository.GameRepository, mirror summary.StatePersister, logger *logrus.Logger) *MirroredPersister {
	if logger == nil {
		logger = logrus.New()
	}
	return &MirroredPersister{store: store, mirror: mirror, logger: logger}
}

func (p *MirroredPersister) PersistState(ctx context.Context, gameID string, update models.StateUpdate) error {
	if err := p.store.PersistState(ctx, gameID, update); err != nil {
		return err
	}
	if p.mirror == nil {
		return nil
	}
	if err := p.mirror.PersistState(ctx, gameID, update); err != nil {
		p.logger.WithError(err).WithField("game_id", gameID).Warn("Failed to mirror game state")
	}
	return nil
}

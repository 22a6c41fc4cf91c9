package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/textrpg/internal/database"
	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/repository"
)

// newTestRepository connects to the database named by TEXTRPG_TEST_DSN and
// skips the test when it is unset.
func newTestRepository(t *testing.T) *GameRepository {
	t.Helper()

	dsn := os.Getenv("TEXTRPG_TEST_DSN")
	if dsn == "" {
		t.Skip("TEXTRPG_TEST_DSN not set")
	}
	require.NoError(t, database.RunMigrations(dsn))

	db, err := sqlxConnect(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewGameRepository(db, dsn, nil)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestGameRepository_MergeAndList(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	gameID := "game_" + uuid.NewString()
	playerID := "player_" + uuid.NewString()

	require.NoError(t, repo.Create(ctx, models.GameState{
		GameID:       gameID,
		PlayerID:     playerID,
		Name:         "Quest",
		CurrentState: models.NarrativeState{Location: "Crossroads"},
		MessageHistory: []models.Message{
			{ID: "welcome", Type: models.MessageTypeSystem, Content: "Welcome"},
		},
	}))
	t.Cleanup(func() { _ = repo.Delete(context.Background(), gameID) })

	summaries := []models.Summary{{ID: "s1", Content: "recap", MessageRange: models.MessageRange{End: 1}}}
	require.NoError(t, repo.PersistState(ctx, gameID, models.StateUpdate{Summaries: &summaries}))

	got, err := repo.Get(ctx, gameID)
	require.NoError(t, err)
	assert.Equal(t, "Crossroads", got.CurrentState.Location)
	assert.Len(t, got.MessageHistory, 1)
	require.Len(t, got.Summaries, 1)
	assert.Equal(t, "recap", got.Summaries[0].Content)

	games, err := repo.ListByPlayer(ctx, playerID)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, 1, games[0].SummaryCount)

	require.NoError(t, repo.Delete(ctx, gameID))
	_, err = repo.Get(ctx, gameID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGameRepository_PersistStateCreatesListedGame(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	gameID := "game_" + uuid.NewString()
	playerID := "player_" + uuid.NewString()
	t.Cleanup(func() { _ = repo.Delete(context.Background(), gameID) })

	name := "Started remotely"
	require.NoError(t, repo.PersistState(ctx, gameID, models.StateUpdate{
		PlayerID: &playerID,
		Name:     &name,
	}))

	games, err := repo.ListByPlayer(ctx, playerID)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, gameID, games[0].GameID)
	assert.Equal(t, name, games[0].Name)

	// Later patches without a player keep the owner
	summaries := []models.Summary{}
	require.NoError(t, repo.PersistState(ctx, gameID, models.StateUpdate{Summaries: &summaries}))

	games, err = repo.ListByPlayer(ctx, playerID)
	require.NoError(t, err)
	assert.Len(t, games, 1)
}

func TestGameRepository_Subscribe(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	gameID := "game_" + uuid.NewString()

	var mu sync.Mutex
	var names []string
	cancel, err := repo.Subscribe(ctx, gameID, func(state models.GameState) {
		mu.Lock()
		names = append(names, state.Name)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	name := "Renamed"
	require.NoError(t, repo.PersistState(ctx, gameID, models.StateUpdate{Name: &name}))
	t.Cleanup(func() { _ = repo.Delete(context.Background(), gameID) })

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) > 0 && names[len(names)-1] == "Renamed"
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, repo.Connected())
}

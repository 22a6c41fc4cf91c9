package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/repository"
	"github.com/agentx/textrpg/internal/repository/memory"
	"github.com/agentx/textrpg/internal/summary"
)

type fakeNarrator struct {
	reply *models.NarrativeReply
	err   error
	seen  []string
}

func (f *fakeNarrator) SendMessage(ctx context.Context, gameID, message string, narrative models.NarrativeState) (*models.NarrativeReply, error) {
	f.seen = append(f.seen, message)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

type fakeSummarizer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int

	entered chan struct{}
	block   chan struct{}
}

func (f *fakeSummarizer) GenerateSummary(ctx context.Context, gameID string, messages []models.Message, narrative models.NarrativeState) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return f.text, f.err
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// detachedStore never delivers change notifications so snapshots only move
// through the session's own writes.
type detachedStore struct {
	*memory.Store
}

func (d detachedStore) Subscribe(ctx context.Context, gameID string, onChange func(models.GameState)) (repository.CancelFunc, error) {
	return func() {}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	store      *memory.Store
	narrator   *fakeNarrator
	summarizer *fakeSummarizer
	session    *Session

	mu     sync.Mutex
	errors []error
}

func newFixture(t *testing.T, store repository.GameRepository, mem *memory.Store) *fixture {
	t.Helper()

	f := &fixture{
		store:      mem,
		narrator:   &fakeNarrator{reply: &models.NarrativeReply{Content: "The wind howls."}},
		summarizer: &fakeSummarizer{text: "So far the hero wandered."},
	}

	logger := quietLogger()
	c := &clock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	f.session = New(Config{
		GameID:             "game_1",
		PlayerID:           "player_1",
		Name:               "Test run",
		Store:              store,
		Narrator:           f.narrator,
		Summarizer:         f.summarizer,
		ProgressResetDelay: -1,
		Logger:             logger,
		OnError: func(err error) {
			f.mu.Lock()
			f.errors = append(f.errors, err)
			f.mu.Unlock()
		},
		Now: c.Now,
	})
	t.Cleanup(f.session.Close)
	return f
}

func newDetachedFixture(t *testing.T) *fixture {
	mem := memory.NewStore()
	return newFixture(t, detachedStore{mem}, mem)
}

func (f *fixture) backgroundErrors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errors...)
}

func addMessages(t *testing.T, s *Session, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.AddMessage(context.Background(), models.MessageTypeUser, fmt.Sprintf("step %d", i))
		require.NoError(t, err)
	}
}

func TestOpenCreatesGame(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()

	require.NoError(t, f.session.Open(ctx))
	assert.True(t, f.session.Connected())

	state := f.session.State()
	assert.Equal(t, "player_1", state.PlayerID)
	assert.Equal(t, "Test run", state.Name)
	assert.Equal(t, OpeningScene.Location, state.CurrentState.Location)
	require.Len(t, state.MessageHistory, 1)
	assert.Equal(t, models.MessageTypeSystem, state.MessageHistory[0].Type)

	stored, err := f.store.Get(ctx, "game_1")
	require.NoError(t, err)
	assert.Len(t, stored.MessageHistory, 1)
}

func TestOpenLoadsExistingGame(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, models.GameState{
		GameID:       "game_1",
		PlayerID:     "player_1",
		CurrentState: models.NarrativeState{Location: "Tower"},
		MessageHistory: []models.Message{
			{ID: "m1", Type: models.MessageTypeUser, Content: "climb"},
			{ID: "m2", Type: models.MessageTypeAI, Content: "You climb."},
		},
	}))

	require.NoError(t, f.session.Open(ctx))
	state := f.session.State()
	assert.Equal(t, "Tower", state.CurrentState.Location)
	assert.Len(t, state.MessageHistory, 2)
	assert.Equal(t, 2, f.session.SummaryStatus().MessagesSinceLastSummary)
}

func TestAddMessageRequiresOpen(t *testing.T) {
	f := newDetachedFixture(t)

	_, err := f.session.AddMessage(context.Background(), models.MessageTypeUser, "hello")
	assert.ErrorIs(t, err, ErrSessionNotOpened)
}

func TestAddMessageRejectsUnknownType(t *testing.T) {
	f := newDetachedFixture(t)
	require.NoError(t, f.session.Open(context.Background()))

	_, err := f.session.AddMessage(context.Background(), models.MessageType("narrator"), "hello")
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestSendMessage(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	f.narrator.reply = &models.NarrativeReply{
		Content: "You find a lantern.",
		GameState: &models.NarrativeState{
			Scene:     "A cellar",
			Location:  "Cellar",
			Inventory: []string{"lantern"},
			Stats:     models.PlayerStats{Health: 100, Mana: 50},
		},
	}

	reply, err := f.session.SendMessage(ctx, "  search the cellar  ")
	require.NoError(t, err)
	assert.Equal(t, "You find a lantern.", reply.Content)
	assert.Equal(t, []string{"search the cellar"}, f.narrator.seen)

	state := f.session.State()
	require.Len(t, state.MessageHistory, 3)
	assert.Equal(t, models.MessageTypeUser, state.MessageHistory[1].Type)
	assert.Equal(t, "search the cellar", state.MessageHistory[1].Content)
	assert.Equal(t, models.MessageTypeAI, state.MessageHistory[2].Type)
	assert.Equal(t, "Cellar", state.CurrentState.Location)

	stored, err := f.store.Get(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lantern"}, stored.CurrentState.Inventory)
	assert.Len(t, stored.MessageHistory, 3)
}

func TestSendMessageRejectsBlank(t *testing.T) {
	f := newDetachedFixture(t)
	require.NoError(t, f.session.Open(context.Background()))

	_, err := f.session.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Len(t, f.session.State().MessageHistory, 1)
	assert.Empty(t, f.narrator.seen)
}

func TestSendMessageNarratorFailure(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	boom := errors.New("upstream unavailable")
	f.narrator.err = boom

	_, err := f.session.SendMessage(ctx, "open the door")
	require.ErrorIs(t, err, boom)

	history := f.session.State().MessageHistory
	require.Len(t, history, 3)
	assert.Equal(t, models.MessageTypeUser, history[1].Type)
	assert.Equal(t, models.MessageTypeSystem, history[2].Type)
	assert.Equal(t, apologyMessage, history[2].Content)
}

func TestAutoConsolidationAtThreshold(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	addMessages(t, f.session, 28)
	f.session.Wait()
	assert.Equal(t, 0, f.summarizer.callCount())

	addMessages(t, f.session, 1)
	f.session.Wait()
	assert.Equal(t, 1, f.summarizer.callCount())

	state := f.session.State()
	require.Len(t, state.Summaries, 1)
	assert.Equal(t, models.MessageRange{Start: 0, End: 30}, state.Summaries[0].MessageRange)
	assert.Equal(t, 0, f.session.SummaryStatus().MessagesSinceLastSummary)
	assert.Empty(t, f.backgroundErrors())

	stored, err := f.store.Get(ctx, "game_1")
	require.NoError(t, err)
	require.Len(t, stored.Summaries, 1)
	assert.Len(t, stored.MessageHistory, 30)

	addMessages(t, f.session, 2)
	f.session.Wait()
	assert.Equal(t, 1, f.summarizer.callCount())
	assert.Equal(t, 2, f.session.SummaryStatus().MessagesSinceLastSummary)
	assert.Equal(t, 2, f.session.Stats().MessagesSinceLastSummary)
}

func TestAutoConsolidationFailureIsReported(t *testing.T) {
	f := newDetachedFixture(t)
	require.NoError(t, f.session.Open(context.Background()))
	f.summarizer.err = errors.New("model overloaded")

	addMessages(t, f.session, 29)
	f.session.Wait()

	errs := f.backgroundErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], summary.ErrSummarizationFailed)
	assert.Empty(t, f.session.State().Summaries)
	assert.False(t, f.session.SummaryStatus().IsGenerating)
	assert.Equal(t, 0, f.session.SummaryStatus().Progress)
}

func TestSummarize(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	addMessages(t, f.session, 3)
	_, err := f.session.Summarize(ctx)
	assert.ErrorIs(t, err, ErrTooFewMessages)
	assert.Equal(t, 0, f.summarizer.callCount())

	addMessages(t, f.session, 1)
	result, err := f.session.Summarize(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Summary)
	assert.Equal(t, models.MessageRange{Start: 0, End: 5}, result.Summary.MessageRange)
	assert.Len(t, f.session.State().Summaries, 1)
	assert.NotNil(t, f.session.SummaryStatus().LastSummaryAt)

	result, err = f.session.Summarize(ctx)
	require.NoError(t, err)
	assert.Nil(t, result.Summary)
	assert.Equal(t, summary.SkipNothingToSummarize, result.Skipped)
}

func TestPrune(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	removed, err := f.session.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	addMessages(t, f.session, 5)
	_, err = f.session.Summarize(ctx)
	require.NoError(t, err)
	addMessages(t, f.session, 2)

	removed, err = f.session.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, removed)

	state := f.session.State()
	assert.Len(t, state.MessageHistory, 2)
	assert.Equal(t, 6, state.PrunedCount)
	assert.Equal(t, 8, f.session.Stats().TotalMessages)
	assert.Equal(t, 2, f.session.Stats().MessagesSinceLastSummary)

	stored, err := f.store.Get(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, 6, stored.PrunedCount)
	assert.Len(t, stored.MessageHistory, 2)

	removed, err = f.session.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestRemoteChangesAreApplied(t *testing.T) {
	mem := memory.NewStore()
	f := newFixture(t, mem, mem)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	location := models.NarrativeState{Location: "Harbor"}
	require.NoError(t, mem.PersistState(ctx, "game_1", models.StateUpdate{
		CurrentState: &location,
		LastSaved:    &later,
	}))

	require.Eventually(t, func() bool {
		return f.session.State().CurrentState.Location == "Harbor"
	}, time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newDetachedFixture(t)
	require.NoError(t, f.session.Open(context.Background()))

	f.session.Close()
	f.session.Close()
	assert.False(t, f.session.Connected())
}

type failingPersister struct{ calls int }

func (p *failingPersister) PersistState(ctx context.Context, gameID string, update models.StateUpdate) error {
	p.calls++
	return errors.New("backend down")
}

func TestMirroredPersister(t *testing.T) {
	mem := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, mem.Create(ctx, models.GameState{GameID: "game_1"}))

	mirror := &failingPersister{}
	p := NewMirroredPersister(mem, mirror, quietLogger())

	name := "Renamed"
	require.NoError(t, p.PersistState(ctx, "game_1", models.StateUpdate{Name: &name}))
	assert.Equal(t, 1, mirror.calls)

	stored, err := mem.Get(ctx, "game_1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Name)
}

func newLiveFixture(t *testing.T) *fixture {
	mem := memory.NewStore()
	return newFixture(t, mem, mem)
}

func requireContiguous(t *testing.T, summaries []models.Summary) {
	t.Helper()
	require.NotEmpty(t, summaries)
	assert.Equal(t, 0, summaries[0].MessageRange.Start)
	for i := 1; i < len(summaries); i++ {
		assert.Equal(t, summaries[i-1].MessageRange.End, summaries[i].MessageRange.Start,
			"summary %d does not continue summary %d", i, i-1)
		assert.Greater(t, summaries[i].MessageRange.End, summaries[i].MessageRange.Start)
	}
}

func TestLateEchoKeepsAdoptedSummary(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	addMessages(t, f.session, 9)
	beforeSummary, err := f.store.Get(ctx, "game_1")
	require.NoError(t, err)

	result, err := f.session.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MessageRange{Start: 0, End: 10}, result.Summary.MessageRange)

	// A notification for the last append arrives after the summary
	f.session.applyRemote(*beforeSummary)
	require.Len(t, f.session.State().Summaries, 1)

	addMessages(t, f.session, 5)
	result, err = f.session.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MessageRange{Start: 10, End: 15}, result.Summary.MessageRange)

	stored, err := f.store.Get(ctx, "game_1")
	require.NoError(t, err)
	require.Len(t, stored.Summaries, 2)
	requireContiguous(t, stored.Summaries)
}

func TestApplyRemoteIgnoresStaleDocuments(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))
	addMessages(t, f.session, 4)

	_, err := f.session.Summarize(ctx)
	require.NoError(t, err)
	local := f.session.State()

	same := local.Clone()
	same.MessageHistory = same.MessageHistory[:1]
	f.session.applyRemote(same)
	assert.Len(t, f.session.State().MessageHistory, 5)

	newerWithoutSummaries := local.Clone()
	newerWithoutSummaries.Summaries = nil
	newerWithoutSummaries.LastSaved = local.LastSaved.Add(time.Minute)
	f.session.applyRemote(newerWithoutSummaries)
	assert.Len(t, f.session.State().Summaries, 1)

	newer := local.Clone()
	newer.CurrentState.Location = "Docks"
	newer.LastSaved = local.LastSaved.Add(time.Minute)
	f.session.applyRemote(newer)
	assert.Equal(t, "Docks", f.session.State().CurrentState.Location)
}

func TestBackgroundConsolidationsKeepSummariesContiguous(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	// Each message alone reaches the token threshold, so every append
	// wants a consolidation while change notifications keep arriving.
	huge := strings.Repeat("x", summary.TokenThreshold*4)
	for i := 0; i < 40; i++ {
		_, err := f.session.AddMessage(ctx, models.MessageTypeAI, huge)
		require.NoError(t, err)
	}
	f.session.Wait()
	require.Empty(t, f.backgroundErrors())

	stored, err := f.store.Get(ctx, "game_1")
	require.NoError(t, err)
	assert.Len(t, stored.Summaries, f.summarizer.callCount())
	requireContiguous(t, stored.Summaries)

	local := f.session.State()
	assert.Equal(t, stored.Summaries[len(stored.Summaries)-1].MessageRange,
		local.Summaries[len(local.Summaries)-1].MessageRange)
}

func TestSeveralThresholdConsolidationsWithLiveStore(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	for batch := 1; batch <= 3; batch++ {
		addMessages(t, f.session, 30)
		f.session.Wait()
	}

	// welcome + 90 messages: only the counts 30, 60 and 90 trigger
	stored, err := f.store.Get(ctx, "game_1")
	require.NoError(t, err)
	require.Len(t, stored.Summaries, 3)
	requireContiguous(t, stored.Summaries)
	assert.Equal(t, 3, f.summarizer.callCount())
	assert.Len(t, f.session.State().Summaries, 3)
}

func TestSummarizeWhileBackgroundRunning(t *testing.T) {
	f := newDetachedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Open(ctx))

	f.summarizer.entered = make(chan struct{}, 1)
	f.summarizer.block = make(chan struct{})

	addMessages(t, f.session, 29)
	<-f.summarizer.entered

	result, err := f.session.Summarize(ctx)
	assert.ErrorIs(t, err, ErrSummaryInProgress)
	assert.Equal(t, summary.SkipInProgress, result.Skipped)

	close(f.summarizer.block)
	f.session.Wait()
	assert.Len(t, f.session.State().Summaries, 1)
	assert.Equal(t, 1, f.summarizer.callCount())
}

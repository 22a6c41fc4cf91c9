// Package session owns one open game: its current snapshot, the change
// subscription on the game store and the consolidation policy that keeps the
// message history compact.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/repository"
	"github.com/agentx/textrpg/internal/summary"
)

var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrTooFewMessages    = errors.New("not enough messages to summarize")
	ErrInvalidType       = errors.New("invalid message type")
	ErrSessionNotOpened  = errors.New("session is not open")
	ErrSummaryInProgress = errors.New("a summary is already being generated")
)

const (
	welcomeMessage = "Welcome to the adventure! Describe what you want to do."
	apologyMessage = "Sorry, the narrator could not respond. Please try again."
)

// OpeningScene is the narrative state of a freshly created game
var OpeningScene = models.NarrativeState{
	Scene:     "You wake up at the edge of a quiet village as the sun rises.",
	Inventory: []string{},
	Stats:     models.PlayerStats{Health: 100, Mana: 50},
	Location:  "Village outskirts",
}

// Narrator produces the next story beat for a player message
type Narrator interface {
	SendMessage(ctx context.Context, gameID, message string, narrative models.NarrativeState) (*models.NarrativeReply, error)
}

// Config wires a Session to its collaborators
type Config struct {
	GameID   string
	PlayerID string
	Name     string

	Store     repository.GameRepository
	Persister summary.StatePersister
	Narrator  Narrator
	Logger    *logrus.Logger

	// Consolidation collaborators. The session builds its own policy so
	// summary writes go through the same ordered write path as messages.
	Summarizer         summary.Summarizer
	Observer           summary.Observer
	ProgressResetDelay time.Duration

	// OnError receives failures of background consolidations
	OnError func(error)

	Now   func() time.Time
	NewID func() string
}

// Session is the single writer for one game. Its methods may be called from
// one goroutine at a time; State and the status getters are safe anywhere.
type Session struct {
	gameID   string
	playerID string
	name     string

	store     repository.GameRepository
	persister summary.StatePersister
	narrator  Narrator
	policy    *summary.Policy
	logger    *logrus.Logger
	onError   func(error)
	now       func() time.Time
	newID     func() string

	// writeMu orders store writes so saved times increase in the order the
	// writes land.
	writeMu sync.Mutex

	mu        sync.RWMutex
	state     models.GameState
	opened    bool
	connected bool
	cancel    repository.CancelFunc

	// consolidating stays set until a consolidation result has been merged
	// into the snapshot, so the next one never starts from stale summaries.
	consolidating atomic.Bool

	wg sync.WaitGroup
}

// New creates a session. Call Open before anything else.
func New(cfg Config) *Session {
	s := &Session{
		gameID:    cfg.GameID,
		playerID:  cfg.PlayerID,
		name:      cfg.Name,
		store:     cfg.Store,
		persister: cfg.Persister,
		narrator:  cfg.Narrator,
		logger:    cfg.Logger,
		onError:   cfg.OnError,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}
	if s.persister == nil {
		s.persister = cfg.Store
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.policy = summary.NewPolicy(summary.Config{
		Summarizer:         cfg.Summarizer,
		Persister:          sessionWriter{s},
		Observer:           cfg.Observer,
		Logger:             s.logger,
		ProgressResetDelay: cfg.ProgressResetDelay,
		Now:                s.now,
	})
	return s
}

// sessionWriter lets the policy persist summaries through the session
type sessionWriter struct {
	s *Session
}

func (w sessionWriter) PersistState(ctx context.Context, gameID string, update models.StateUpdate) error {
	_, err := w.s.persist(ctx, update)
	return err
}

// Open loads the game document, creating it with the opening scene when it
// does not exist yet, and subscribes to changes made elsewhere.
func (s *Session) Open(ctx context.Context) error {
	log := s.logger.WithField("game_id", s.gameID)

	state, err := s.store.Get(ctx, s.gameID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		created := s.newGame()
		if err := s.store.Create(ctx, created); err != nil {
			return fmt.Errorf("failed to create game: %w", err)
		}
		log.Info("Created new game")
		state = &created
	case err != nil:
		return fmt.Errorf("failed to load game: %w", err)
	default:
		log.WithField("messages", state.History().Len()).Info("Loaded game")
	}

	s.mu.Lock()
	s.state = *state
	s.opened = true
	s.mu.Unlock()
	s.policy.Observe(state.History(), state.Summaries)

	cancel, err := s.store.Subscribe(ctx, s.gameID, s.applyRemote)
	if err != nil {
		log.WithError(err).Warn("Failed to subscribe to game changes")
		return nil
	}

	s.mu.Lock()
	s.cancel = cancel
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Session) newGame() models.GameState {
	now := s.now()
	opening := OpeningScene
	opening.Inventory = append([]string{}, OpeningScene.Inventory...)

	return models.GameState{
		GameID:       s.gameID,
		PlayerID:     s.playerID,
		Name:         s.name,
		CurrentState: opening,
		MessageHistory: []models.Message{{
			ID:        s.newID(),
			Type:      models.MessageTypeSystem,
			Content:   welcomeMessage,
			Timestamp: now,
		}},
		Summaries: []models.Summary{},
		CreatedAt: now,
		LastSaved: now,
	}
}

// applyRemote adopts a document pushed by the store subscription. Documents
// not saved after the current snapshot, or missing summaries the snapshot
// already has, are late echoes of our own writes.
func (s *Session) applyRemote(state models.GameState) {
	s.mu.Lock()
	if !state.LastSaved.After(s.state.LastSaved) ||
		models.LastSummaryEnd(state.Summaries) < models.LastSummaryEnd(s.state.Summaries) {
		s.mu.Unlock()
		return
	}
	s.state = state.Clone()
	s.mu.Unlock()
	s.policy.Observe(state.History(), state.Summaries)
}

// State returns the current snapshot
func (s *Session) State() models.GameState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Connected reports whether remote changes are being received
func (s *Session) Connected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()

	if h, ok := s.store.(interface{ Connected() bool }); ok && connected {
		return h.Connected()
	}
	return connected
}

// persist stamps update with a saved time later than the snapshot's, writes
// it and adopts it into the snapshot.
func (s *Session) persist(ctx context.Context, update models.StateUpdate) (models.GameState, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	last := s.state.LastSaved
	s.mu.RUnlock()

	now := s.now()
	if !now.After(last) {
		now = last.Add(time.Millisecond)
	}
	update.LastSaved = &now

	if err := s.persister.PersistState(ctx, s.gameID, update); err != nil {
		return models.GameState{}, err
	}

	s.mu.Lock()
	s.state = s.state.Apply(update)
	next := s.state.Clone()
	s.mu.Unlock()
	return next, nil
}

// AddMessage appends a message, persists the history and lets the policy
// decide whether to consolidate in the background.
func (s *Session) AddMessage(ctx context.Context, typ models.MessageType, content string) (models.Message, error) {
	if !typ.Valid() {
		return models.Message{}, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}

	s.mu.RLock()
	opened := s.opened
	history := make([]models.Message, 0, len(s.state.MessageHistory)+1)
	history = append(history, s.state.MessageHistory...)
	s.mu.RUnlock()
	if !opened {
		return models.Message{}, ErrSessionNotOpened
	}

	msg := models.Message{
		ID:        s.newID(),
		Type:      typ,
		Content:   content,
		Timestamp: s.now(),
	}
	history = append(history, msg)

	next, err := s.persist(ctx, models.StateUpdate{MessageHistory: &history})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}

	s.policy.Observe(next.History(), next.Summaries)
	s.maybeConsolidate(ctx)
	return msg, nil
}

func (s *Session) maybeConsolidate(ctx context.Context) {
	if !s.consolidating.CompareAndSwap(false, true) {
		return
	}

	// Read after claiming the flag so summaries adopted by the previous
	// consolidation are included.
	state := s.State()
	if !s.policy.ShouldConsolidate(state.History(), state.Summaries, false) {
		s.consolidating.Store(false)
		return
	}

	results := s.policy.ConsolidateAsync(context.WithoutCancel(ctx), state, false)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.consolidating.Store(false)

		result, err := (<-results).Unpack()
		if err != nil {
			s.logger.WithError(err).WithField("game_id", s.gameID).Error("Background consolidation failed")
			if s.onError != nil {
				s.onError(err)
			}
			return
		}
		s.adoptSummaries(result)
	}()
}

// adoptSummaries merges a consolidation result into the snapshot. Only the
// summary list and save time are taken; messages appended meanwhile are kept.
func (s *Session) adoptSummaries(result summary.Result) {
	if result.Summary == nil {
		return
	}

	s.mu.Lock()
	if models.LastSummaryEnd(result.State.Summaries) >= models.LastSummaryEnd(s.state.Summaries) {
		s.state.Summaries = append([]models.Summary(nil), result.State.Summaries...)
	}
	if result.State.LastSaved.After(s.state.LastSaved) {
		s.state.LastSaved = result.State.LastSaved
	}
	state := s.state.Clone()
	s.mu.Unlock()
	s.policy.Observe(state.History(), state.Summaries)
}

// SendMessage records the player's input, asks the narrator for the next
// beat and records the reply. A narrator failure leaves an apology in the
// transcript and is returned.
func (s *Session) SendMessage(ctx context.Context, text string) (*models.NarrativeReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	if _, err := s.AddMessage(ctx, models.MessageTypeUser, text); err != nil {
		return nil, err
	}

	narrative := s.State().CurrentState
	reply, err := s.narrator.SendMessage(ctx, s.gameID, text, narrative)
	if err != nil {
		if _, addErr := s.AddMessage(ctx, models.MessageTypeSystem, apologyMessage); addErr != nil {
			s.logger.WithError(addErr).Warn("Failed to record narrator failure")
		}
		return nil, fmt.Errorf("narrator failed: %w", err)
	}

	if _, err := s.AddMessage(ctx, models.MessageTypeAI, reply.Content); err != nil {
		return nil, err
	}
	if reply.GameState != nil {
		if err := s.UpdateNarrative(ctx, *reply.GameState); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// UpdateNarrative replaces the current narrative state
func (s *Session) UpdateNarrative(ctx context.Context, narrative models.NarrativeState) error {
	narrative.Inventory = append([]string{}, narrative.Inventory...)
	if _, err := s.persist(ctx, models.StateUpdate{CurrentState: &narrative}); err != nil {
		return fmt.Errorf("failed to save narrative state: %w", err)
	}
	return nil
}

// Summarize forces a consolidation of everything after the latest summary.
// It returns ErrSummaryInProgress while another consolidation is running.
func (s *Session) Summarize(ctx context.Context) (summary.Result, error) {
	state := s.State()
	if state.History().Len() < summary.ManualMinMessages {
		return summary.Result{State: state}, fmt.Errorf("%w: have %d, need %d",
			ErrTooFewMessages, state.History().Len(), summary.ManualMinMessages)
	}

	if !s.consolidating.CompareAndSwap(false, true) {
		return summary.Result{State: state, Skipped: summary.SkipInProgress}, ErrSummaryInProgress
	}
	defer s.consolidating.Store(false)

	// Re-read now that no background result can still be pending
	state = s.State()
	result, err := s.policy.Consolidate(ctx, state, true)
	if err != nil {
		return result, err
	}
	if result.Skipped == summary.SkipInProgress {
		return result, ErrSummaryInProgress
	}
	s.adoptSummaries(result)
	return result, nil
}

// Prune drops messages already covered by a summary from the stored history.
// It returns how many messages were removed.
func (s *Session) Prune(ctx context.Context) (int, error) {
	state := s.State()
	before := state.History()
	after := summary.PruneSummarizedMessages(before, state.Summaries)

	removed := after.Pruned - before.Pruned
	if removed == 0 {
		return 0, nil
	}

	messages := after.Messages
	pruned := after.Pruned
	next, err := s.persist(ctx, models.StateUpdate{MessageHistory: &messages, PrunedCount: &pruned})
	if err != nil {
		return 0, fmt.Errorf("failed to save pruned history: %w", err)
	}

	s.policy.Observe(next.History(), next.Summaries)
	s.logger.WithFields(logrus.Fields{
		"game_id": s.gameID,
		"removed": removed,
	}).Info("Pruned summarized messages")
	return removed, nil
}

// Stats reports history size and threshold state
func (s *Session) Stats() models.SummaryStats {
	state := s.State()
	return summary.BuildStats(state.History(), state.Summaries)
}

// SummaryStatus reports consolidation progress
func (s *Session) SummaryStatus() models.SummaryStatus {
	return s.policy.Status()
}

// Wait blocks until background consolidations have finished
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close stops the subscription and waits for background work
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

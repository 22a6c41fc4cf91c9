package summary

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentx/textrpg/internal/models"
)

// Progress checkpoints reported while a consolidation runs
const (
	progressStarted   = 0
	progressRequested = 30
	progressReceived  = 70
	progressDone      = 100

	defaultProgressResetDelay = 3 * time.Second
)

// Summarizer produces recap text for a slice of messages
type Summarizer interface {
	GenerateSummary(ctx context.Context, gameID string, messages []models.Message, narrative models.NarrativeState) (string, error)
}

// StatePersister merges a partial update into the stored game document
type StatePersister interface {
	PersistState(ctx context.Context, gameID string, update models.StateUpdate) error
}

// Observer is notified about consolidation attempts that were actually sent
// to the summarizer.
type Observer interface {
	ConsolidationStarted(ctx context.Context, gameID string, messages int)
	ConsolidationFinished(ctx context.Context, gameID string, tokensSaved int, err error)
}

// SkipReason explains why Consolidate returned without doing anything
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipInProgress         SkipReason = "in_progress"
	SkipNothingToSummarize SkipReason = "nothing_to_summarize"
	SkipBelowThreshold     SkipReason = "below_threshold"
)

// Result is the outcome of a consolidation attempt. State is the snapshot the
// caller should adopt; it equals the input snapshot when Summary is nil.
type Result struct {
	State   models.GameState
	Summary *models.Summary
	Skipped SkipReason
}

// Config wires a Policy to its collaborators
type Config struct {
	Summarizer Summarizer
	Persister  StatePersister
	Observer   Observer
	Logger     *logrus.Logger

	// ProgressResetDelay is how long progress stays at 100 after a success.
	// Zero selects the default, a negative value keeps it at 100.
	ProgressResetDelay time.Duration

	Now   func() time.Time
	NewID func() string
}

// Policy decides when message history is compacted into summaries and
// performs the compaction. A Policy serves one game history at a time.
type Policy struct {
	summarizer Summarizer
	persister  StatePersister
	observer   Observer
	logger     *logrus.Logger
	tracer     trace.Tracer
	resetDelay time.Duration
	now        func() time.Time
	newID      func() string

	generating atomic.Bool

	mu         sync.Mutex
	status     models.SummaryStatus
	resetTimer *time.Timer
}

// NewPolicy creates a consolidation policy
func NewPolicy(cfg Config) *Policy {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	p := &Policy{
		summarizer: cfg.Summarizer,
		persister:  cfg.Persister,
		observer:   cfg.Observer,
		logger:     logger,
		tracer:     otel.Tracer("github.com/agentx/textrpg/internal/summary"),
		resetDelay: cfg.ProgressResetDelay,
		now:        cfg.Now,
		newID:      cfg.NewID,
	}
	if p.resetDelay == 0 {
		p.resetDelay = defaultProgressResetDelay
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = func() string { return "summary-" + uuid.NewString() }
	}
	return p
}

// ShouldConsolidate reports whether a consolidation would run now. It is
// always false while another consolidation is in flight.
func (p *Policy) ShouldConsolidate(history models.History, summaries []models.Summary, force bool) bool {
	if p.generating.Load() {
		return false
	}
	return force || thresholdReached(history, summaries)
}

// Generating reports whether a consolidation is in flight
func (p *Policy) Generating() bool {
	return p.generating.Load()
}

// Consolidate summarizes the messages that arrived after the latest summary
// and persists the extended summary list. It makes a single attempt; errors
// wrap ErrSummarizationFailed or ErrPersistenceFailed and leave the returned
// state equal to the input.
func (p *Policy) Consolidate(ctx context.Context, state models.GameState, force bool) (Result, error) {
	result := Result{State: state}

	if !p.generating.CompareAndSwap(false, true) {
		result.Skipped = SkipInProgress
		return result, nil
	}

	history := state.History()
	lastEnd := models.LastSummaryEnd(state.Summaries)
	pending := history.From(lastEnd)

	if len(pending) == 0 {
		p.generating.Store(false)
		result.Skipped = SkipNothingToSummarize
		return result, nil
	}
	if !force && !thresholdReached(history, state.Summaries) {
		p.generating.Store(false)
		result.Skipped = SkipBelowThreshold
		return result, nil
	}

	end := history.Len()
	tokens := EstimateTokenCount(pending)

	ctx, span := p.tracer.Start(ctx, "summary.Consolidate", trace.WithAttributes(
		attribute.String("game.id", state.GameID),
		attribute.Int("summary.start", lastEnd),
		attribute.Int("summary.end", end),
		attribute.Bool("summary.forced", force),
	))
	defer span.End()

	p.begin()
	if p.observer != nil {
		p.observer.ConsolidationStarted(ctx, state.GameID, len(pending))
	}

	log := p.logger.WithFields(logrus.Fields{
		"game_id": state.GameID,
		"start":   lastEnd,
		"end":     end,
		"forced":  force,
	})
	log.Debug("Generating summary")

	summary, next, err := p.run(ctx, state, pending, lastEnd, end, tokens)
	if p.observer != nil {
		p.observer.ConsolidationFinished(ctx, state.GameID, tokens, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.abort()
		log.WithError(err).Warn("Summary generation failed")
		return result, err
	}

	p.finish(CountUnsummarizedMessages(next.History(), next.Summaries))
	log.WithField("tokens_saved", tokens).Info("Summary generated")

	result.State = next
	result.Summary = &summary
	return result, nil
}

func (p *Policy) run(ctx context.Context, state models.GameState, pending []models.Message, start, end, tokens int) (models.Summary, models.GameState, error) {
	p.setProgress(progressRequested)

	text, err := p.summarizer.GenerateSummary(ctx, state.GameID, pending, state.CurrentState)
	if err != nil {
		return models.Summary{}, state, fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}
	if text == "" {
		return models.Summary{}, state, fmt.Errorf("%w: empty summary", ErrSummarizationFailed)
	}

	p.setProgress(progressReceived)

	now := p.now()
	summary := models.Summary{
		ID:      p.newID(),
		Content: text,
		MessageRange: models.MessageRange{
			Start: start,
			End:   end,
		},
		Timestamp:   now,
		TokensSaved: tokens,
	}

	summaries := make([]models.Summary, 0, len(state.Summaries)+1)
	summaries = append(summaries, state.Summaries...)
	summaries = append(summaries, summary)
	update := models.StateUpdate{Summaries: &summaries, LastSaved: &now}

	if err := p.persister.PersistState(ctx, state.GameID, update); err != nil {
		return models.Summary{}, state, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	return summary, state.Apply(update), nil
}

// Observe refreshes the unsummarized message counter. Call it whenever the
// history or the summary list changes.
func (p *Policy) Observe(history models.History, summaries []models.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.MessagesSinceLastSummary = CountUnsummarizedMessages(history, summaries)
}

// Status returns a snapshot of the consolidation status
func (p *Policy) Status() models.SummaryStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := p.status
	status.IsGenerating = p.generating.Load()
	if status.LastSummaryAt != nil {
		at := *status.LastSummaryAt
		status.LastSummaryAt = &at
	}
	return status
}

func (p *Policy) begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resetTimer != nil {
		p.resetTimer.Stop()
		p.resetTimer = nil
	}
	p.status.Progress = progressStarted
}

func (p *Policy) setProgress(progress int) {
	p.mu.Lock()
	p.status.Progress = progress
	p.mu.Unlock()
}

func (p *Policy) abort() {
	p.mu.Lock()
	p.status.Progress = progressStarted
	p.mu.Unlock()
	p.generating.Store(false)
}

func (p *Policy) finish(pending int) {
	p.mu.Lock()
	at := p.now()
	p.status.Progress = progressDone
	p.status.LastSummaryAt = &at
	p.status.MessagesSinceLastSummary = pending
	if p.resetDelay > 0 {
		p.resetTimer = time.AfterFunc(p.resetDelay, p.resetProgress)
	}
	p.mu.Unlock()
	p.generating.Store(false)
}

func (p *Policy) resetProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.generating.Load() && p.status.Progress == progressDone {
		p.status.Progress = progressStarted
	}
}

package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentx/textrpg/internal/summary"
)

// Metrics records consolidation activity. It satisfies summary.Observer.
type Metrics struct {
	started     metric.Int64Counter
	failed      metric.Int64Counter
	tokensSaved metric.Int64Histogram
}

// NewMetrics registers the consolidation instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	started, err := meter.Int64Counter("textrpg.summary.consolidations",
		metric.WithDescription("Consolidations sent to the summarizer"))
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter("textrpg.summary.failures",
		metric.WithDescription("Consolidations that ended in an error"))
	if err != nil {
		return nil, err
	}

	tokensSaved, err := meter.Int64Histogram("textrpg.summary.tokens_saved",
		metric.WithDescription("Estimated tokens covered by each new summary"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		started:     started,
		failed:      failed,
		tokensSaved: tokensSaved,
	}, nil
}

func (m *Metrics) ConsolidationStarted(ctx context.Context, gameID string, messages int) {
	m.started.Add(ctx, 1)
}

func (m *Metrics) ConsolidationFinished(ctx context.Context, gameID string, tokensSaved int, err error) {
	if err != nil {
		m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("error", errorKind(err))))
		return
	}
	m.tokensSaved.Record(ctx, int64(tokensSaved))
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, summary.ErrSummarizationFailed):
		return "summarization"
	case errors.Is(err, summary.ErrPersistenceFailed):
		return "persistence"
	default:
		return "other"
	}
}

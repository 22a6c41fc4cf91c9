package summary

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/agentx/textrpg/internal/models"
)

func drawMessage(t *rapid.T, i int) models.Message {
	return models.Message{
		ID:      fmt.Sprintf("m%d", i),
		Type:    rapid.SampledFrom([]models.MessageType{models.MessageTypeUser, models.MessageTypeAI, models.MessageTypeSystem}).Draw(t, "type"),
		Content: rapid.String().Draw(t, "content"),
	}
}

// TestTokenEstimateMonotonic verifies that appending a message never lowers
// the token estimate.
func TestTokenEstimateMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(t, "n")
		var history []models.Message
		prev := EstimateTokenCount(history)

		for i := 0; i < n; i++ {
			history = append(history, drawMessage(t, i))
			cur := EstimateTokenCount(history)

			// PROPERTY: estimate is non-decreasing under append.
			if cur < prev {
				t.Fatalf("estimate dropped from %d to %d after append", prev, cur)
			}
			prev = cur
		}
	})
}

// TestSummaryRangesContiguous drives a random sequence of appends, forced and
// automatic consolidations and prunes, then checks summary ranges chain.
func TestSummaryRangesContiguous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := newTestPolicy(&fakeSummarizer{text: "recap"}, &fakePersister{})
		state := models.GameState{GameID: "prop"}
		ctx := context.Background()

		steps := rapid.IntRange(1, 120).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 9).Draw(t, "op") {
			case 0:
				result, err := p.Consolidate(ctx, state, true)
				if err != nil {
					t.Fatal(err)
				}
				state = result.State
			case 1:
				h := PruneSummarizedMessages(state.History(), state.Summaries)
				state.MessageHistory = h.Messages
				state.PrunedCount = h.Pruned
			default:
				state.MessageHistory = append(state.MessageHistory, drawMessage(t, i))
				if p.ShouldConsolidate(state.History(), state.Summaries, false) {
					result, err := p.Consolidate(ctx, state, false)
					if err != nil {
						t.Fatal(err)
					}
					state = result.State
				}
			}
		}

		// PROPERTY: ranges are contiguous, non-empty and never exceed the
		// sequence length.
		prevEnd := 0
		for i, s := range state.Summaries {
			if s.MessageRange.Start != prevEnd {
				t.Fatalf("summary %d starts at %d, previous ended at %d", i, s.MessageRange.Start, prevEnd)
			}
			if s.MessageRange.End <= s.MessageRange.Start {
				t.Fatalf("summary %d has empty range %+v", i, s.MessageRange)
			}
			prevEnd = s.MessageRange.End
		}
		if prevEnd > state.History().Len() {
			t.Fatalf("last summary end %d beyond history length %d", prevEnd, state.History().Len())
		}
	})
}

// TestPruneIdempotent verifies pruning twice equals pruning once.
func TestPruneIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 80).Draw(t, "n")
		msgs := make([]models.Message, n)
		for i := range msgs {
			msgs[i] = drawMessage(t, i)
		}
		history := models.History{Messages: msgs}

		var summaries []models.Summary
		if n > 0 && rapid.Bool().Draw(t, "summarized") {
			end := rapid.IntRange(1, n).Draw(t, "end")
			summaries = append(summaries, models.Summary{
				MessageRange: models.MessageRange{Start: 0, End: end},
			})
		}

		once := PruneSummarizedMessages(history, summaries)
		twice := PruneSummarizedMessages(once, summaries)

		// PROPERTY: idempotent and length preserving.
		if once.Pruned != twice.Pruned || len(once.Messages) != len(twice.Messages) {
			t.Fatalf("prune not idempotent: %+v vs %+v", once.Pruned, twice.Pruned)
		}
		if once.Len() != history.Len() {
			t.Fatalf("prune changed logical length %d -> %d", history.Len(), once.Len())
		}
	})
}

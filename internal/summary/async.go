package summary

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/agentx/textrpg/internal/models"
)

// ConsolidateAsync runs Consolidate on its own goroutine. The returned
// channel yields exactly one result and is then closed.
func (p *Policy) ConsolidateAsync(ctx context.Context, state models.GameState, force bool) <-chan fn.Result[Result] {
	out := make(chan fn.Result[Result], 1)

	go func() {
		defer close(out)

		result, err := p.Consolidate(ctx, state, force)
		if err != nil {
			out <- fn.Err[Result](err)
			return
		}
		out <- fn.Ok(result)
	}()

	return out
}

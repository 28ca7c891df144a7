package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/cipherq/internal/channel"
	"github.com/roach88/cipherq/internal/ir"
)

// Run applies callbacks from inbox until ctx is cancelled or the inbox is
// closed.
//
// Per-callback errors are logged by HandleCallback and processing continues:
// a rejected callback leaves its pending computation in place and retrying
// it here would not change the outcome. Run returns ctx.Err() on
// cancellation, nil when the inbox closes, and any other receive error.
func (e *Engine) Run(ctx context.Context, inbox channel.Inbox) error {
	slog.Info("engine starting", "seq", e.clock.Current())

	for {
		out, err := inbox.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, channel.ErrClosed):
				slog.Info("engine stopping: inbox closed")
				return nil
			case ctx.Err() != nil:
				slog.Info("engine stopping: context cancelled")
				return ctx.Err()
			default:
				slog.Error("receive callback failed", "error", err)
				return err
			}
		}

		if _, err := e.HandleCallback(ctx, out); err != nil && ir.CodeOf(err) != ir.CodeAbortedComputation {
			slog.Debug("callback not applied",
				"kind", out.Kind,
				"request_id", out.RequestID,
				"code", ir.CodeOf(err),
			)
		}
	}
}

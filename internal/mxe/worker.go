package mxe

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/cipherq/internal/channel"
	"github.com/roach88/cipherq/internal/ir"
)

// Worker connects an Executor to the engine's channels.
type Worker struct {
	exec *Executor
	in   channel.Receiver[ir.Outbound]
	out  channel.Sender[ir.SignedOutput]
}

// NewWorker reads computations from in and writes results to out.
func NewWorker(exec *Executor, in channel.Receiver[ir.Outbound], out channel.Sender[ir.SignedOutput]) *Worker {
	return &Worker{exec: exec, in: in, out: out}
}

// Run executes computations until ctx is cancelled or in is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.in.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return err
		}
		if err := w.Step(ctx, msg); err != nil {
			return err
		}
	}
}

// Step executes one computation and sends its result.
func (w *Worker) Step(ctx context.Context, msg ir.Outbound) error {
	result := w.exec.Execute(msg)
	slog.Debug("computation executed",
		"kind", msg.Kind,
		"request_id", msg.RequestID,
		"status", result.Status,
	)
	return w.out.Send(ctx, result)
}

package channel

import (
	"context"
	"errors"

	"github.com/roach88/cipherq/internal/ir"
)

// ErrClosed is returned by a Receiver whose transport has been closed and
// drained, and by a Sender after Close.
var ErrClosed = errors.New("channel closed")

// Sender hands a message to the other side.
type Sender[T any] interface {
	Send(ctx context.Context, msg T) error
}

// Receiver blocks until a message is available, ctx is done, or the
// transport is closed.
type Receiver[T any] interface {
	Receive(ctx context.Context) (T, error)
}

// Submitter is the engine's outbound side.
type Submitter = Sender[ir.Outbound]

// Inbox is the engine's inbound side.
type Inbox = Receiver[ir.SignedOutput]

// SenderFunc adapts a function to Sender.
type SenderFunc[T any] func(ctx context.Context, msg T) error

// Send calls f.
func (f SenderFunc[T]) Send(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// unavailable marks err as a transient channel failure unless it already
// carries a protocol code.
func unavailable(message string, err error) error {
	if ir.CodeOf(err) != "" {
		return err
	}
	return ir.WrapError(ir.CodeExternalChannelUnavailable, message, err)
}

package channel

import (
	"context"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/roach88/cipherq/internal/ir"
)

// Throttled rejects sends beyond a token-bucket rate instead of queueing
// them, so an overloaded executor surfaces as ExternalChannelUnavailable
// at dispatch time.
type Throttled[T any] struct {
	next    Sender[T]
	limiter *rate.Limiter
}

// NewThrottled allows perSecond sends with the given burst.
func NewThrottled[T any](next Sender[T], perSecond float64, burst int) *Throttled[T] {
	return &Throttled[T]{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Send forwards msg if a token is available.
func (t *Throttled[T]) Send(ctx context.Context, msg T) error {
	if !t.limiter.Allow() {
		err := ir.NewError(ir.CodeExternalChannelUnavailable, "executor channel rate limit exceeded")
		err.Details = map[string]string{"burst": strconv.Itoa(t.limiter.Burst())}
		return err
	}
	return t.next.Send(ctx, msg)
}

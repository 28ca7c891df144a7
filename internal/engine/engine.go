package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cipherq/internal/channel"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/store"
	"github.com/roach88/cipherq/internal/telemetry"
)

// Engine dispatches computations and applies their verified results.
//
// Thread-safety model:
//   - Dispatch, HandleCallback: safe from any goroutine; the store's single
//     connection serializes their transactions
//   - Run: call from at most one goroutine
//   - Subscribe: safe from any goroutine
type Engine struct {
	store     *store.Store
	submitter channel.Submitter
	clock     *Clock
	now       func() time.Time
	ids       IDGenerator
	metrics   *telemetry.Metrics

	// serialize claims in-flight markers so no two outstanding computations
	// touch the same record.
	serialize bool

	mu          sync.RWMutex
	subscribers []func(ir.Notification)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the logical clock. Default: a clock resumed by Recover.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithNow sets the wall clock. Default: time.Now.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator sets the notification id generator. Default: UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRecordSerialization toggles in-flight markers. Default: enabled.
//
// Disabling it allows two outstanding computations over the same record;
// the second update to land then fails with StaleNonce or overwrites a
// result computed from stale state.
func WithRecordSerialization(enabled bool) Option {
	return func(e *Engine) {
		e.serialize = enabled
	}
}

// New creates an Engine persisting to s and handing computations to
// submitter.
func New(s *store.Store, submitter channel.Submitter, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		submitter: submitter,
		clock:     NewClock(),
		now:       time.Now,
		ids:       UUIDv7Generator{},
		serialize: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Clock returns the logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Recover resumes the logical clock after the highest persisted seq and
// reports outstanding state. Pending computations are left as they are:
// they resolve when their callback arrives, or never.
func (e *Engine) Recover(ctx context.Context) (store.Health, error) {
	h, err := e.store.Health(ctx)
	if err != nil {
		return h, fmt.Errorf("recover: %w", err)
	}
	e.clock.AdvanceTo(h.LastSeq)
	slog.Info("engine recovered",
		"last_seq", h.LastSeq,
		"pending", h.Pending,
		"resolutions", h.Resolutions,
	)
	if h.OrphanedMarkers > 0 {
		slog.Warn("in-flight markers without a pending computation",
			"count", h.OrphanedMarkers,
			"anomaly", true,
		)
	}
	return h, nil
}

// Subscribe registers fn to receive every notification after its
// transaction commits. fn runs on the goroutine that applied the callback
// and must not block.
func (e *Engine) Subscribe(fn func(ir.Notification)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

func (e *Engine) publish(n ir.Notification) {
	e.mu.RLock()
	subs := make([]func(ir.Notification), len(e.subscribers))
	copy(subs, e.subscribers)
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(n)
	}
}

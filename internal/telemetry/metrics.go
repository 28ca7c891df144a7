// Package telemetry records dispatch and callback outcomes as OpenTelemetry
// metrics.
//
// A nil *Metrics is valid and records nothing, so the engine can run
// without a meter provider.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/roach88/cipherq/internal/ir"
)

// InstrumentationName is the meter name.
const InstrumentationName = "github.com/roach88/cipherq"

// Outcome labels beyond error codes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	dispatches metric.Int64Counter
	callbacks  metric.Int64Counter
	duration   metric.Float64Histogram
	pending    metric.Int64UpDownCounter
}

// New creates a meter provider from opts and registers the instruments.
// Pass sdkmetric.WithReader to export; without a reader nothing leaves the
// process.
func New(opts ...sdkmetric.Option) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter(InstrumentationName, metric.WithInstrumentationVersion(ir.EngineVersion))

	m := &Metrics{provider: provider}
	var err error
	m.dispatches, err = meter.Int64Counter("cipherq.dispatch.total",
		metric.WithDescription("Dispatch attempts by computation kind and outcome"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch counter: %w", err)
	}
	m.callbacks, err = meter.Int64Counter("cipherq.callback.total",
		metric.WithDescription("Callbacks handled by computation kind and outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create callback counter: %w", err)
	}
	m.duration, err = meter.Float64Histogram("cipherq.callback.duration",
		metric.WithDescription("Time from dispatch to resolution"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	m.pending, err = meter.Int64UpDownCounter("cipherq.pending",
		metric.WithDescription("Outstanding pending computations"),
		metric.WithUnit("{computation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pending counter: %w", err)
	}
	return m, nil
}

// Outcome labels err: "ok", its protocol code, or "error".
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := ir.CodeOf(err); code != "" {
		return string(code)
	}
	return OutcomeError
}

// RecordDispatch counts one dispatch attempt.
func (m *Metrics) RecordDispatch(ctx context.Context, kind ir.Kind, err error) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", Outcome(err)),
	))
	if err == nil {
		m.pending.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

// RecordCallback counts one callback. consumed reports whether a pending
// computation was resolved; latency is measured from its dispatch.
func (m *Metrics) RecordCallback(ctx context.Context, kind ir.Kind, err error, consumed bool, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", Outcome(err)),
	)
	m.callbacks.Add(ctx, 1, attrs)
	if consumed {
		m.duration.Record(ctx, latency.Seconds(), attrs)
		m.pending.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

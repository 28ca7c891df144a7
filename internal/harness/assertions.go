package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
	"github.com/roach88/cipherq/internal/program"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s/%d", ev.Step, ev.Stage, ev.Kind, ev.RequestID)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " error=%s", ev.Error)
			}
			if ev.Outcome != "" {
				fmt.Fprintf(&buf, " outcome=%s", ev.Outcome)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

func (h *Harness) evaluate(ctx context.Context, a Assertion, trace []TraceEvent) error {
	switch a.Type {
	case AssertCounter:
		return h.assertCounter(ctx, a)
	case AssertPending:
		pending, err := h.store.ReadPending(ctx)
		if err != nil {
			return err
		}
		return assertCount(a.Type, "pending computations", a.Count, len(pending))
	case AssertNotifications:
		ns, err := h.store.ReadNotifications(ctx, 0)
		if err != nil {
			return err
		}
		return assertCount(a.Type, "notifications", a.Count, len(ns))
	case AssertResolutions:
		health, err := h.store.Health(ctx)
		if err != nil {
			return err
		}
		return assertCount(a.Type, "resolutions", a.Count, health.Resolutions)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertCounter decrypts the owner's counter and checks its value and,
// optionally, its nonce.
func (h *Harness) assertCounter(ctx context.Context, a Assertion) error {
	addr := program.CounterAddress([]byte(a.Owner))
	sealed, v, err := h.counterAt(ctx, addr)
	if err != nil {
		return &AssertionError{
			Type:     AssertCounter,
			Expected: fmt.Sprintf("counter for %s", a.Owner),
			Actual:   err.Error(),
		}
	}
	if want := ir.NewU128(*a.Value); v != want {
		return &AssertionError{
			Type:     AssertCounter,
			Expected: fmt.Sprintf("%s's counter = %s", a.Owner, want),
			Actual:   v.String(),
		}
	}
	if a.Nonce != nil {
		want := layout.NonceFromU128(ir.NewU128(*a.Nonce))
		if sealed.Nonce != want {
			return &AssertionError{
				Type:     AssertCounter,
				Expected: fmt.Sprintf("%s's counter nonce = %d", a.Owner, *a.Nonce),
				Actual:   sealed.Nonce.U128().String(),
			}
		}
	}
	return nil
}

func assertCount(typ, what string, want, got int) error {
	if want == got {
		return nil
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%d %s", want, what),
		Actual:   fmt.Sprintf("%d", got),
	}
}

// assertTraceCount counts events of a stage, optionally narrowed by kind
// and error code.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Stage != a.Stage {
			continue
		}
		if a.Kind != "" && ev.Kind != a.Kind {
			continue
		}
		if a.Error != "" && ev.Error != a.Error {
			continue
		}
		count++
	}
	if count == a.Count {
		return nil
	}
	desc := a.Stage
	if a.Kind != "" {
		desc += " " + a.Kind
	}
	if a.Error != "" {
		desc += " with " + a.Error
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d %s events", a.Count, desc),
		Actual:   fmt.Sprintf("%d", count),
		Trace:    trace,
	}
}

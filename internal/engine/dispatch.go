package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
	"github.com/roach88/cipherq/internal/store"
)

// DispatchRequest asks the engine to hand a computation to the executor.
type DispatchRequest struct {
	RequestID ir.RequestID
	Kind      ir.Kind
	Arguments args.Arguments

	// Callback names what the verified result drives. Layout and Event may
	// be left empty to take the definition's.
	Callback ir.CallbackTarget

	RequiredSigners int

	// Allocate creates records atomically with the pending computation.
	Allocate []ir.Allocation
}

// Dispatch validates req, persists it as a pending computation and submits
// it to the executor channel, all in one transaction.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest) (ir.PendingComputation, error) {
	p, err := e.dispatch(ctx, req)
	e.metrics.RecordDispatch(ctx, req.Kind, err)
	if err != nil {
		slog.Debug("dispatch rejected",
			"kind", req.Kind,
			"request_id", req.RequestID,
			"error", err,
		)
		return ir.PendingComputation{}, err
	}
	slog.Info("computation dispatched",
		"kind", p.Kind,
		"request_id", p.RequestID,
		"seq", p.Seq,
		"digest", p.Digest,
		"references", len(p.References),
	)
	return p, nil
}

func (e *Engine) dispatch(ctx context.Context, req DispatchRequest) (ir.PendingComputation, error) {
	fail := func(err *ir.Error) error {
		return err.With(req.Kind, req.RequestID)
	}

	if req.RequiredSigners < 1 {
		return ir.PendingComputation{}, fail(ir.NewError(ir.CodeInvalidRequiredSigners,
			"required signers is %d, must be at least 1", req.RequiredSigners))
	}

	var (
		p         ir.PendingComputation
		submitted bool
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		def, err := tx.Definition(ctx, req.Kind)
		if errors.Is(err, store.ErrNotFound) {
			return fail(ir.NewError(ir.CodeUnknownComputationKind, "no registered definition"))
		}
		if err != nil {
			return err
		}
		callback, cerr := bindCallback(def, req.Callback)
		if cerr != nil {
			return fail(cerr)
		}

		busy, err := tx.HasPending(ctx, req.Kind, req.RequestID)
		if err != nil {
			return err
		}
		if busy {
			return fail(ir.NewError(ir.CodeDuplicateRequestID, "request id already outstanding"))
		}

		for _, a := range req.Allocate {
			if err := e.allocate(ctx, tx, a); err != nil {
				return withScope(err, req.Kind, req.RequestID)
			}
		}

		refs, err := req.Arguments.Resolve(ctx, tx)
		if err != nil {
			return withScope(err, req.Kind, req.RequestID)
		}

		if callback.Action == ir.ActionUpdateRecord {
			if err := checkTarget(ctx, tx, callback); err != nil {
				return withScope(err, req.Kind, req.RequestID)
			}
		}

		if e.serialize {
			for _, addr := range touched(callback, refs) {
				err := tx.ClaimInFlight(ctx, addr, req.Kind, req.RequestID)
				if errors.Is(err, store.ErrInFlight) {
					ierr := ir.WrapError(ir.CodeRecordInFlight, "record is claimed by an outstanding computation", err)
					ierr.Details = map[string]string{"address": addr.String()}
					return fail(ierr)
				}
				if err != nil {
					return err
				}
			}
		}

		p = ir.PendingComputation{
			RequestID:       req.RequestID,
			Kind:            req.Kind,
			Arguments:       req.Arguments.Data,
			References:      refs,
			Callback:        callback,
			RequiredSigners: req.RequiredSigners,
			Seq:             e.clock.Next(),
			DispatchedAt:    e.now().UTC(),
		}
		p.Digest = ir.ComputationDigest(p)

		if err := tx.InsertPending(ctx, p); err != nil {
			if errors.Is(err, store.ErrExists) {
				return fail(ir.NewError(ir.CodeDuplicateRequestID, "request id already outstanding"))
			}
			return err
		}

		// Submit last: a refused handoff rolls back everything above.
		if err := e.submitter.Send(ctx, ir.OutboundFor(p)); err != nil {
			return withScope(channelError(err), req.Kind, req.RequestID)
		}
		submitted = true
		return nil
	})
	if err != nil {
		if submitted {
			// The executor holds the computation but no pending row exists;
			// its callback will come back as an unknown request.
			slog.Error("dispatch commit failed after handoff",
				"kind", req.Kind,
				"request_id", req.RequestID,
				"seq", p.Seq,
				"digest", p.Digest.String(),
				"error", err,
			)
		}
		return ir.PendingComputation{}, err
	}
	return p, nil
}

// bindCallback checks the requested callback against the definition and
// fills the layout or event the definition declares.
func bindCallback(def *compdef.Definition, cb ir.CallbackTarget) (ir.CallbackTarget, *ir.Error) {
	if cb.Action != def.Callback.Action {
		err := ir.NewError(ir.CodeUnknownComputationKind, "callback action does not match definition")
		err.Details = map[string]string{
			"requested": string(cb.Action),
			"declared":  string(def.Callback.Action),
		}
		return cb, err
	}
	switch cb.Action {
	case ir.ActionUpdateRecord:
		if cb.Layout == "" {
			cb.Layout = def.Callback.Layout
		}
		if cb.Layout != def.Callback.Layout {
			err := ir.NewError(ir.CodeUnknownComputationKind, "callback layout does not match definition")
			err.Details = map[string]string{"requested": cb.Layout, "declared": def.Callback.Layout}
			return cb, err
		}
		if cb.Address.IsZero() {
			return cb, ir.NewError(ir.CodeInvalidArgumentReference, "update_record callback needs a target address")
		}
		cb.Event = ""
	case ir.ActionNotify:
		if cb.Event == "" {
			cb.Event = def.Callback.Event
		}
		cb.Address = ir.Address{}
		cb.Layout = ""
	}
	return cb, nil
}

// allocate inserts a fresh record. The record must carry its layout's
// discriminator and size; its sealed region is normally zero.
func (e *Engine) allocate(ctx context.Context, tx *store.Tx, a ir.Allocation) error {
	lay, ok := layout.Lookup(a.Layout)
	if !ok {
		return ir.NewError(ir.CodeMalformedRecord, "allocation uses unknown layout %q", a.Layout)
	}
	if _, err := lay.Sealed(a.Data); err != nil {
		return err
	}
	now := e.now().UTC()
	err := tx.InsertRecord(ctx, store.Record{
		Address:   a.Address,
		Layout:    a.Layout,
		Data:      a.Data,
		Seq:       e.clock.Next(),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, store.ErrExists) {
		ierr := ir.WrapError(ir.CodeInvalidArgumentReference, "allocation target already exists", err)
		ierr.Details = map[string]string{"address": a.Address.String()}
		return ierr
	}
	return err
}

// checkTarget verifies the update target exists with the expected layout.
func checkTarget(ctx context.Context, tx *store.Tx, cb ir.CallbackTarget) error {
	rec, err := tx.ReadRecord(ctx, cb.Address)
	if errors.Is(err, store.ErrNotFound) {
		ierr := ir.WrapError(ir.CodeInvalidArgumentReference, "callback target does not exist", err)
		ierr.Details = map[string]string{"address": cb.Address.String()}
		return ierr
	}
	if err != nil {
		return err
	}
	if rec.Layout != cb.Layout {
		ierr := ir.NewError(ir.CodeInvalidArgumentReference, "callback target is a %s record, want %s", rec.Layout, cb.Layout)
		ierr.Details = map[string]string{"address": cb.Address.String()}
		return ierr
	}
	return nil
}

// touched lists every record address a computation reads or writes, once.
func touched(cb ir.CallbackTarget, refs []ir.Reference) []ir.Address {
	seen := make(map[ir.Address]bool)
	var out []ir.Address
	add := func(a ir.Address) {
		if a.IsZero() || seen[a] {
			return
		}
		seen[a] = true
		out = append(out, a)
	}
	if cb.Action == ir.ActionUpdateRecord {
		add(cb.Address)
	}
	for _, r := range refs {
		add(r.Address)
	}
	return out
}

func channelError(err error) error {
	if ir.CodeOf(err) == ir.CodeExternalChannelUnavailable {
		return err
	}
	return ir.WrapError(ir.CodeExternalChannelUnavailable, "executor channel refused the computation", err)
}

// withScope tags a protocol error with the computation it concerns. Other
// errors are wrapped with the same context.
func withScope(err error, kind ir.Kind, id ir.RequestID) error {
	var ierr *ir.Error
	if errors.As(err, &ierr) {
		if ierr.Kind == "" {
			return ierr.With(kind, id)
		}
		return err
	}
	return fmt.Errorf("%s/%s: %w", kind, id, err)
}

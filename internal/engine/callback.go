package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
	"github.com/roach88/cipherq/internal/store"
)

// HandleCallback verifies a signed output and absorbs it exactly once.
//
// On success the Effect describes the record update or notification. An
// executor-reported abort consumes the pending computation and returns the
// aborted Effect together with an AbortedComputation error. Every other
// error leaves the store untouched.
func (e *Engine) HandleCallback(ctx context.Context, out ir.SignedOutput) (ir.Effect, error) {
	var (
		effect   ir.Effect
		pending  ir.PendingComputation
		consumed bool
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		pending, err = tx.TakePending(ctx, out.Kind, out.RequestID)
		if errors.Is(err, store.ErrNotFound) {
			return ir.NewError(ir.CodeUnknownOrAlreadyConsumedRequest, "no outstanding computation").With(out.Kind, out.RequestID)
		}
		if err != nil {
			return err
		}

		if err := e.verify(ctx, tx, pending, out); err != nil {
			return withScope(err, out.Kind, out.RequestID)
		}

		effect, err = e.apply(ctx, tx, pending, out)
		if err != nil {
			return withScope(err, out.Kind, out.RequestID)
		}

		if err := tx.ReleaseInFlight(ctx, pending.Kind, pending.RequestID); err != nil {
			return err
		}
		if err := tx.InsertResolution(ctx, store.Resolution{
			Kind:       pending.Kind,
			RequestID:  pending.RequestID,
			Digest:     pending.Digest,
			Outcome:    effect.Outcome,
			Seq:        effect.Seq,
			ResolvedAt: effect.AppliedAt,
		}); err != nil {
			return err
		}
		consumed = true
		return nil
	})

	if err == nil && effect.Outcome == ir.OutcomeAborted {
		err = ir.NewError(ir.CodeAbortedComputation, "executor reported failure").With(out.Kind, out.RequestID)
	}
	latency := effect.AppliedAt.Sub(pending.DispatchedAt)
	e.metrics.RecordCallback(ctx, out.Kind, err, consumed, latency)

	if !consumed {
		e.logRejected(ctx, out, err)
		return ir.Effect{}, err
	}

	slog.Info("callback resolved",
		"kind", effect.Kind,
		"request_id", effect.RequestID,
		"outcome", effect.Outcome,
		"seq", effect.Seq,
	)
	if effect.Notification != nil {
		e.publish(*effect.Notification)
	}
	return effect, err
}

// verify checks the output's signatures and status against the pending
// computation it claims to resolve.
func (e *Engine) verify(ctx context.Context, tx *store.Tx, p ir.PendingComputation, out ir.SignedOutput) error {
	nodes, err := tx.ClusterNodes(ctx)
	if err != nil {
		return err
	}
	ring, err := cluster.NewKeyRing()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := ring.Add(cluster.Node{PublicKey: n.PublicKey, Label: n.Label}); err != nil {
			return fmt.Errorf("load cluster keys: %w", err)
		}
	}
	digest := ir.CallbackDigest(p.Kind, p.RequestID, p.Digest, out.Status, out.Output)
	if err := ring.Verify(digest, out.Signatures, p.RequiredSigners); err != nil {
		return err
	}

	if out.Status != ir.StatusOK && out.Status != ir.StatusAborted {
		return ir.NewError(ir.CodeMalformedOutput, "unknown status %q", out.Status)
	}
	return nil
}

// apply absorbs a verified output.
func (e *Engine) apply(ctx context.Context, tx *store.Tx, p ir.PendingComputation, out ir.SignedOutput) (ir.Effect, error) {
	effect := ir.Effect{
		RequestID: p.RequestID,
		Kind:      p.Kind,
		Seq:       e.clock.Next(),
		AppliedAt: e.now().UTC(),
	}
	if out.Status == ir.StatusAborted {
		effect.Outcome = ir.OutcomeAborted
		return effect, nil
	}

	def, err := tx.Definition(ctx, p.Kind)
	if errors.Is(err, store.ErrNotFound) {
		return effect, ir.NewError(ir.CodeUnknownComputationKind, "definition removed while computation was pending")
	}
	if err != nil {
		return effect, err
	}
	decoded, err := decodeOutput(def.Output, out.Output)
	if err != nil {
		return effect, err
	}

	switch p.Callback.Action {
	case ir.ActionUpdateRecord:
		update, err := e.updateRecord(ctx, tx, p.Callback, decoded, effect)
		if err != nil {
			return effect, err
		}
		effect.Record = update
	case ir.ActionNotify:
		n := ir.Notification{
			ID:          e.ids.Generate(),
			Kind:        p.Kind,
			RequestID:   p.RequestID,
			Event:       p.Callback.Event,
			AudienceKey: decoded.key,
			Scalars:     decoded.scalars,
			Seq:         effect.Seq,
			CreatedAt:   effect.AppliedAt,
		}
		if decoded.shape != compdef.ShapePlaintext {
			n.Nonce = append([]byte(nil), decoded.sealed.Nonce[:]...)
			for _, b := range decoded.sealed.Blocks {
				n.Ciphertexts = append(n.Ciphertexts, append([]byte(nil), b[:]...))
			}
		}
		if err := tx.InsertNotification(ctx, n); err != nil {
			return effect, err
		}
		effect.Notification = &n
	default:
		return effect, ir.NewError(ir.CodeMalformedOutput, "pending computation has unknown callback action %q", p.Callback.Action)
	}
	effect.Outcome = ir.OutcomeApplied
	return effect, nil
}

func (e *Engine) updateRecord(ctx context.Context, tx *store.Tx, cb ir.CallbackTarget, d decodedOutput, effect ir.Effect) (*ir.RecordUpdate, error) {
	if d.shape != compdef.ShapeMxe {
		return nil, ir.NewError(ir.CodeMalformedOutput, "record updates need cluster-encrypted output, got %s", d.shape)
	}
	lay, ok := layout.Lookup(cb.Layout)
	if !ok {
		return nil, ir.NewError(ir.CodeMalformedOutput, "unknown layout %q", cb.Layout)
	}
	rec, err := tx.ReadRecord(ctx, cb.Address)
	if err != nil {
		return nil, fmt.Errorf("read callback target: %w", err)
	}
	if rec.Layout != cb.Layout {
		return nil, ir.NewError(ir.CodeMalformedRecord, "callback target is a %s record, want %s", rec.Layout, cb.Layout)
	}
	prev, err := lay.Sealed(rec.Data)
	if err != nil {
		return nil, err
	}
	if len(d.sealed.Blocks) != lay.Blocks {
		return nil, ir.NewError(ir.CodeMalformedOutput, "output has %d blocks, %s holds %d", len(d.sealed.Blocks), lay.Name, lay.Blocks)
	}
	if err := layout.CheckFreshNonce(prev.Nonce, d.sealed.Nonce); err != nil {
		return nil, err
	}
	data := append([]byte(nil), rec.Data...)
	if err := lay.Seal(data, d.sealed); err != nil {
		return nil, err
	}
	if err := tx.UpdateRecordData(ctx, cb.Address, data, effect.Seq, effect.AppliedAt); err != nil {
		return nil, err
	}
	return &ir.RecordUpdate{
		Address:       cb.Address,
		Layout:        cb.Layout,
		PreviousNonce: prev.Nonce,
		Nonce:         d.sealed.Nonce,
	}, nil
}

// decodedOutput is an output split by its declared shape.
type decodedOutput struct {
	shape   compdef.Shape
	key     []byte
	sealed  layout.Sealed
	scalars []ir.U128
}

// decodeOutput parses output as
//
//	mxe:       nonce[16] || block[32] × N
//	shared:    key[32] || nonce[16] || block[32] × N
//	plaintext: u128 × N
//
// The length must match exactly.
func decodeOutput(o compdef.Output, output []byte) (decodedOutput, error) {
	d := decodedOutput{shape: o.Shape}
	if want := o.Size(); want < 0 || len(output) != want {
		err := ir.NewError(ir.CodeMalformedOutput, "%s output is %d bytes, want %d", o.Shape, len(output), want)
		return d, err
	}
	switch o.Shape {
	case compdef.ShapeMxe:
		s, err := layout.Decode(output, o.Blocks)
		if err != nil {
			return d, ir.WrapError(ir.CodeMalformedOutput, "decode sealed output", err)
		}
		d.sealed = s
	case compdef.ShapeShared:
		d.key = append([]byte(nil), output[:32]...)
		s, err := layout.Decode(output[32:], o.Blocks)
		if err != nil {
			return d, ir.WrapError(ir.CodeMalformedOutput, "decode shared output", err)
		}
		d.sealed = s
	case compdef.ShapePlaintext:
		for i := 0; i < o.Blocks; i++ {
			d.scalars = append(d.scalars, ir.U128FromBytes([16]byte(output[16*i:16*i+16])))
		}
	}
	return d, nil
}

// logRejected logs a callback that did not consume anything. A callback for
// a computation that was already resolved is logged as an anomaly: either
// the executor double-delivered or someone is replaying signed outputs.
func (e *Engine) logRejected(ctx context.Context, out ir.SignedOutput, err error) {
	if ir.CodeOf(err) == ir.CodeUnknownOrAlreadyConsumedRequest {
		resolved, rerr := e.store.WasResolved(ctx, out.Kind, out.RequestID)
		if rerr == nil && resolved {
			slog.Warn("callback for already resolved computation",
				"kind", out.Kind,
				"request_id", out.RequestID,
				"status", out.Status,
				"anomaly", true,
			)
			return
		}
	}
	slog.Warn("callback rejected",
		"kind", out.Kind,
		"request_id", out.RequestID,
		"status", out.Status,
		"signatures", len(out.Signatures),
		"category", ir.CategoryOf(err),
		"error", err,
	)
}

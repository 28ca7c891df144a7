package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/channel"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
)

func addTogetherRequest(id ir.RequestID) DispatchRequest {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x5a}, 32))
	return DispatchRequest{
		RequestID: id,
		Kind:      "add_together",
		Arguments: args.NewBuilder().
			X25519Pubkey(key).
			PlaintextU128(ir.NewU128(99)).
			Ciphertext(block(1)).
			Ciphertext(block(2)).
			Build(),
		Callback:        ir.CallbackTarget{Action: ir.ActionNotify},
		RequiredSigners: 1,
	}
}

func assertNothingPending(t *testing.T, h *harness) {
	t.Helper()
	pending, err := h.store.ReadPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, h.out.Len(), "nothing may reach the executor")
}

func TestDispatch_Submits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.engine.Dispatch(ctx, addTogetherRequest(7))
	require.NoError(t, err)
	assert.Equal(t, ir.RequestID(7), p.RequestID)
	assert.Equal(t, "SumEvent", p.Callback.Event, "event defaults to the definition's")
	assert.Equal(t, ir.ComputationDigest(p), p.Digest)
	assert.Equal(t, fixedTime, p.DispatchedAt)

	pending, err := h.store.ReadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, p, pending[0])

	out, ok := h.out.TryReceive()
	require.True(t, ok)
	assert.Equal(t, ir.OutboundFor(p), out)
	assert.Equal(t, ir.KindOffset("add_together"), out.KindOffset)
	assert.Len(t, out.Arguments, 32+16+32+32)
}

func TestDispatch_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DispatchRequest)
		want   *ir.Error
	}{
		{"zero signers", func(r *DispatchRequest) { r.RequiredSigners = 0 }, ir.ErrInvalidRequiredSigners},
		{"negative signers", func(r *DispatchRequest) { r.RequiredSigners = -1 }, ir.ErrInvalidRequiredSigners},
		{"unknown kind", func(r *DispatchRequest) { r.Kind = "multiply" }, ir.ErrUnknownComputationKind},
		{"action mismatch", func(r *DispatchRequest) {
			r.Callback = ir.CallbackTarget{Action: ir.ActionUpdateRecord, Address: counterAddr}
		}, ir.ErrUnknownComputationKind},
		{"missing reference", func(r *DispatchRequest) {
			r.Arguments = args.NewBuilder().Reference(ir.Address{0xee}, 24, 32).Build()
		}, ir.ErrInvalidArgumentReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := addTogetherRequest(1)
			tt.mutate(&req)

			_, err := h.engine.Dispatch(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, ir.CategoryCallerInput, ir.CategoryOf(err))
			assertNothingPending(t, h)
		})
	}
}

func TestDispatch_DuplicateRequestID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Dispatch(ctx, addTogetherRequest(1))
	require.NoError(t, err)
	_, err = h.engine.Dispatch(ctx, addTogetherRequest(1))
	require.ErrorIs(t, err, ir.ErrDuplicateRequestID)

	var ierr *ir.Error
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, ir.Kind("add_together"), ierr.Kind)
	require.NotNil(t, ierr.RequestID)
	assert.Equal(t, ir.RequestID(1), *ierr.RequestID)

	pending, err := h.store.ReadPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, 1, h.out.Len())
}

func TestDispatch_ReferenceOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)

	req := h.incrementRequest(2, 1)
	req.Arguments = args.NewBuilder().
		PlaintextU128(ir.NewU128(1)).
		Reference(counterAddr, 40, 32).
		Build()

	_, err := h.engine.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, ir.ErrInvalidArgumentReference)
	assertNothingPending(t, h)
}

func TestDispatch_ResolvesReferenceAtDispatch(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)

	p, err := h.engine.Dispatch(context.Background(), h.incrementRequest(2, 1))
	require.NoError(t, err)
	require.Len(t, p.References, 1)
	ref := p.References[0]
	assert.Equal(t, 1, ref.Index)
	assert.Equal(t, uint32(24), ref.Offset)
	blk := block(0xa0)
	assert.Equal(t, blk[:], ref.Data, "reference carries the ciphertext as of dispatch")
}

func TestDispatch_ChannelRefusalRollsBack(t *testing.T) {
	h := newHarness(t)
	refuse := channel.SenderFunc[ir.Outbound](func(context.Context, ir.Outbound) error {
		return errors.New("connection refused")
	})
	e := New(h.store, refuse, WithNow(func() time.Time { return fixedTime }))
	ctx := context.Background()

	record, err := layout.Counter.New(nil, nil)
	require.NoError(t, err)
	_, err = e.Dispatch(ctx, DispatchRequest{
		RequestID:       1,
		Kind:            "init_counter",
		Arguments:       args.NewBuilder().PlaintextU128(ir.NewU128(1)).Build(),
		Callback:        ir.CallbackTarget{Action: ir.ActionUpdateRecord, Address: counterAddr},
		RequiredSigners: 1,
		Allocate:        []ir.Allocation{{Address: counterAddr, Layout: "counter", Data: record}},
	})
	require.ErrorIs(t, err, ir.ErrExternalChannelUnavailable)
	assert.Equal(t, ir.CategoryTransient, ir.CategoryOf(err))
	assertNothingPending(t, h)

	_, err = h.store.ReadRecord(ctx, counterAddr)
	assert.Error(t, err, "allocation must roll back with the dispatch")
	markers, err := h.store.ReadInFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestDispatch_ThrottledChannel(t *testing.T) {
	h := newHarness(t)
	throttled := channel.NewThrottled[ir.Outbound](h.out, 0.001, 1)
	e := New(h.store, throttled)
	ctx := context.Background()

	_, err := e.Dispatch(ctx, addTogetherRequest(1))
	require.NoError(t, err)
	_, err = e.Dispatch(ctx, addTogetherRequest(2))
	require.ErrorIs(t, err, ir.ErrExternalChannelUnavailable)

	pending, err := h.store.ReadPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "the throttled request is not left pending")
}

func TestDispatch_AllocationConflicts(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	record, err := layout.Counter.New(nil, nil)
	require.NoError(t, err)

	_, err = h.engine.Dispatch(context.Background(), DispatchRequest{
		RequestID:       2,
		Kind:            "init_counter",
		Arguments:       args.NewBuilder().PlaintextU128(ir.NewU128(1)).Build(),
		Callback:        ir.CallbackTarget{Action: ir.ActionUpdateRecord, Address: counterAddr},
		RequiredSigners: 1,
		Allocate:        []ir.Allocation{{Address: counterAddr, Layout: "counter", Data: record}},
	})
	assert.ErrorIs(t, err, ir.ErrInvalidArgumentReference)
}

func TestDispatch_MalformedAllocation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Dispatch(context.Background(), DispatchRequest{
		RequestID:       1,
		Kind:            "init_counter",
		Arguments:       args.NewBuilder().PlaintextU128(ir.NewU128(1)).Build(),
		Callback:        ir.CallbackTarget{Action: ir.ActionUpdateRecord, Address: counterAddr},
		RequiredSigners: 1,
		Allocate:        []ir.Allocation{{Address: counterAddr, Layout: "counter", Data: make([]byte, 56)}},
	})
	assert.ErrorIs(t, err, ir.ErrMalformedRecord, "missing discriminator")
	assertNothingPending(t, h)
}

func TestDispatch_UpdateTargetMustExist(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Dispatch(context.Background(), DispatchRequest{
		RequestID:       1,
		Kind:            "init_counter",
		Arguments:       args.NewBuilder().PlaintextU128(ir.NewU128(1)).Build(),
		Callback:        ir.CallbackTarget{Action: ir.ActionUpdateRecord, Address: counterAddr},
		RequiredSigners: 1,
	})
	assert.ErrorIs(t, err, ir.ErrInvalidArgumentReference)
	assertNothingPending(t, h)
}

func TestDispatch_RecordInFlight(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	ctx := context.Background()

	_, err := h.engine.Dispatch(ctx, h.incrementRequest(2, 1))
	require.NoError(t, err)
	_, err = h.engine.Dispatch(ctx, h.incrementRequest(3, 1))
	require.ErrorIs(t, err, ir.ErrRecordInFlight)

	markers, err := h.store.ReadInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, ir.RequestID(2), markers[0].RequestID)
}

func TestDispatch_SerializationDisabled(t *testing.T) {
	h := newHarness(t, WithRecordSerialization(false))
	h.initCounter(t, 1)
	ctx := context.Background()

	_, err := h.engine.Dispatch(ctx, h.incrementRequest(2, 1))
	require.NoError(t, err)
	_, err = h.engine.Dispatch(ctx, h.incrementRequest(3, 1))
	require.NoError(t, err)

	markers, err := h.store.ReadInFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestTouched(t *testing.T) {
	a, b := ir.Address{1}, ir.Address{2}
	cb := ir.CallbackTarget{Action: ir.ActionUpdateRecord, Address: a}
	refs := []ir.Reference{{Address: a}, {Address: b}, {Address: b}}
	assert.Equal(t, []ir.Address{a, b}, touched(cb, refs))
	assert.Equal(t, []ir.Address{b}, touched(ir.CallbackTarget{Action: ir.ActionNotify}, refs[1:]))
}

// A handoff followed by a failed commit leaves nothing pending and is logged
// with the digest the executor will sign over.
func TestDispatch_CommitFailsAfterHandoff(t *testing.T) {
	h := newHarness(t)

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sent []ir.Outbound
	e := New(h.store, channel.SenderFunc[ir.Outbound](func(_ context.Context, msg ir.Outbound) error {
		sent = append(sent, msg)
		cancel()
		return nil
	}))
	_, err := e.Recover(context.Background())
	require.NoError(t, err)

	_, err = e.Dispatch(ctx, addTogetherRequest(1))
	require.Error(t, err)
	require.Len(t, sent, 1)

	pending, err := h.store.ReadPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Contains(t, logs.String(), "dispatch commit failed after handoff")
	assert.Contains(t, logs.String(), sent[0].Digest.String())
}

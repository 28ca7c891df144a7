package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
)

func TestCallback_UpdateRecord(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	ctx := context.Background()

	before, err := h.store.ReadRecord(ctx, counterAddr)
	require.NoError(t, err)

	p, err := h.engine.Dispatch(ctx, h.incrementRequest(2, 1))
	require.NoError(t, err)
	effect, err := h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, mxeOutput(2, 0xb0), h.signers[0]))
	require.NoError(t, err)

	assert.Equal(t, ir.OutcomeApplied, effect.Outcome)
	require.NotNil(t, effect.Record)
	assert.Nil(t, effect.Notification)
	assert.Equal(t, [16]byte(nonce(1)), effect.Record.PreviousNonce)
	assert.Equal(t, [16]byte(nonce(2)), effect.Record.Nonce)

	s := h.sealed(t)
	assert.Equal(t, nonce(2), s.Nonce)
	assert.Equal(t, []layout.Block{block(0xb0)}, s.Blocks)

	after, err := h.store.ReadRecord(ctx, counterAddr)
	require.NoError(t, err)
	assert.Equal(t, before.Data[:layout.Counter.NonceOffset()], after.Data[:layout.Counter.NonceOffset()], "header untouched")
	assert.Equal(t, effect.Seq, after.Seq)

	health, err := h.store.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, health.Pending)
	assert.Equal(t, 0, health.OrphanedMarkers)
	assert.Equal(t, 2, health.Resolutions)
	markers, err := h.store.ReadInFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers, "markers released on resolution")
}

func TestCallback_ExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	ctx := context.Background()

	p, err := h.engine.Dispatch(ctx, h.incrementRequest(2, 1))
	require.NoError(t, err)
	out := sign(p, ir.StatusOK, mxeOutput(2, 0xb0), h.signers[0])
	_, err = h.engine.HandleCallback(ctx, out)
	require.NoError(t, err)
	afterFirst, err := h.store.ReadRecord(ctx, counterAddr)
	require.NoError(t, err)

	// The same signed output again, and a different valid one.
	_, err = h.engine.HandleCallback(ctx, out)
	assert.ErrorIs(t, err, ir.ErrUnknownOrAlreadyConsumedRequest)
	assert.Equal(t, ir.CategoryProtocolViolation, ir.CategoryOf(err))
	_, err = h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, mxeOutput(3, 0xc0), h.signers...))
	assert.ErrorIs(t, err, ir.ErrUnknownOrAlreadyConsumedRequest)

	afterSecond, err := h.store.ReadRecord(ctx, counterAddr)
	require.NoError(t, err)
	assert.Equal(t, afterFirst, afterSecond)

	resolutions, err := h.store.ReadResolutions(ctx)
	require.NoError(t, err)
	assert.Len(t, resolutions, 2, "init and one increment")
}

func TestCallback_UnknownRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.HandleCallback(context.Background(), ir.SignedOutput{RequestID: 404, Kind: "add_together", Status: ir.StatusOK})
	assert.ErrorIs(t, err, ir.ErrUnknownOrAlreadyConsumedRequest)
}

func TestCallback_SignatureThreshold(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	ctx := context.Background()

	p, err := h.engine.Dispatch(ctx, h.incrementRequest(2, 2))
	require.NoError(t, err)
	output := mxeOutput(2, 0xb0)

	outsider, err := cluster.NewSignerFromSeed("outsider", bytes.Repeat([]byte{0x99}, 32))
	require.NoError(t, err)

	rejected := []struct {
		name string
		out  ir.SignedOutput
	}{
		{"one of two", sign(p, ir.StatusOK, output, h.signers[0])},
		{"same node twice", sign(p, ir.StatusOK, output, h.signers[0], h.signers[0])},
		{"unregistered node", sign(p, ir.StatusOK, output, h.signers[0], outsider)},
		{"no signatures", sign(p, ir.StatusOK, output)},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.HandleCallback(ctx, tt.out)
			require.ErrorIs(t, err, ir.ErrInsufficientOrInvalidSignatures)
			assert.Equal(t, ir.CategoryAuthentication, ir.CategoryOf(err))
		})
	}

	t.Run("output swapped after signing", func(t *testing.T) {
		out := sign(p, ir.StatusOK, output, h.signers...)
		out.Output = mxeOutput(9, 0xff)
		_, err := h.engine.HandleCallback(ctx, out)
		require.ErrorIs(t, err, ir.ErrInsufficientOrInvalidSignatures)
	})

	t.Run("status swapped after signing", func(t *testing.T) {
		out := sign(p, ir.StatusAborted, nil, h.signers...)
		out.Status = ir.StatusOK
		_, err := h.engine.HandleCallback(ctx, out)
		require.ErrorIs(t, err, ir.ErrInsufficientOrInvalidSignatures)
	})

	assert.Equal(t, nonce(1), h.sealed(t).Nonce, "rejected callbacks change nothing")
	pending, err := h.store.ReadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "pending computation survives rejected callbacks")

	_, err = h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, output, h.signers...))
	require.NoError(t, err)
	assert.Equal(t, nonce(2), h.sealed(t).Nonce)
}

func TestCallback_Aborted(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	ctx := context.Background()

	p, err := h.engine.Dispatch(ctx, h.incrementRequest(2, 1))
	require.NoError(t, err)

	effect, err := h.engine.HandleCallback(ctx, sign(p, ir.StatusAborted, nil, h.signers[0]))
	require.ErrorIs(t, err, ir.ErrAbortedComputation)
	assert.Equal(t, ir.CategoryExecutorAbort, ir.CategoryOf(err))
	assert.Equal(t, ir.OutcomeAborted, effect.Outcome)
	assert.Nil(t, effect.Record)
	assert.Nil(t, effect.Notification)

	assert.Equal(t, nonce(1), h.sealed(t).Nonce)
	health, err := h.store.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, health.Pending, "abort consumes the computation")

	// The record is free again.
	_, err = h.engine.Dispatch(ctx, h.incrementRequest(3, 1))
	require.NoError(t, err)

	resolutions, err := h.store.ReadResolutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeAborted, resolutions[len(resolutions)-1].Outcome)
}

func TestCallback_MalformedOutputRollsBack(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	ctx := context.Background()

	p, err := h.engine.Dispatch(ctx, h.incrementRequest(2, 1))
	require.NoError(t, err)

	for _, output := range [][]byte{nil, mxeOutput(2, 1)[:47], append(mxeOutput(2, 1), 0)} {
		_, err = h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, output, h.signers[0]))
		require.ErrorIs(t, err, ir.ErrMalformedOutput)
	}

	pending, err := h.store.ReadPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, nonce(1), h.sealed(t).Nonce)
}

func TestCallback_StaleNonce(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	ctx := context.Background()

	p, err := h.engine.Dispatch(ctx, h.incrementRequest(2, 1))
	require.NoError(t, err)

	_, err = h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, mxeOutput(1, 0xb0), h.signers[0]))
	require.ErrorIs(t, err, ir.ErrStaleNonce)

	s := h.sealed(t)
	assert.Equal(t, []layout.Block{block(0xa0)}, s.Blocks, "stale update not applied")
	pending, err := h.store.ReadPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCallback_NotifyReencryption(t *testing.T) {
	h := newHarness(t)
	h.initCounter(t, 1)
	ctx := context.Background()

	var received []ir.Notification
	h.engine.Subscribe(func(n ir.Notification) { received = append(received, n) })

	var recipient [32]byte
	copy(recipient[:], bytes.Repeat([]byte{0x7e}, 32))
	p, err := h.engine.Dispatch(ctx, DispatchRequest{
		RequestID: 5,
		Kind:      "get_counter",
		Arguments: args.NewBuilder().
			PlaintextU128(ir.NewU128(1)).
			Reference(counterAddr, 24, 32).
			X25519Pubkey(recipient).
			PlaintextU128(ir.NewU128(77)).
			Build(),
		Callback:        ir.CallbackTarget{Action: ir.ActionNotify},
		RequiredSigners: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "CounterValueEvent", p.Callback.Event)

	effect, err := h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, sharedOutput(0x7e, 77, 0xd0), h.signers[0]))
	require.NoError(t, err)
	require.NotNil(t, effect.Notification)
	assert.Nil(t, effect.Record)

	n := *effect.Notification
	assert.Equal(t, "notif-000001", n.ID)
	assert.Equal(t, recipient[:], n.AudienceKey)
	assert.Equal(t, []byte{77, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, n.Nonce)
	blk := block(0xd0)
	assert.Equal(t, [][]byte{blk[:]}, n.Ciphertexts)
	assert.Equal(t, []ir.Notification{n}, received)

	stored, err := h.store.ReadNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []ir.Notification{n}, stored)

	assert.Equal(t, nonce(1), h.sealed(t).Nonce, "a read never mutates the record")
}

func TestCallback_NotifySum(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.engine.Dispatch(ctx, addTogetherRequest(1))
	require.NoError(t, err)
	effect, err := h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, sharedOutput(0x5a, 100, 3), h.signers[0]))
	require.NoError(t, err)
	require.NotNil(t, effect.Notification)
	assert.Equal(t, "SumEvent", effect.Notification.Event)
}

// A signed output for a resolved computation must not be accepted for a
// later computation reusing its request id.
func TestCallback_RequestIDReuseRejectsOldOutput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Dispatch(ctx, addTogetherRequest(1))
	require.NoError(t, err)
	old := sign(first, ir.StatusOK, sharedOutput(0x5a, 100, 3), h.signers[0])
	_, err = h.engine.HandleCallback(ctx, old)
	require.NoError(t, err)

	req := addTogetherRequest(1)
	req.Arguments = args.NewBuilder().PlaintextU128(ir.NewU128(5)).Build()
	second, err := h.engine.Dispatch(ctx, req)
	require.NoError(t, err)
	require.NotEqual(t, first.Digest, second.Digest)

	_, err = h.engine.HandleCallback(ctx, old)
	require.ErrorIs(t, err, ir.ErrInsufficientOrInvalidSignatures)
}

// Reusing the request id with byte-identical arguments must still refuse the
// earlier output: the dispatch seq separates the two computations.
func TestCallback_RequestIDReuseSameArgumentsRejectsOldOutput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var notified int
	h.engine.Subscribe(func(ir.Notification) { notified++ })

	first, err := h.engine.Dispatch(ctx, addTogetherRequest(7))
	require.NoError(t, err)
	old := sign(first, ir.StatusOK, sharedOutput(0x5a, 100, 3), h.signers[0])
	_, err = h.engine.HandleCallback(ctx, old)
	require.NoError(t, err)

	second, err := h.engine.Dispatch(ctx, addTogetherRequest(7))
	require.NoError(t, err)
	assert.Equal(t, first.Arguments, second.Arguments)
	assert.Greater(t, second.Seq, first.Seq)
	require.NotEqual(t, first.Digest, second.Digest)

	_, err = h.engine.HandleCallback(ctx, old)
	require.ErrorIs(t, err, ir.ErrInsufficientOrInvalidSignatures)
	assert.Equal(t, 1, notified)

	pending, err := h.store.ReadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "second computation still waits for its own output")
	assert.Equal(t, second.Digest, pending[0].Digest)

	_, err = h.engine.HandleCallback(ctx, sign(second, ir.StatusOK, sharedOutput(0x5a, 101, 3), h.signers[0]))
	require.NoError(t, err)
	assert.Equal(t, 2, notified)
}

func TestCallback_ClusterKeyRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.engine.Dispatch(ctx, addTogetherRequest(1))
	require.NoError(t, err)
	require.NoError(t, h.store.RemoveClusterNode(ctx, h.signers[0].PublicKey()))

	_, err = h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, sharedOutput(1, 1, 1), h.signers[0]))
	assert.ErrorIs(t, err, ir.ErrInsufficientOrInvalidSignatures)
	_, err = h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, sharedOutput(1, 1, 1), h.signers[1]))
	assert.NoError(t, err)
}

func TestDecodeOutput(t *testing.T) {
	lo, hi := ir.NewU128(5).Bytes(), ir.U128{Lo: 1, Hi: 2}.Bytes()
	plain := append(lo[:], hi[:]...)
	d, err := decodeOutput(compdef.Output{Shape: compdef.ShapePlaintext, Blocks: 2}, plain)
	require.NoError(t, err)
	assert.Equal(t, []ir.U128{ir.NewU128(5), {Lo: 1, Hi: 2}}, d.scalars)

	d, err = decodeOutput(compdef.Output{Shape: compdef.ShapeShared, Blocks: 1}, sharedOutput(4, 5, 6))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{4}, 32), d.key)
	assert.Equal(t, nonce(5), d.sealed.Nonce)

	_, err = decodeOutput(compdef.Output{Shape: compdef.ShapeMxe, Blocks: 2}, mxeOutput(1, 1))
	assert.ErrorIs(t, err, ir.ErrMalformedOutput)
	_, err = decodeOutput(compdef.Output{Shape: "weird", Blocks: 1}, nil)
	assert.ErrorIs(t, err, ir.ErrMalformedOutput)
}

func TestCallback_PlaintextReveal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := compdef.Definition{
		Kind:      "reveal_sum",
		Offset:    ir.KindOffset("reveal_sum"),
		Arguments: []compdef.Argument{{Name: "v", Entry: args.EntryCiphertext}},
		Input:     layout.ContextShared,
		Output:    compdef.Output{Shape: compdef.ShapePlaintext, Blocks: 1},
		Callback:  compdef.Callback{Action: ir.ActionNotify, Event: "Revealed"},
	}
	require.NoError(t, h.store.RegisterDefinition(ctx, def, 50))

	p, err := h.engine.Dispatch(ctx, DispatchRequest{
		RequestID:       1,
		Kind:            "reveal_sum",
		Arguments:       args.NewBuilder().Ciphertext(block(1)).Build(),
		Callback:        ir.CallbackTarget{Action: ir.ActionNotify},
		RequiredSigners: 1,
	})
	require.NoError(t, err)
	value := ir.NewU128(42).Bytes()
	effect, err := h.engine.HandleCallback(ctx, sign(p, ir.StatusOK, value[:], h.signers[0]))
	require.NoError(t, err)
	assert.Equal(t, []ir.U128{ir.NewU128(42)}, effect.Notification.Scalars)
	assert.Nil(t, effect.Notification.Nonce)
	assert.Nil(t, effect.Notification.AudienceKey)
}

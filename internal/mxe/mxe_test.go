package mxe

import (
	"bytes"
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/channel"
	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
	"github.com/roach88/cipherq/internal/testutil"
)

func keyPair(t *testing.T, fill byte) KeyPair {
	t.Helper()
	var seed [32]byte
	copy(seed[:], bytes.Repeat([]byte{fill}, 32))
	k, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	return k
}

func testExecutor(t *testing.T, opts ...Option) (*Executor, *cluster.KeyRing) {
	t.Helper()
	defs, err := compdef.Defaults()
	require.NoError(t, err)
	signer, err := cluster.NewSignerFromSeed("node-0", bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	ring, err := cluster.NewKeyRing(signer.Node())
	require.NoError(t, err)
	return NewExecutor(keyPair(t, 0xc1), defs, []*cluster.Signer{signer}, opts...), ring
}

// outbound builds the message the engine would send, references resolved.
func outbound(kind ir.Kind, a args.Arguments, refData ...[]byte) ir.Outbound {
	p := ir.PendingComputation{
		RequestID:       1,
		Kind:            kind,
		Arguments:       a.Data,
		Callback:        ir.CallbackTarget{Action: ir.ActionNotify},
		RequiredSigners: 1,
	}
	for i, ref := range a.Refs {
		ref.Data = refData[i]
		p.References = append(p.References, ref)
	}
	p.Digest = ir.ComputationDigest(p)
	return ir.OutboundFor(p)
}

func nonceN(v uint64) layout.Nonce {
	return layout.NonceFromU128(ir.NewU128(v))
}

func TestCipher_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	c := Cipher{secret: bytes.Repeat([]byte{7}, 32), info: infoCluster}
	properties.Property("decrypt inverts encrypt", prop.ForAll(
		func(lo, hi, n uint64) bool {
			v := ir.U128{Lo: lo, Hi: hi}
			blocks, err := c.Encrypt(nonceN(n), []ir.U128{v})
			if err != nil {
				return false
			}
			got, err := c.Decrypt(nonceN(n), blocks)
			return err == nil && got[0] == v
		},
		gen.UInt64(), gen.UInt64(), gen.UInt64(),
	))
	properties.TestingRun(t)
}

func TestCipher_WrongKeyOrNonceFails(t *testing.T) {
	a := Cipher{secret: bytes.Repeat([]byte{1}, 32), info: infoShared}
	b := Cipher{secret: bytes.Repeat([]byte{2}, 32), info: infoShared}
	blocks, err := a.Encrypt(nonceN(1), []ir.U128{ir.NewU128(5)})
	require.NoError(t, err)

	_, err = b.Decrypt(nonceN(1), blocks)
	assert.Error(t, err)
	_, err = a.Decrypt(nonceN(2), blocks)
	assert.Error(t, err)
}

func TestKeyPair_SharedAgreement(t *testing.T) {
	alice, bob := keyPair(t, 0xa1), keyPair(t, 0xb2)
	ab, err := alice.Shared(bob.Public)
	require.NoError(t, err)
	ba, err := bob.Shared(alice.Public)
	require.NoError(t, err)
	assert.Equal(t, ab.secret, ba.secret)

	_, err = alice.Shared([32]byte{})
	assert.Error(t, err, "low-order point")
}

func TestNextNonce_Wraps(t *testing.T) {
	assert.Equal(t, nonceN(2), nextNonce(nonceN(1)))
	var maxNonce layout.Nonce
	for i := range maxNonce {
		maxNonce[i] = 0xff
	}
	assert.Equal(t, layout.Nonce{}, nextNonce(maxNonce))
}

func TestExecute_AddTogether(t *testing.T) {
	x, ring := testExecutor(t)
	client := NewClient(keyPair(t, 0xa1), x.PublicKey())

	blocks, err := client.Seal(nonceN(10), ir.NewU128(3), ir.NewU128(4))
	require.NoError(t, err)
	a := args.NewBuilder().
		X25519Pubkey(client.Keys.Public).
		PlaintextU128(ir.NewU128(10)).
		Ciphertext(blocks[0]).
		Ciphertext(blocks[1]).
		Build()
	out := outbound("add_together", a)

	res := x.Execute(out)
	require.Equal(t, ir.StatusOK, res.Status)
	digest := ir.CallbackDigest(out.Kind, out.RequestID, out.Digest, res.Status, res.Output)
	assert.Equal(t, 1, ring.CountValid(digest, res.Signatures))

	require.Len(t, res.Output, 32+16+32)
	assert.Equal(t, client.Keys.Public[:], res.Output[:32])
	sealed, err := layout.Decode(res.Output[32:], 1)
	require.NoError(t, err)
	assert.Equal(t, nonceN(11), sealed.Nonce)

	sum, err := client.Open(sealed.Nonce, sealed.Blocks)
	require.NoError(t, err)
	assert.Equal(t, []ir.U128{ir.NewU128(7)}, sum)
}

func TestExecute_CounterLifecycle(t *testing.T) {
	x, _ := testExecutor(t)
	addr := ir.Address{0xc0}

	created := x.Execute(outbound("init_counter", args.NewBuilder().PlaintextU128(ir.NewU128(0)).Build()))
	require.Equal(t, ir.StatusOK, created.Status)
	state, err := layout.Decode(created.Output, 1)
	require.NoError(t, err)
	assert.Equal(t, nonceN(1), state.Nonce)

	for i := 0; i < 3; i++ {
		a := args.NewBuilder().
			PlaintextU128(state.Nonce.U128()).
			Reference(addr, 24, 32).
			Build()
		res := x.Execute(outbound("increment_counter", a, state.Blocks[0][:]))
		require.Equal(t, ir.StatusOK, res.Status)
		state, err = layout.Decode(res.Output, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, nonceN(4), state.Nonce)

	reader := NewClient(keyPair(t, 0xd4), x.PublicKey())
	a := args.NewBuilder().
		PlaintextU128(state.Nonce.U128()).
		Reference(addr, 24, 32).
		X25519Pubkey(reader.Keys.Public).
		PlaintextU128(ir.NewU128(500)).
		Build()
	res := x.Execute(outbound("get_counter", a, state.Blocks[0][:]))
	require.Equal(t, ir.StatusOK, res.Status)

	n := ir.Notification{AudienceKey: res.Output[:32], Nonce: res.Output[32:48], Ciphertexts: [][]byte{res.Output[48:]}}
	got, err := reader.OpenNotification(n)
	require.NoError(t, err)
	assert.Equal(t, []ir.U128{ir.NewU128(3)}, got)
}

func TestExecute_NonceSource(t *testing.T) {
	initFrom := func(x *Executor) layout.Sealed {
		t.Helper()
		res := x.Execute(outbound("init_counter", args.NewBuilder().PlaintextU128(ir.NewU128(0)).Build()))
		require.Equal(t, ir.StatusOK, res.Status)
		state, err := layout.Decode(res.Output, 1)
		require.NoError(t, err)
		return state
	}

	// Same caller nonce, same default output nonce.
	plain, _ := testExecutor(t)
	assert.Equal(t, initFrom(plain).Nonce, initFrom(plain).Nonce)

	fresh, _ := testExecutor(t, WithNonceSource(testutil.NewReader("nonces")))
	a, b := initFrom(fresh), initFrom(fresh)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, nonceN(1), a.Nonce)

	// The drawn nonce is the one the state is sealed under.
	next := fresh.Execute(outbound("increment_counter",
		args.NewBuilder().PlaintextU128(a.Nonce.U128()).Reference(ir.Address{0xc0}, 24, 32).Build(),
		a.Blocks[0][:]))
	require.Equal(t, ir.StatusOK, next.Status)

	empty, _ := testExecutor(t, WithNonceSource(bytes.NewReader(nil)))
	res := empty.Execute(outbound("init_counter", args.NewBuilder().PlaintextU128(ir.NewU128(0)).Build()))
	assert.Equal(t, ir.StatusAborted, res.Status)
}

func TestExecute_Aborts(t *testing.T) {
	x, ring := testExecutor(t)
	good := outbound("init_counter", args.NewBuilder().PlaintextU128(ir.NewU128(0)).Build())

	tampered := good
	tampered.Arguments = []byte{9}

	wrongOffset := good
	wrongOffset.KindOffset++

	unknown := good
	unknown.Kind = "multiply"

	staleCiphertext := outbound("increment_counter",
		args.NewBuilder().PlaintextU128(ir.NewU128(1)).Reference(ir.Address{1}, 24, 32).Build(),
		bytes.Repeat([]byte{0xab}, 32))

	wideReference := outbound("increment_counter",
		args.NewBuilder().PlaintextU128(ir.NewU128(1)).Reference(ir.Address{1}, 24, 64).Build(),
		make([]byte, 64))

	tests := map[string]ir.Outbound{
		"digest mismatch":          tampered,
		"kind offset mismatch":     wrongOffset,
		"unknown kind":             unknown,
		"ciphertext does not open": staleCiphertext,
		"reference too wide":       wideReference,
	}
	for name, out := range tests {
		t.Run(name, func(t *testing.T) {
			res := x.Execute(out)
			assert.Equal(t, ir.StatusAborted, res.Status)
			assert.Nil(t, res.Output)
			digest := ir.CallbackDigest(out.Kind, out.RequestID, out.Digest, res.Status, nil)
			assert.Equal(t, 1, ring.CountValid(digest, res.Signatures), "aborts are signed too")
		})
	}

	forced, _ := testExecutor(t, WithAbort(func(ir.Outbound) bool { return true }))
	assert.Equal(t, ir.StatusAborted, forced.Execute(good).Status)
}

func TestWorker_Run(t *testing.T) {
	x, _ := testExecutor(t)
	in := channel.NewQueue[ir.Outbound]()
	out := channel.NewQueue[ir.SignedOutput]()
	ctx := context.Background()

	require.NoError(t, in.Send(ctx, outbound("init_counter", args.NewBuilder().PlaintextU128(ir.NewU128(0)).Build())))
	in.Close()

	require.NoError(t, NewWorker(x, in, out).Run(ctx))
	require.Equal(t, 1, out.Len())
	res, ok := out.TryReceive()
	require.True(t, ok)
	assert.Equal(t, ir.StatusOK, res.Status)
}

package mxe

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
)

// computation turns parsed arguments into output bytes of the definition's
// shape.
type computation func(x *Executor, def *compdef.Definition, parts [][]byte) ([]byte, error)

var computations = map[ir.Kind]computation{
	"add_together":      addTogether,
	"init_counter":      initCounter,
	"increment_counter": incrementCounter,
	"get_counter":       getCounter,
}

// Executor runs computations and signs their outputs.
type Executor struct {
	keys    KeyPair
	defs    map[ir.Kind]compdef.Definition
	signers []*cluster.Signer
	abort   func(ir.Outbound) bool
	nonces  io.Reader
}

// Option configures an Executor.
type Option func(*Executor)

// WithAbort makes the executor report an abort whenever fn returns true.
func WithAbort(fn func(ir.Outbound) bool) Option {
	return func(x *Executor) {
		x.abort = fn
	}
}

// WithNonceSource seals every output under a nonce read from r instead of
// the input nonce plus one.
func WithNonceSource(r io.Reader) Option {
	return func(x *Executor) {
		x.nonces = r
	}
}

// NewExecutor creates an executor holding the cluster key, the definitions
// it serves and the node signers that sign every output.
func NewExecutor(keys KeyPair, defs []compdef.Definition, signers []*cluster.Signer, opts ...Option) *Executor {
	x := &Executor{
		keys:    keys,
		defs:    make(map[ir.Kind]compdef.Definition, len(defs)),
		signers: signers,
	}
	for _, d := range defs {
		x.defs[d.Kind] = d
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// PublicKey is the cluster's x25519 key clients seal inputs to.
func (x *Executor) PublicKey() [32]byte {
	return x.keys.Public
}

// Execute runs out and returns the signed result. Any failure is reported
// as an aborted output rather than an error, the way a cluster reports a
// failed computation.
func (x *Executor) Execute(out ir.Outbound) ir.SignedOutput {
	output, err := x.run(out)
	status := ir.StatusOK
	if err != nil {
		slog.Warn("computation aborted",
			"kind", out.Kind,
			"request_id", out.RequestID,
			"error", err,
		)
		status = ir.StatusAborted
		output = nil
	}
	digest := ir.CallbackDigest(out.Kind, out.RequestID, out.Digest, status, output)
	return ir.SignedOutput{
		RequestID:  out.RequestID,
		Kind:       out.Kind,
		Status:     status,
		Output:     output,
		Signatures: cluster.SignAll(digest, x.signers...),
	}
}

func (x *Executor) run(out ir.Outbound) ([]byte, error) {
	if x.abort != nil && x.abort(out) {
		return nil, fmt.Errorf("abort requested")
	}
	def, ok := x.defs[out.Kind]
	if !ok {
		return nil, fmt.Errorf("no definition for %s", out.Kind)
	}
	if out.KindOffset != def.Offset {
		return nil, fmt.Errorf("kind offset %d does not match definition %d", out.KindOffset, def.Offset)
	}
	// The digest is what the engine checks signatures against; refuse to
	// sign for a message that does not hash to it.
	expected := ir.ComputationDigest(ir.PendingComputation{
		RequestID:       out.RequestID,
		Kind:            out.Kind,
		Arguments:       out.Arguments,
		References:      out.References,
		Callback:        out.Callback,
		RequiredSigners: out.RequiredSigners,
		Seq:             out.Seq,
	})
	if expected != out.Digest {
		return nil, fmt.Errorf("digest mismatch")
	}
	fn, ok := computations[out.Kind]
	if !ok {
		return nil, fmt.Errorf("no computation for %s", out.Kind)
	}
	entries := def.Entries()
	parts, err := args.Split(out.Arguments, entries, out.References)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e == args.EntryReference && len(parts[i]) != layout.BlockSize {
			return nil, fmt.Errorf("argument %d references %d bytes, want one block", i, len(parts[i]))
		}
	}
	output, err := fn(x, &def, parts)
	if err != nil {
		return nil, err
	}
	if len(output) != def.Output.Size() {
		return nil, fmt.Errorf("computed %d bytes, %s output is %d", len(output), def.Output.Shape, def.Output.Size())
	}
	return output, nil
}

func u128Part(b []byte) ir.U128 {
	return ir.U128FromBytes([16]byte(b))
}

func nonceOf(b []byte) layout.Nonce {
	return layout.NonceFromU128(u128Part(b))
}

func blockOf(b []byte) layout.Block {
	return layout.Block(b)
}

func keyOf(b []byte) [32]byte {
	return [32]byte(b)
}

// sealShared re-encrypts values to recipient: key || nonce || blocks.
func (x *Executor) sealShared(recipient [32]byte, nonce layout.Nonce, values ...ir.U128) ([]byte, error) {
	c, err := x.keys.Shared(recipient)
	if err != nil {
		return nil, err
	}
	blocks, err := c.Encrypt(nonce, values)
	if err != nil {
		return nil, err
	}
	return append(recipient[:], layout.Encode(nonce, blocks)...), nil
}

// sealCluster seals values to the cluster: nonce || blocks.
func (x *Executor) sealCluster(nonce layout.Nonce, values ...ir.U128) ([]byte, error) {
	c, err := x.keys.Cluster()
	if err != nil {
		return nil, err
	}
	blocks, err := c.Encrypt(nonce, values)
	if err != nil {
		return nil, err
	}
	return layout.Encode(nonce, blocks), nil
}

func (x *Executor) openCluster(nonce layout.Nonce, blocks ...layout.Block) ([]ir.U128, error) {
	c, err := x.keys.Cluster()
	if err != nil {
		return nil, err
	}
	return c.Decrypt(nonce, blocks)
}

// addTogether: pubkey, nonce, ct0, ct1 → shared sum.
func addTogether(x *Executor, _ *compdef.Definition, parts [][]byte) ([]byte, error) {
	pub, nonce := keyOf(parts[0]), nonceOf(parts[1])
	c, err := x.keys.Shared(pub)
	if err != nil {
		return nil, err
	}
	values, err := c.Decrypt(nonce, []layout.Block{blockOf(parts[2]), blockOf(parts[3])})
	if err != nil {
		return nil, err
	}
	sum, err := add(values[0], values[1])
	if err != nil {
		return nil, err
	}
	out, err := x.outputNonce(nonce)
	if err != nil {
		return nil, err
	}
	return x.sealShared(pub, out, sum)
}

// initCounter: nonce → cluster-sealed zero.
func initCounter(x *Executor, _ *compdef.Definition, parts [][]byte) ([]byte, error) {
	out, err := x.outputNonce(nonceOf(parts[0]))
	if err != nil {
		return nil, err
	}
	return x.sealCluster(out, ir.NewU128(0))
}

// incrementCounter: record nonce, counter ciphertext → counter + 1.
func incrementCounter(x *Executor, _ *compdef.Definition, parts [][]byte) ([]byte, error) {
	nonce := nonceOf(parts[0])
	values, err := x.openCluster(nonce, blockOf(parts[1]))
	if err != nil {
		return nil, err
	}
	next, err := add(values[0], ir.NewU128(1))
	if err != nil {
		return nil, err
	}
	out, err := x.outputNonce(nonce)
	if err != nil {
		return nil, err
	}
	return x.sealCluster(out, next)
}

// getCounter: record nonce, counter ciphertext, recipient, recipient nonce
// → counter re-encrypted to recipient.
func getCounter(x *Executor, _ *compdef.Definition, parts [][]byte) ([]byte, error) {
	values, err := x.openCluster(nonceOf(parts[0]), blockOf(parts[1]))
	if err != nil {
		return nil, err
	}
	out, err := x.outputNonce(nonceOf(parts[3]))
	if err != nil {
		return nil, err
	}
	return x.sealShared(keyOf(parts[2]), out, values[0])
}

// outputNonce picks the nonce an output is sealed under.
func (x *Executor) outputNonce(input layout.Nonce) (layout.Nonce, error) {
	if x.nonces == nil {
		return nextNonce(input), nil
	}
	var n layout.Nonce
	if _, err := io.ReadFull(x.nonces, n[:]); err != nil {
		return n, fmt.Errorf("read output nonce: %w", err)
	}
	return n, nil
}

package harness

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cipherq/internal/channel"
	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/engine"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
	"github.com/roach88/cipherq/internal/mxe"
	"github.com/roach88/cipherq/internal/program"
	"github.com/roach88/cipherq/internal/store"
	"github.com/roach88/cipherq/internal/testutil"
)

// Harness wires a fresh store, engine, program and reference executor for
// one scenario.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	program  *program.Program
	executor *mxe.Executor
	cluster  mxe.KeyPair
	out      *channel.Queue[ir.Outbound]
	clients  map[string]*mxe.Client

	// held are dispatched computations not yet executed; results are
	// executed ones, kept so they can be delivered again.
	held    map[computation]ir.Outbound
	results map[computation]ir.SignedOutput

	// abort is read by the executor's abort hook during Execute.
	abort bool
}

type computation struct {
	kind ir.Kind
	id   ir.RequestID
}

// stepOutcome is what a step produced, compared against its expect clause.
type stepOutcome struct {
	err     string
	outcome string
	value   *ir.U128
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
// 1. Register the built-in definitions and the scenario's cluster nodes
// 2. Execute steps, recording the trace and checking expect clauses
// 3. Evaluate assertions against the final state
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := New(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	result := NewResult()
	for i, step := range scenario.Steps {
		got, err := h.step(ctx, i, step, result)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Call, err)
		}
		checkExpect(i, step, got, result)
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result.Trace); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	slog.Debug("scenario finished",
		"scenario", scenario.Name,
		"steps", len(scenario.Steps),
		"pass", result.Pass,
	)
	return result, nil
}

// New builds the harness for scenario.
func New(ctx context.Context, scenario *Scenario) (*Harness, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	h := &Harness{
		store:   st,
		out:     channel.NewQueue[ir.Outbound](),
		clients: make(map[string]*mxe.Client),
		held:    make(map[computation]ir.Outbound),
		results: make(map[computation]ir.SignedOutput),
	}
	if err := h.init(ctx, scenario); err != nil {
		st.Close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) init(ctx context.Context, scenario *Scenario) error {
	defs, err := compdef.Defaults()
	if err != nil {
		return err
	}
	var seq int64
	for _, d := range defs {
		seq++
		if err := h.store.RegisterDefinition(ctx, d, seq); err != nil {
			return fmt.Errorf("register %s: %w", d.Kind, err)
		}
	}

	nodes := scenario.Nodes
	if nodes == 0 {
		nodes = 1
	}
	signers := make([]*cluster.Signer, 0, nodes)
	for i := 0; i < nodes; i++ {
		label := fmt.Sprintf("node-%d", i)
		s, err := cluster.NewSigner(label, testutil.NewReader("node/"+label))
		if err != nil {
			return err
		}
		seq++
		node := store.ClusterNode{PublicKey: s.PublicKey(), Label: label, Seq: seq}
		if err := h.store.AddClusterNode(ctx, node); err != nil {
			return fmt.Errorf("add %s: %w", label, err)
		}
		signers = append(signers, s)
	}

	h.cluster, err = mxe.NewKeyPair(testutil.NewReader("cluster"))
	if err != nil {
		return err
	}
	h.executor = mxe.NewExecutor(h.cluster, defs, signers,
		mxe.WithAbort(func(ir.Outbound) bool { return h.abort }))

	serialize := true
	if scenario.RecordSerialization != nil {
		serialize = *scenario.RecordSerialization
	}
	wall := testutil.NewWallClock(testutil.Epoch, time.Second)
	h.engine = engine.New(h.store, h.out,
		engine.WithNow(wall.Now),
		engine.WithIDGenerator(engine.NewSequentialGenerator("notification")),
		engine.WithRecordSerialization(serialize),
	)
	if _, err := h.engine.Recover(ctx); err != nil {
		return err
	}

	required := scenario.RequiredSigners
	if required == 0 {
		required = 1
	}
	h.program = program.New(h.engine, h.store, required)
	return nil
}

// Close releases the store.
func (h *Harness) Close() error {
	return h.store.Close()
}

// step runs one scenario step, appending its events to result.
// Protocol rejections are part of the trace; only harness failures are
// returned as errors.
func (h *Harness) step(ctx context.Context, i int, step Step, result *Result) (stepOutcome, error) {
	if step.Call == CallDeliver {
		return h.deliver(ctx, i, step, computation{ir.Kind(step.Kind), ir.RequestID(step.ID)}, result)
	}

	ev := TraceEvent{Step: i, Stage: StageDispatch, Kind: step.Call, RequestID: step.ID}
	pending, err := h.dispatch(ctx, step)
	if err != nil {
		code := ir.CodeOf(err)
		if code == "" {
			return stepOutcome{}, err
		}
		ev.Error = string(code)
		result.Add(ev)
		return stepOutcome{err: ev.Error}, nil
	}
	ev.Seq = pending.Seq
	result.Add(ev)

	out, ok := h.out.TryReceive()
	if !ok {
		return stepOutcome{}, fmt.Errorf("dispatch succeeded but nothing was submitted")
	}
	c := computation{out.Kind, out.RequestID}
	h.held[c] = out
	if step.Hold {
		return stepOutcome{}, nil
	}
	return h.deliver(ctx, i, step, c, result)
}

func (h *Harness) dispatch(ctx context.Context, step Step) (ir.PendingComputation, error) {
	id := ir.RequestID(step.ID)
	switch step.Call {
	case CallAddTogether:
		c, err := h.client(step.Client)
		if err != nil {
			return ir.PendingComputation{}, err
		}
		nonce := ir.NewU128(step.Nonce)
		blocks, err := c.Seal(layout.NonceFromU128(nonce), ir.NewU128(step.Values[0]), ir.NewU128(step.Values[1]))
		if err != nil {
			return ir.PendingComputation{}, err
		}
		return h.program.AddTogether(ctx, id, blocks[0], blocks[1], c.Keys.Public, nonce)
	case CallInitCounter:
		p, _, err := h.program.InitCounter(ctx, id, []byte(step.Owner), ir.NewU128(step.Nonce))
		return p, err
	case CallIncrementCounter:
		return h.program.IncrementCounter(ctx, id, program.CounterAddress([]byte(step.Owner)))
	case CallGetCounter:
		r, err := h.client(step.Recipient)
		if err != nil {
			return ir.PendingComputation{}, err
		}
		return h.program.GetCounter(ctx, id, program.CounterAddress([]byte(step.Owner)), r.Keys.Public, ir.NewU128(step.Nonce))
	default:
		return ir.PendingComputation{}, fmt.Errorf("unknown call %q", step.Call)
	}
}

// deliver executes c if it is held, then hands its result to the engine.
func (h *Harness) deliver(ctx context.Context, i int, step Step, c computation, result *Result) (stepOutcome, error) {
	if out, ok := h.held[c]; ok {
		delete(h.held, c)
		h.abort = step.Abort
		signed := h.executor.Execute(out)
		h.abort = false
		h.results[c] = signed
		result.Add(TraceEvent{
			Step:      i,
			Stage:     StageExecute,
			Kind:      string(c.kind),
			RequestID: uint64(c.id),
			Status:    string(signed.Status),
		})
	}
	signed, ok := h.results[c]
	if !ok {
		return stepOutcome{}, fmt.Errorf("nothing to deliver for %s/%d", c.kind, c.id)
	}
	if step.Signatures != nil && *step.Signatures < len(signed.Signatures) {
		signed.Signatures = signed.Signatures[:*step.Signatures]
	}

	ev := TraceEvent{Step: i, Stage: StageCallback, Kind: string(c.kind), RequestID: uint64(c.id)}
	var got stepOutcome
	effect, err := h.engine.HandleCallback(ctx, signed)
	if err != nil {
		code := ir.CodeOf(err)
		if code == "" {
			return stepOutcome{}, err
		}
		ev.Error = string(code)
		got.err = ev.Error
	}
	if effect.Outcome != "" {
		ev.Seq = effect.Seq
		ev.Outcome = string(effect.Outcome)
		got.outcome = ev.Outcome
	}
	if effect.Record != nil {
		_, v, err := h.counterAt(ctx, effect.Record.Address)
		if err != nil {
			return stepOutcome{}, err
		}
		ev.Nonce = layout.Nonce(effect.Record.Nonce).U128().String()
		ev.Value = v.String()
		got.value = &v
	}
	if n := effect.Notification; n != nil {
		audience, v, err := h.open(*n)
		if err != nil {
			return stepOutcome{}, err
		}
		if len(n.Nonce) == layout.NonceSize {
			ev.Nonce = layout.Nonce(n.Nonce).U128().String()
		}
		ev.Audience = audience
		ev.Value = v.String()
		got.value = &v
	}
	result.Add(ev)
	return got, nil
}

func (h *Harness) client(name string) (*mxe.Client, error) {
	if c, ok := h.clients[name]; ok {
		return c, nil
	}
	keys, err := mxe.NewKeyPair(testutil.NewReader("client/" + name))
	if err != nil {
		return nil, err
	}
	c := mxe.NewClient(keys, h.executor.PublicKey())
	h.clients[name] = c
	return c, nil
}

// counterAt decrypts the sealed region of the record at addr with the
// cluster key.
func (h *Harness) counterAt(ctx context.Context, addr ir.Address) (layout.Sealed, ir.U128, error) {
	rec, err := h.store.ReadRecord(ctx, addr)
	if err != nil {
		return layout.Sealed{}, ir.U128{}, err
	}
	lay, ok := layout.Lookup(rec.Layout)
	if !ok {
		return layout.Sealed{}, ir.U128{}, fmt.Errorf("record %s has unknown layout %q", addr, rec.Layout)
	}
	sealed, err := lay.Sealed(rec.Data)
	if err != nil {
		return layout.Sealed{}, ir.U128{}, err
	}
	c, err := h.cluster.Cluster()
	if err != nil {
		return layout.Sealed{}, ir.U128{}, err
	}
	values, err := c.Decrypt(sealed.Nonce, sealed.Blocks)
	if err != nil {
		return layout.Sealed{}, ir.U128{}, fmt.Errorf("record %s: %w", addr, err)
	}
	return sealed, values[0], nil
}

// open decrypts a notification with the key of the client it names.
func (h *Harness) open(n ir.Notification) (string, ir.U128, error) {
	if len(n.Ciphertexts) == 0 && len(n.Scalars) > 0 {
		return "", n.Scalars[0], nil
	}
	for name, c := range h.clients {
		if !bytes.Equal(c.Keys.Public[:], n.AudienceKey) {
			continue
		}
		values, err := c.OpenNotification(n)
		if err != nil {
			return "", ir.U128{}, fmt.Errorf("notification %s: %w", n.ID, err)
		}
		return name, values[0], nil
	}
	return "", ir.U128{}, fmt.Errorf("notification %s is addressed to an unknown key", n.ID)
}

func checkExpect(i int, step Step, got stepOutcome, result *Result) {
	want := step.Expect
	if want == nil {
		want = &Expect{}
	}
	if got.err != want.Error {
		result.AddError(fmt.Sprintf("steps[%d] %s: error = %q, want %q", i, step.Call, got.err, want.Error))
	}
	if want.Outcome != "" && got.outcome != want.Outcome {
		result.AddError(fmt.Sprintf("steps[%d] %s: outcome = %q, want %q", i, step.Call, got.outcome, want.Outcome))
	}
	if want.Value != nil {
		if got.value == nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: no value, want %d", i, step.Call, *want.Value))
		} else if *got.value != ir.NewU128(*want.Value) {
			result.AddError(fmt.Sprintf("steps[%d] %s: value = %s, want %d", i, step.Call, got.value, *want.Value))
		}
	}
}

// Package program is the caller layer: one handler per computation kind,
// each building the argument list the computation expects and dispatching
// it through the engine.
package program

import (
	"context"
	"errors"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/engine"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
	"github.com/roach88/cipherq/internal/store"
)

// Computation kinds served by this program.
const (
	KindAddTogether      ir.Kind = "add_together"
	KindInitCounter      ir.Kind = "init_counter"
	KindIncrementCounter ir.Kind = "increment_counter"
	KindGetCounter       ir.Kind = "get_counter"
)

// Dispatcher hands a computation to the executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, req engine.DispatchRequest) (ir.PendingComputation, error)
}

// RecordReader reads persisted records.
type RecordReader interface {
	ReadRecord(ctx context.Context, addr ir.Address) (store.Record, error)
}

// Program issues requests on behalf of callers.
type Program struct {
	dispatcher      Dispatcher
	records         RecordReader
	requiredSigners int
}

// New creates a Program. requiredSigners is the threshold stamped on every
// request.
func New(d Dispatcher, r RecordReader, requiredSigners int) *Program {
	return &Program{dispatcher: d, records: r, requiredSigners: requiredSigners}
}

// CounterAddress is where owner's counter lives.
func CounterAddress(owner []byte) ir.Address {
	return ir.DeriveAddress([]byte("counter"), owner)
}

// AddTogether asks for ct0 + ct1, both sealed to the cluster under the
// caller's key and nonce. The sum is re-encrypted to pubkey and announced
// as a SumEvent.
func (p *Program) AddTogether(ctx context.Context, id ir.RequestID, ct0, ct1, pubkey [32]byte, nonce ir.U128) (ir.PendingComputation, error) {
	a := args.NewBuilder().
		X25519Pubkey(pubkey).
		PlaintextU128(nonce).
		Ciphertext(ct0).
		Ciphertext(ct1).
		Build()
	return p.dispatcher.Dispatch(ctx, engine.DispatchRequest{
		RequestID:       id,
		Kind:            KindAddTogether,
		Arguments:       a,
		Callback:        ir.CallbackTarget{Action: ir.ActionNotify},
		RequiredSigners: p.requiredSigners,
	})
}

// InitCounter allocates owner's counter record and asks the cluster to seal
// a zero into it.
func (p *Program) InitCounter(ctx context.Context, id ir.RequestID, owner []byte, nonce ir.U128) (ir.PendingComputation, ir.Address, error) {
	addr := CounterAddress(owner)
	record, err := layout.Counter.New(nil, nil)
	if err != nil {
		return ir.PendingComputation{}, addr, err
	}
	pending, err := p.dispatcher.Dispatch(ctx, engine.DispatchRequest{
		RequestID:       id,
		Kind:            KindInitCounter,
		Arguments:       args.NewBuilder().PlaintextU128(nonce).Build(),
		Callback:        ir.CallbackTarget{Action: ir.ActionUpdateRecord, Address: addr},
		RequiredSigners: p.requiredSigners,
		Allocate:        []ir.Allocation{{Address: addr, Layout: layout.Counter.Name, Data: record}},
	})
	return pending, addr, err
}

// IncrementCounter asks the cluster to add one to the counter in place.
// The ciphertext is passed by reference, not copied.
func (p *Program) IncrementCounter(ctx context.Context, id ir.RequestID, counter ir.Address) (ir.PendingComputation, error) {
	sealed, err := p.Counter(ctx, counter)
	if err != nil {
		return ir.PendingComputation{}, err
	}
	a := args.NewBuilder().
		PlaintextU128(sealed.Nonce.U128()).
		Reference(counter, uint32(layout.Counter.CiphertextOffset()), uint32(layout.Counter.CiphertextLength())).
		Build()
	return p.dispatcher.Dispatch(ctx, engine.DispatchRequest{
		RequestID:       id,
		Kind:            KindIncrementCounter,
		Arguments:       a,
		Callback:        ir.CallbackTarget{Action: ir.ActionUpdateRecord, Address: counter},
		RequiredSigners: p.requiredSigners,
	})
}

// GetCounter asks the cluster to re-encrypt the counter to recipient under
// recipientNonce. The record itself is not modified.
func (p *Program) GetCounter(ctx context.Context, id ir.RequestID, counter ir.Address, recipient [32]byte, recipientNonce ir.U128) (ir.PendingComputation, error) {
	sealed, err := p.Counter(ctx, counter)
	if err != nil {
		return ir.PendingComputation{}, err
	}
	a := args.NewBuilder().
		PlaintextU128(sealed.Nonce.U128()).
		Reference(counter, uint32(layout.Counter.CiphertextOffset()), uint32(layout.Counter.CiphertextLength())).
		X25519Pubkey(recipient).
		PlaintextU128(recipientNonce).
		Build()
	return p.dispatcher.Dispatch(ctx, engine.DispatchRequest{
		RequestID:       id,
		Kind:            KindGetCounter,
		Arguments:       a,
		Callback:        ir.CallbackTarget{Action: ir.ActionNotify},
		RequiredSigners: p.requiredSigners,
	})
}

// Counter returns the sealed region of the counter at addr.
func (p *Program) Counter(ctx context.Context, addr ir.Address) (layout.Sealed, error) {
	rec, err := p.records.ReadRecord(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		ierr := ir.WrapError(ir.CodeInvalidArgumentReference, "counter does not exist", err)
		ierr.Details = map[string]string{"address": addr.String()}
		return layout.Sealed{}, ierr
	}
	if err != nil {
		return layout.Sealed{}, err
	}
	return layout.Counter.Sealed(rec.Data)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cipherq/internal/ir"
)

// ErrInFlight is returned when a record is already claimed by an
// outstanding computation.
var ErrInFlight = errors.New("record in flight")

const pendingColumns = `kind, request_id, arguments, refs, callback, required_signers, digest, seq, dispatched_at`

// InsertPending records an outstanding computation. Returns ErrExists if
// (kind, request_id) is already outstanding.
func (t *Tx) InsertPending(ctx context.Context, p ir.PendingComputation) error {
	refs, err := marshalJSON(p.References)
	if err != nil {
		return fmt.Errorf("insert pending: refs: %w", err)
	}
	cb, err := marshalJSON(p.Callback)
	if err != nil {
		return fmt.Errorf("insert pending: callback: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO pending_computations (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(p.Kind),
		requestIDToDB(p.RequestID),
		nonNil(p.Arguments),
		refs,
		cb,
		p.RequiredSigners,
		p.Digest[:],
		p.Seq,
		timeToDB(p.DispatchedAt),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("insert pending %s/%s: %w", p.Kind, p.RequestID, ErrExists)
		}
		return fmt.Errorf("insert pending %s/%s: %w", p.Kind, p.RequestID, err)
	}
	return nil
}

// HasPending reports whether (kind, id) is outstanding.
func (t *Tx) HasPending(ctx context.Context, kind ir.Kind, id ir.RequestID) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_computations WHERE kind = ? AND request_id = ?
	`, string(kind), requestIDToDB(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending: %w", err)
	}
	return n > 0, nil
}

// TakePending deletes and returns the outstanding computation. Returns
// ErrNotFound if none exists. The delete is undone if the transaction
// rolls back.
func (t *Tx) TakePending(ctx context.Context, kind ir.Kind, id ir.RequestID) (ir.PendingComputation, error) {
	row := t.tx.QueryRowContext(ctx, `
		DELETE FROM pending_computations
		WHERE kind = ? AND request_id = ?
		RETURNING `+pendingColumns,
		string(kind), requestIDToDB(id))
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.PendingComputation{}, fmt.Errorf("pending %s/%s: %w", kind, id, ErrNotFound)
	}
	return p, err
}

func scanPending(row rowScanner) (ir.PendingComputation, error) {
	var (
		p            ir.PendingComputation
		kind         string
		requestID    int64
		refs, cb     string
		digest       []byte
		dispatchedAt int64
	)
	if err := row.Scan(&kind, &requestID, &p.Arguments, &refs, &cb, &p.RequiredSigners, &digest, &p.Seq, &dispatchedAt); err != nil {
		return p, err
	}
	p.Kind = ir.Kind(kind)
	p.RequestID = requestIDFromDB(requestID)
	p.DispatchedAt = timeFromDB(dispatchedAt)
	if err := unmarshalJSON(refs, &p.References); err != nil {
		return p, err
	}
	if err := unmarshalJSON(cb, &p.Callback); err != nil {
		return p, err
	}
	d, err := scanDigest(digest)
	if err != nil {
		return p, fmt.Errorf("scan pending: %w", err)
	}
	p.Digest = d
	return p, nil
}

// ReadPending returns every outstanding computation ordered by seq.
func (s *Store) ReadPending(ctx context.Context) ([]ir.PendingComputation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_computations
		ORDER BY seq ASC, kind ASC, request_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	out := []ir.PendingComputation{}
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

// InFlight is a record claimed by an outstanding computation.
type InFlight struct {
	Address   ir.Address   `json:"address"`
	Kind      ir.Kind      `json:"kind"`
	RequestID ir.RequestID `json:"request_id"`
}

// ClaimInFlight marks addr as busy for (kind, id). Returns ErrInFlight,
// wrapped with the holder, if another computation holds it. Claiming the
// same address twice for the same computation is a no-op.
func (t *Tx) ClaimInFlight(ctx context.Context, addr ir.Address, kind ir.Kind, id ir.RequestID) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO inflight_records (address, kind, request_id)
		VALUES (?, ?, ?)
		ON CONFLICT(address) DO NOTHING
	`, addr[:], string(kind), requestIDToDB(id))
	if err != nil {
		return fmt.Errorf("claim %s: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim %s: rows affected: %w", addr, err)
	}
	if n > 0 {
		return nil
	}

	var holderKind string
	var holderID int64
	err = t.tx.QueryRowContext(ctx, `
		SELECT kind, request_id FROM inflight_records WHERE address = ?
	`, addr[:]).Scan(&holderKind, &holderID)
	if err != nil {
		return fmt.Errorf("claim %s: read holder: %w", addr, err)
	}
	if ir.Kind(holderKind) == kind && requestIDFromDB(holderID) == id {
		return nil
	}
	return fmt.Errorf("record %s held by %s/%s: %w", addr, holderKind, requestIDFromDB(holderID), ErrInFlight)
}

// ReleaseInFlight drops every marker held by (kind, id).
func (t *Tx) ReleaseInFlight(ctx context.Context, kind ir.Kind, id ir.RequestID) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM inflight_records WHERE kind = ? AND request_id = ?
	`, string(kind), requestIDToDB(id))
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", kind, id, err)
	}
	return nil
}

// ReadInFlight returns every held marker ordered by address.
func (s *Store) ReadInFlight(ctx context.Context) ([]InFlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, kind, request_id FROM inflight_records ORDER BY address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query in-flight: %w", err)
	}
	defer rows.Close()

	out := []InFlight{}
	for rows.Next() {
		var (
			addr []byte
			kind string
			id   int64
		)
		if err := rows.Scan(&addr, &kind, &id); err != nil {
			return nil, fmt.Errorf("scan in-flight: %w", err)
		}
		a, err := scanAddress(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, InFlight{Address: a, Kind: ir.Kind(kind), RequestID: requestIDFromDB(id)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate in-flight: %w", err)
	}
	return out, nil
}

// nonNil keeps NOT NULL BLOB columns satisfied for empty argument lists.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/cipherq/internal/ir"
)

// Resolution is one consumed computation.
type Resolution struct {
	Kind       ir.Kind      `json:"kind"`
	RequestID  ir.RequestID `json:"request_id"`
	Digest     ir.Digest    `json:"digest"`
	Outcome    ir.Outcome   `json:"outcome"`
	Seq        int64        `json:"seq"`
	ResolvedAt time.Time    `json:"resolved_at"`
}

// InsertResolution appends to the resolution log.
func (t *Tx) InsertResolution(ctx context.Context, r Resolution) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO resolutions (kind, request_id, digest, outcome, seq, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(r.Kind), requestIDToDB(r.RequestID), r.Digest[:], string(r.Outcome), r.Seq, timeToDB(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert resolution %s/%s: %w", r.Kind, r.RequestID, err)
	}
	return nil
}

// WasResolved reports whether (kind, id) has ever been consumed.
func (s *Store) WasResolved(ctx context.Context, kind ir.Kind, id ir.RequestID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM resolutions WHERE kind = ? AND request_id = ?
	`, string(kind), requestIDToDB(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check resolution: %w", err)
	}
	return n > 0, nil
}

// ReadResolutions returns the resolution log ordered by seq.
func (s *Store) ReadResolutions(ctx context.Context) ([]Resolution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, request_id, digest, outcome, seq, resolved_at
		FROM resolutions
		ORDER BY seq ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()

	out := []Resolution{}
	for rows.Next() {
		var (
			r          Resolution
			kind       string
			id         int64
			digest     []byte
			outcome    string
			resolvedAt int64
		)
		if err := rows.Scan(&kind, &id, &digest, &outcome, &r.Seq, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		d, err := scanDigest(digest)
		if err != nil {
			return nil, err
		}
		r.Kind = ir.Kind(kind)
		r.RequestID = requestIDFromDB(id)
		r.Digest = d
		r.Outcome = ir.Outcome(outcome)
		r.ResolvedAt = timeFromDB(resolvedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return out, nil
}

// InsertNotification stores an outward notification.
func (t *Tx) InsertNotification(ctx context.Context, n ir.Notification) error {
	cts, err := marshalJSON(nonNilSlice(n.Ciphertexts))
	if err != nil {
		return fmt.Errorf("insert notification: ciphertexts: %w", err)
	}
	scalars, err := marshalJSON(scalarStrings(n.Scalars))
	if err != nil {
		return fmt.Errorf("insert notification: scalars: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO notifications
		(id, kind, request_id, event, audience_key, nonce, ciphertexts, scalars, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID,
		string(n.Kind),
		requestIDToDB(n.RequestID),
		n.Event,
		n.AudienceKey,
		n.Nonce,
		cts,
		scalars,
		n.Seq,
		timeToDB(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return nil
}

// ReadNotifications returns notifications with seq > afterSeq, ordered by seq.
func (s *Store) ReadNotifications(ctx context.Context, afterSeq int64) ([]ir.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, request_id, event, audience_key, nonce, ciphertexts, scalars, seq, created_at
		FROM notifications
		WHERE seq > ?
		ORDER BY seq ASC, id ASC
	`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	out := []ir.Notification{}
	for rows.Next() {
		var (
			n           ir.Notification
			kind        string
			id          int64
			cts, scalar string
			createdAt   int64
		)
		if err := rows.Scan(&n.ID, &kind, &id, &n.Event, &n.AudienceKey, &n.Nonce, &cts, &scalar, &n.Seq, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = ir.Kind(kind)
		n.RequestID = requestIDFromDB(id)
		n.CreatedAt = timeFromDB(createdAt)
		if err := unmarshalJSON(cts, &n.Ciphertexts); err != nil {
			return nil, err
		}
		var strs []string
		if err := unmarshalJSON(scalar, &strs); err != nil {
			return nil, err
		}
		for _, s := range strs {
			v, err := ir.ParseU128(s)
			if err != nil {
				return nil, fmt.Errorf("scan notification %s: %w", n.ID, err)
			}
			n.Scalars = append(n.Scalars, v)
		}
		if len(n.Ciphertexts) == 0 {
			n.Ciphertexts = nil
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// u128 values exceed JSON's safe integer range; store them as decimal strings.
func scalarStrings(vs []ir.U128) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

func nonNilSlice(b [][]byte) [][]byte {
	if b == nil {
		return [][]byte{}
	}
	return b
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cipherq/internal/ir"
)

// Record is one persisted confidential record.
type Record struct {
	Address   ir.Address `json:"address"`
	Layout    string     `json:"layout"`
	Data      []byte     `json:"data"`
	Seq       int64      `json:"seq"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func insertRecord(ctx context.Context, q querier, r Record) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (address, layout, data, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Address[:], r.Layout, r.Data, r.Seq, timeToDB(r.CreatedAt), timeToDB(r.UpdatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("insert record %s: %w", r.Address, ErrExists)
		}
		return fmt.Errorf("insert record %s: %w", r.Address, err)
	}
	return nil
}

func readRecord(ctx context.Context, q querier, addr ir.Address) (Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT address, layout, data, seq, created_at, updated_at
		FROM records
		WHERE address = ?
	`, addr[:])
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %s: %w", addr, ErrNotFound)
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r                    Record
		addr                 []byte
		createdAt, updatedAt int64
	)
	if err := row.Scan(&addr, &r.Layout, &r.Data, &r.Seq, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	a, err := scanAddress(addr)
	if err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	r.Address = a
	r.CreatedAt = timeFromDB(createdAt)
	r.UpdatedAt = timeFromDB(updatedAt)
	return r, nil
}

// readRange returns length bytes at offset. A missing record or a range
// past its end is an invalid argument reference.
func readRange(ctx context.Context, q querier, addr ir.Address, offset, length uint32) ([]byte, error) {
	r, err := readRecord(ctx, q, addr)
	if errors.Is(err, ErrNotFound) {
		return nil, ir.WrapError(ir.CodeInvalidArgumentReference, "record does not exist", err)
	}
	if err != nil {
		return nil, err
	}
	if uint64(offset)+uint64(length) > uint64(len(r.Data)) {
		return nil, ir.NewError(ir.CodeInvalidArgumentReference,
			"range %d+%d exceeds %d-byte record %s", offset, length, len(r.Data), addr)
	}
	out := make([]byte, length)
	copy(out, r.Data[offset:offset+length])
	return out, nil
}

func updateRecordData(ctx context.Context, q querier, addr ir.Address, data []byte, seq int64, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE records SET data = ?, seq = ?, updated_at = ?
		WHERE address = ?
	`, data, seq, timeToDB(at), addr[:])
	if err != nil {
		return fmt.Errorf("update record %s: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %s: rows affected: %w", addr, err)
	}
	if n == 0 {
		return fmt.Errorf("update record %s: %w", addr, ErrNotFound)
	}
	return nil
}

// InsertRecord creates a record. Returns ErrExists if the address is taken.
func (t *Tx) InsertRecord(ctx context.Context, r Record) error {
	return insertRecord(ctx, t.tx, r)
}

// ReadRecord returns the record at addr, or ErrNotFound.
func (t *Tx) ReadRecord(ctx context.Context, addr ir.Address) (Record, error) {
	return readRecord(ctx, t.tx, addr)
}

// ReadRange implements args.RecordReader inside the transaction.
func (t *Tx) ReadRange(ctx context.Context, addr ir.Address, offset, length uint32) ([]byte, error) {
	return readRange(ctx, t.tx, addr, offset, length)
}

// UpdateRecordData replaces a record's bytes.
func (t *Tx) UpdateRecordData(ctx context.Context, addr ir.Address, data []byte, seq int64, at time.Time) error {
	return updateRecordData(ctx, t.tx, addr, data, seq, at)
}

// InsertRecord creates a record outside any transaction.
func (s *Store) InsertRecord(ctx context.Context, r Record) error {
	return insertRecord(ctx, s.db, r)
}

// ReadRecord returns the record at addr, or ErrNotFound.
func (s *Store) ReadRecord(ctx context.Context, addr ir.Address) (Record, error) {
	return readRecord(ctx, s.db, addr)
}

// ReadRange implements args.RecordReader.
func (s *Store) ReadRange(ctx context.Context, addr ir.Address, offset, length uint32) ([]byte, error) {
	return readRange(ctx, s.db, addr, offset, length)
}

// ReadRecords returns all records, ordered by seq then address.
func (s *Store) ReadRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, layout, data, seq, created_at, updated_at
		FROM records
		ORDER BY seq ASC, address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

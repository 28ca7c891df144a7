package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/roach88/cipherq/internal/ir"
)

// marshalJSON encodes v as compact JSON TEXT without HTML escaping.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalJSON(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

// SQLite INTEGER is signed 64-bit; request ids are stored bit-for-bit.
func requestIDToDB(id ir.RequestID) int64 {
	return int64(id)
}

func requestIDFromDB(v int64) ir.RequestID {
	return ir.RequestID(uint64(v))
}

func timeToDB(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func timeFromDB(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func scanAddress(b []byte) (ir.Address, error) {
	var a ir.Address
	if len(b) != len(a) {
		return a, fmt.Errorf("address is %d bytes", len(b))
	}
	copy(a[:], b)
	return a, nil
}

func scanDigest(b []byte) (ir.Digest, error) {
	var d ir.Digest
	if len(b) != len(d) {
		return d, fmt.Errorf("digest is %d bytes", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// isConstraint reports whether err is a UNIQUE or PRIMARY KEY violation.
func isConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique)
	}
	return false
}

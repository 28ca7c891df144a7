package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/ir"
)

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// registerDefaults registers the built-in definitions.
func registerDefaults(t *testing.T, s *Store) {
	t.Helper()
	defs, err := compdef.Defaults()
	require.NoError(t, err)
	for i, d := range defs {
		require.NoError(t, s.RegisterDefinition(context.Background(), d, int64(i+1)))
	}
}

// createTestPending creates a pending computation with minimal fields.
func createTestPending(kind ir.Kind, id ir.RequestID, seq int64) ir.PendingComputation {
	p := ir.PendingComputation{
		RequestID:       id,
		Kind:            kind,
		Arguments:       []byte{1, 2, 3},
		Callback:        ir.CallbackTarget{Action: ir.ActionNotify, Event: "SumEvent"},
		RequiredSigners: 1,
		Seq:             seq,
		DispatchedAt:    testTime,
	}
	p.Digest = ir.ComputationDigest(p)
	return p
}

func createTestRecord(addr ir.Address, size int, seq int64) Record {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return Record{
		Address:   addr,
		Layout:    "counter",
		Data:      data,
		Seq:       seq,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

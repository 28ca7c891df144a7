package store

import (
	"context"
	"fmt"
)

// LastSeq returns the highest seq number used in the store.
// Used at startup to resume the logical clock from the correct position.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	for _, table := range []string{
		"records",
		"computation_definitions",
		"cluster_nodes",
		"pending_computations",
		"resolutions",
		"notifications",
	} {
		var seq int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s`, table)).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("get last seq from %s: %w", table, err)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq, nil
}

// Health summarizes protocol state for operators.
type Health struct {
	Pending int `json:"pending"`
	// OrphanedMarkers are in-flight markers whose computation is no longer
	// pending. They should not exist; a non-zero count means a marker was
	// written outside the engine.
	OrphanedMarkers int   `json:"orphaned_markers"`
	Resolutions     int   `json:"resolutions"`
	LastSeq         int64 `json:"last_seq"`
}

// Health counts pending computations and markers.
func (s *Store) Health(ctx context.Context) (Health, error) {
	var h Health
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_computations`).Scan(&h.Pending)
	if err != nil {
		return h, fmt.Errorf("count pending: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inflight_records m
		WHERE NOT EXISTS (
			SELECT 1 FROM pending_computations p
			WHERE p.kind = m.kind AND p.request_id = m.request_id
		)
	`).Scan(&h.OrphanedMarkers)
	if err != nil {
		return h, fmt.Errorf("count orphaned markers: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resolutions`).Scan(&h.Resolutions)
	if err != nil {
		return h, fmt.Errorf("count resolutions: %w", err)
	}
	if h.LastSeq, err = s.LastSeq(ctx); err != nil {
		return h, err
	}
	return h, nil
}

// Package store provides SQLite-backed durable storage for cipherq.
//
// Tables:
//   - records: confidential records, raw bytes per layout
//   - computation_definitions: registered kinds (JSON definitions)
//   - cluster_nodes: ed25519 keys of the executing cluster
//   - pending_computations: outstanding requests keyed by (kind, request_id)
//   - inflight_records: per-record markers held by a pending computation
//   - resolutions: append-only log of consumed computations
//   - notifications: outward effects of read/export computations
//
// # Exactly-once consumption
//
// TakePending deletes the pending row with DELETE ... RETURNING inside the
// caller's transaction. The row is gone only if the transaction commits,
// and only one transaction can delete it, so two callbacks for the same
// request can never both observe it.
//
// # Ordering
//
// Every list query orders by seq, the engine's logical clock. Wall-clock
// columns are informational.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One open connection: a single writer serializes all transactions
package store

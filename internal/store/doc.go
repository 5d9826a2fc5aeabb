// Package store provides SQLite-backed durable storage for tidelog.
//
// One database file holds three things:
//   - event_log: the append-only event sequence, keyed by (global, local)
//   - materialization_status: the single-row checkpoint naming the last
//     event applied to the relational state
//   - application tables created by materializers
//
// Keeping all three in one file means an exported snapshot is a complete
// bootstrap unit: state, log, and checkpoint travel together.
//
// Invariants:
//   - Appends are idempotent: a second append of an existing id fails
//     with DuplicateEventError and never rewrites the stored event.
//   - All event reads order by (seq_global, seq_local) ASC so replay and
//     pull responses are deterministic.
//   - The checkpoint advances only inside the same transaction as the
//     writes it describes.
//
// Database configuration:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity in app tables
package store

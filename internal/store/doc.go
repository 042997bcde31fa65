// Package store provides SQLite-backed persistence for the snapshot chain
// and the recovery plan ledger.
//
// The store holds:
//   - Snapshots: sealed Merkle snapshots with their canonical state
//   - Plans: every proposed recovery plan, keyed by identity
//   - Plan events: the status history of each plan (audit trail)
//   - Quarantined snapshots: chain members that failed verification
//
// The store never verifies what it returns. Snapshots read back are handed
// to merkle.VerifyChain by the caller; a tampered row shows up there as a
// MerkleMismatch rather than as a read error.
//
// # Ordering
//
// Snapshot queries use ORDER BY seq ASC. Plan listings use insertion order
// (rowid). Timestamps are never stored.
//
// # Layout
//
// PRAGMA user_version holds the layout version; Open upgrades older stores
// in place and refuses newer ones (ErrNewerStore). The store_meta table
// records the Merkle hashing scheme of its snapshots, and a store sealed
// under another scheme is refused with *SchemeMismatch.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store

// Package store provides SQLite-backed durable storage for the scrobble queue
// and the single remote credential.
//
// # Tables
//
//   - watch_events: one row per recorded watch event. The status columns
//     (status, status_since, attempts, next_attempt_at, reason, receipt) are
//     authoritative; payload holds the encoded event envelope (model.Encode)
//     so fields written by newer binaries survive a rewrite.
//   - credential: at most one row (CHECK id = 1).
//   - goose_db_version: migration bookkeeping.
//
// # Concurrency
//
// Several processes may open the same file. Every write runs in a
// transaction that takes the SQLite writer lock at BEGIN (_txlock=immediate),
// so a read-check-write sequence is atomic across processes. Status changes
// are compare-and-set: the caller names the state it observed and the write
// fails with ErrConflict when another writer got there first.
//
// # Ordering
//
// Actionable events are returned ORDER BY observed_at ASC, id ASC and paged
// with a keyset cursor, so a page never skips or repeats rows while other
// writers move events out of the actionable set.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// All times are stored as unix nanoseconds; 0 means unset.
package store

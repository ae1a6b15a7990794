// Package store provides persistent storage for consent verification state.
//
// # Architecture
//
// The package is interface-driven:
//
//   - RecordStore: one VerificationRecord per conversation plus its
//     append-only score history
//   - MessageStore: the conversation messages analyzers read
//   - AuditStore: the append-only audit trail of gating decisions
//
// Store combines all three. Three implementations are provided:
//
//   - SQLiteStore: modernc.org/sqlite (driver "sqlite") or
//     mattn/go-sqlite3 (driver "sqlite3")
//   - BoltStore: go.etcd.io/bbolt with JSON values
//   - MockStore: in-memory, used by tests and the "memory" driver
//
// # Invariants
//
// SaveRecord enforces that a record's message count never decreases and
// appends history in the same transaction as the record update, so a
// snapshot is either fully applied or not at all. History is pruned to the
// configured retention limit (WithHistoryLimit), oldest first. The SQLite
// audit_log table rejects UPDATE and DELETE via triggers.
//
// # Error Handling
//
// ErrNotFound, ErrDuplicateRecord, ErrDuplicateMessage and
// ErrMessageCountDecreased are returned (possibly wrapped) for the
// corresponding conditions; use errors.Is.
package store

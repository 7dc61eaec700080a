// Package watcher is the client-side database watcher of spec.md
// §4.8: it owns the application's *sql.DB, installs a shadow table and
// change triggers per synced table, and exposes the conflict-resolved
// read/write surface (ShouldStore/StoreData/LoadData/MarkUnchanged/
// MarkCorrupted) the table sync state machine drives.
//
// Grounded on the teacher's pkg/storage table-per-concern split, but
// targeting a real relational database/sql handle instead of bbolt:
// spec.md §4.8 requires genuine SQL triggers and strftime timestamps
// that only make sense against a SQL engine. No example in the
// reference pack wires a database/sql driver, so this package imports
// modernc.org/sqlite — a pure-Go ecosystem driver with no cgo
// dependency — purely for its CREATE TRIGGER / strftime support; see
// DESIGN.md for the out-of-pack justification.
package watcher

package tablesync

import "github.com/pkg/errors"

// errConnLost marks a live-sync subscription ending because the
// connector's Pushes/Stream channel closed out from under it, rather
// than by explicit cancellation.
var errConnLost = errors.New("tablesync: live-sync connection lost")

// Kind is the client-side error taxonomy of spec.md §7.
type Kind string

const (
	// KindTemporary is retried with exponential backoff; never
	// surfaced to the user.
	KindTemporary Kind = "temporary"
	// KindNetwork is surfaced and retried on the next start.
	KindNetwork Kind = "network"
	// KindEntry marks one row corrupted; other rows continue.
	KindEntry Kind = "entry"
	// KindTable disables the table until restart.
	KindTable Kind = "table"
	// KindDatabase stops the engine; the user must act.
	KindDatabase Kind = "database"
	// KindTransaction is a local transaction failure, retried.
	KindTransaction Kind = "transaction"
	// KindTransform is a cryptographic transform failure; the row is
	// marked corrupted.
	KindTransform Kind = "transform"
	// KindVersion is a local shadow schema mismatch requiring
	// migration.
	KindVersion Kind = "version"
)

// Error pairs a Kind with the underlying cause and, where relevant,
// the table/key it happened on, spec.md §7 "every error is paired
// with a structured payload."
type Error struct {
	Kind  Kind
	Table string
	Key   string
	Cause error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return e.Kind.String() + ": " + e.Table + "/" + e.Key + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Table + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func (k Kind) String() string { return string(k) }

func newErr(kind Kind, table string, cause error) *Error {
	return &Error{Kind: kind, Table: table, Cause: cause}
}

func newEntryErr(table, key string, cause error) *Error {
	return &Error{Kind: KindEntry, Table: table, Key: key, Cause: cause}
}

// recoverable reports whether err should be retried internally by the
// state machine (Temporary, Network, Entry, Transaction, Transform)
// rather than surfaced on the engine's error stream and parked in
// StateError (Table, Database, Version).
func recoverable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindTemporary, KindNetwork, KindEntry, KindTransaction, KindTransform:
		return true
	default:
		return false
	}
}

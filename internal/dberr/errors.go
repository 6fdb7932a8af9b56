// Package dberr defines the error taxonomy surfaced across DuskDB's
// layers. Lower layers return one of these sentinels, wrapped with
// context via fmt.Errorf("...: %w", ...); callers match on them with
// errors.Is rather than string comparison.
package dberr

import "errors"

var (
	// ErrIO wraps an underlying storage failure (short read/write,
	// fsync failure, file-open failure).
	ErrIO = errors.New("duskdb: io error")

	// ErrCorruption signals a checksum mismatch or a structural
	// invariant violation. A database that has returned ErrCorruption
	// must be treated as read-only until repaired.
	ErrCorruption = errors.New("duskdb: corruption detected")

	// ErrOutOfSpace is returned when the allocator cannot satisfy a
	// request and the file cannot grow further.
	ErrOutOfSpace = errors.New("duskdb: out of space")

	// ErrTableAlreadyOpen is returned when a transaction opens the
	// same table for writing twice.
	ErrTableAlreadyOpen = errors.New("duskdb: table already open in this transaction")

	// ErrTableTypeMismatch is returned when a table is opened with a
	// key/value type name that differs from what was persisted.
	ErrTableTypeMismatch = errors.New("duskdb: table type mismatch")

	// ErrAborted is returned when a transaction that has already
	// committed, aborted or closed is used again (Commit or OpenTable on
	// a finished transaction).
	ErrAborted = errors.New("duskdb: transaction aborted")

	// ErrReadOnly is returned by BeginWrite once the database has
	// latched into read-only mode after ErrCorruption.
	ErrReadOnly = errors.New("duskdb: database is read-only after corruption")
)

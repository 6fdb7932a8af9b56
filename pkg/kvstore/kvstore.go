// Package kvstore is the caller-facing embedded key-value store: a
// Database persisted to a single file, opened through Open, mutated
// through WriteTxn and read through ReadTxn, both of which expose
// named Tables addressed by a key/value type pair.
//
// It is the layer that wires pkg/btree, pkg/alloc, pkg/freelist,
// pkg/txn and pkg/superblock together: a table-of-tables master
// B-tree maps each table name to {root, key type, value type}, so a
// single file can hold any number of independently-typed tables.
package kvstore

import (
	"bytes"

	"github.com/nainya/duskdb/pkg/btree"
	"github.com/nainya/duskdb/pkg/superblock"
)

// TypeName identifies the comparator a table's keys are ordered by,
// a closed set of codecs rather than a generic type parameter: Go
// generics over the btree's Comparator would require threading a
// type parameter through every layer down to pkg/btree.
type TypeName string

const (
	// TypeBytes orders keys by plain byte-slice comparison.
	TypeBytes TypeName = "bytes"

	// TypeTuple orders keys as composite tuples encoded with
	// EncodeTuple, comparing fields component by component.
	TypeTuple TypeName = "tuple"
)

func comparatorFor(t TypeName) btree.Comparator {
	if t == TypeTuple {
		return compareTuple
	}
	return bytes.Compare
}

// Options configures a Database at Open time.
type Options struct {
	// PageSize must be one of page.Sizes. Zero defaults to the OS page
	// size, or to 4096 when the OS page size is not one of page.Sizes.
	// Reopening an existing file with a different PageSize than it was
	// created with surfaces as ErrCorruption.
	PageSize int

	// WriteStrategy selects the commit protocol new write transactions
	// use. It has no effect on reading a file committed under the
	// other strategy.
	WriteStrategy superblock.WriteStrategy

	// LogLevel configures the structured logger ("debug", "info",
	// "warn", "error"); empty defaults to "info".
	LogLevel string
}

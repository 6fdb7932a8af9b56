package kvstore

import (
	"github.com/nainya/duskdb/pkg/btree"
)

// Table is a named B-tree opened for writing within a WriteTxn. Every
// Table is its own independent B-tree, reachable only through the
// table-of-tables master tree.
type Table struct {
	tree    *btree.BTree
	name    string
	keyType TypeName
	valType TypeName
	count   int64

	// emptyKeySet tracks whether the caller has explicitly inserted
	// the zero-length key. Every non-empty tree's leftmost leaf
	// carries a permanent minimum-key slot at the zero-length key
	// (pkg/btree's root-creation sentinel); without this flag, Get and
	// Range would surface that slot as a phantom (nil, nil) entry for
	// any table that has never actually stored that key.
	emptyKeySet bool
}

// Insert sets key to val, returning the previous value and whether the
// key already existed.
func (t *Table) Insert(key, val []byte) ([]byte, bool, error) {
	old, existed, err := t.rawGet(key)
	if err != nil {
		return nil, false, err
	}
	if err := t.tree.Insert(key, val); err != nil {
		return nil, false, err
	}
	if !existed {
		t.count++
	}
	if len(key) == 0 {
		t.emptyKeySet = true
	}
	return old, existed, nil
}

// InsertReserve inserts key with an uninitialized value region of the
// given length and returns a mutable view into it; the caller must
// call FinishReserve(key) once it has finished writing.
func (t *Table) InsertReserve(key []byte, length int) ([]byte, error) {
	_, existed, err := t.rawGet(key)
	if err != nil {
		return nil, err
	}
	val, err := t.tree.InsertReserve(key, length)
	if err != nil {
		return nil, err
	}
	if !existed {
		t.count++
	}
	if len(key) == 0 {
		t.emptyKeySet = true
	}
	return val, nil
}

// FinishReserve reseals the checksums along key's root-to-leaf path
// after the caller has finished writing into the region InsertReserve
// returned.
func (t *Table) FinishReserve(key []byte) error {
	return t.tree.RefreshChecksum(key)
}

// Remove deletes key, returning its value and whether it existed.
func (t *Table) Remove(key []byte) ([]byte, bool, error) {
	old, existed, err := t.rawGet(key)
	if err != nil || !existed {
		return nil, existed, err
	}
	if _, err := t.tree.Delete(key); err != nil {
		return nil, false, err
	}
	t.count--
	if len(key) == 0 {
		t.emptyKeySet = false
	}
	return old, true, nil
}

// Get returns key's value and whether it exists.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	return t.rawGet(key)
}

func (t *Table) rawGet(key []byte) ([]byte, bool, error) {
	if len(key) == 0 && !t.emptyKeySet {
		return nil, false, nil
	}
	return t.tree.Get(key)
}

// Len returns the number of entries in the table.
func (t *Table) Len() int { return int(t.count) }

// Range returns a forward iterator over [start, end) (or inclusive at
// either end per startIncl/endIncl). A nil start means no lower bound;
// a nil end means no upper bound.
func (t *Table) Range(start, end []byte, startIncl, endIncl bool) (*Iterator, error) {
	return newForwardIterator(t.tree, start, end, startIncl, endIncl, t.emptyKeySet)
}

// RangeReverse returns a backward iterator, walking from end to start.
func (t *Table) RangeReverse(start, end []byte, startIncl, endIncl bool) (*Iterator, error) {
	return newReverseIterator(t.tree, start, end, startIncl, endIncl, t.emptyKeySet)
}

// ReadOnlyTable is a named B-tree opened for reading within a ReadTxn.
// It exposes only the non-mutating subset of Table's API.
type ReadOnlyTable struct {
	tree        *btree.BTree
	count       int64
	emptyKeySet bool
}

// Get returns key's value and whether it exists.
func (t *ReadOnlyTable) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 && !t.emptyKeySet {
		return nil, false, nil
	}
	return t.tree.Get(key)
}

// Len returns the number of entries in the table.
func (t *ReadOnlyTable) Len() int { return int(t.count) }

// Range returns a forward iterator over [start, end).
func (t *ReadOnlyTable) Range(start, end []byte, startIncl, endIncl bool) (*Iterator, error) {
	return newForwardIterator(t.tree, start, end, startIncl, endIncl, t.emptyKeySet)
}

// RangeReverse returns a backward iterator, walking from end to start.
func (t *ReadOnlyTable) RangeReverse(start, end []byte, startIncl, endIncl bool) (*Iterator, error) {
	return newReverseIterator(t.tree, start, end, startIncl, endIncl, t.emptyKeySet)
}

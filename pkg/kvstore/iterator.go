package kvstore

import "github.com/nainya/duskdb/pkg/btree"

// Iterator walks a Table or ReadOnlyTable's entries in key order (or
// reverse key order, for RangeReverse), bounded by the range it was
// created with. Use it the way database/sql uses Rows: call Next()
// before the first Key()/Val().
type Iterator struct {
	it        *btree.BIter
	cmp       btree.Comparator
	reverse   bool
	low, high []byte
	lowIncl   bool
	highIncl  bool

	emptyKeySet bool
	started     bool
	err         error
}

func newForwardIterator(tree *btree.BTree, start, end []byte, startIncl, endIncl, emptyKeySet bool) (*Iterator, error) {
	it := tree.NewIterator()
	r := &Iterator{it: it, cmp: tree.Cmp, high: end, highIncl: endIncl, emptyKeySet: emptyKeySet}

	ok := it.SeekLE(start)
	if !ok {
		return r, it.Err()
	}
	if start != nil && it.Valid() {
		c := r.cmp(it.Key(), start)
		if c < 0 || (c == 0 && !startIncl) {
			it.Next()
		}
	}
	return r, it.Err()
}

func newReverseIterator(tree *btree.BTree, start, end []byte, startIncl, endIncl, emptyKeySet bool) (*Iterator, error) {
	it := tree.NewIterator()
	r := &Iterator{it: it, cmp: tree.Cmp, reverse: true, low: start, lowIncl: startIncl, emptyKeySet: emptyKeySet}

	var ok bool
	if end == nil {
		ok = it.SeekLast()
	} else {
		ok = it.SeekLE(end)
	}
	if !ok {
		return r, it.Err()
	}
	if end != nil && it.Valid() {
		c := r.cmp(it.Key(), end)
		if c == 0 && !endIncl {
			it.Prev()
		}
	}
	return r, it.Err()
}

// Next advances the iterator and reports whether a valid, in-range
// entry is now positioned. It skips the tree's permanent zero-length
// minimum-key slot unless the table has had that key explicitly set.
func (r *Iterator) Next() bool {
	for {
		if r.err != nil {
			return false
		}
		if r.started {
			ok := false
			if r.reverse {
				ok = r.it.Prev()
			} else {
				ok = r.it.Next()
			}
			if !ok {
				r.err = r.it.Err()
				return false
			}
		}
		r.started = true

		if !r.it.Valid() {
			r.err = r.it.Err()
			return false
		}

		key := r.it.Key()
		if len(key) == 0 && !r.emptyKeySet {
			continue
		}

		if r.reverse {
			if r.low != nil {
				c := r.cmp(key, r.low)
				if c < 0 || (c == 0 && !r.lowIncl) {
					return false
				}
			}
		} else if r.high != nil {
			c := r.cmp(key, r.high)
			if c > 0 || (c == 0 && !r.highIncl) {
				return false
			}
		}
		return true
	}
}

// Key returns the current entry's key.
func (r *Iterator) Key() []byte { return r.it.Key() }

// Val returns the current entry's value.
func (r *Iterator) Val() []byte { return r.it.Val() }

// Err returns the first error encountered while iterating, if any.
func (r *Iterator) Err() error { return r.err }

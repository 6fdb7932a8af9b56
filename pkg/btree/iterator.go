// ABOUTME: B+Tree iterator for range scans
// ABOUTME: Implements SeekLE, Next and Prev for forward and reverse iteration

package btree

// BIter represents an iterator over the B+Tree
type BIter struct {
	tree *BTree
	path []BNode  // Stack of nodes from root to current leaf
	pos  []uint16 // Stack of positions at each level
	err  error
}

// NewIterator creates a new iterator for the tree
func (tree *BTree) NewIterator() *BIter {
	return &BIter{
		tree: tree,
		path: make([]BNode, 0, 8), // Pre-allocate for typical tree height
		pos:  make([]uint16, 0, 8),
	}
}

// Err returns the first checksum-verification failure the iterator
// encountered, if any. Once set, Valid always reports false.
func (iter *BIter) Err() error { return iter.err }

// SeekLE positions the iterator at the last (greatest) key <= the given key.
// Returns false if the tree is empty or if descent hit a corrupt page
// (check Err in the latter case).
func (iter *BIter) SeekLE(key []byte) bool {
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]
	iter.err = nil

	if iter.tree.root.Num.IsZero() {
		return false
	}

	// Navigate from root to leaf
	node, err := iter.tree.readChild(iter.tree.root)
	if err != nil {
		iter.err = err
		return false
	}
	for {
		iter.path = append(iter.path, node)
		idx := nodeLookupLE(iter.tree.cmp, node, key)
		iter.pos = append(iter.pos, idx)

		if node.btype() == BNODE_LEAF {
			break
		}

		// Internal node - descend to child
		child, err := iter.tree.readChild(node.getPointer(idx))
		if err != nil {
			iter.err = err
			return false
		}
		node = child
	}

	return true
}

// SeekLast positions the iterator at the tree's last key. Returns
// false if the tree is empty.
func (iter *BIter) SeekLast() bool {
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]
	iter.err = nil

	if iter.tree.root.Num.IsZero() {
		return false
	}

	node, err := iter.tree.readChild(iter.tree.root)
	if err != nil {
		iter.err = err
		return false
	}
	for {
		idx := node.nkeys() - 1
		iter.path = append(iter.path, node)
		iter.pos = append(iter.pos, idx)

		if node.btype() == BNODE_LEAF {
			break
		}

		child, err := iter.tree.readChild(node.getPointer(idx))
		if err != nil {
			iter.err = err
			return false
		}
		node = child
	}

	return true
}

// SeekGE positions the iterator at the first key >= the given key.
func (iter *BIter) SeekGE(key []byte) bool {
	if !iter.SeekLE(key) {
		return false
	}
	if iter.tree.cmp(iter.Key(), key) < 0 {
		return iter.Next()
	}
	return true
}

// Valid returns true if the iterator is positioned at a valid key
func (iter *BIter) Valid() bool {
	if iter.err != nil || len(iter.path) == 0 {
		return false
	}

	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]

	// Check if we're past the last key
	return pos < leaf.nkeys()
}

// Key returns the current key
func (iter *BIter) Key() []byte {
	if !iter.Valid() {
		return nil
	}

	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getKey(pos)
}

// Val returns the current value
func (iter *BIter) Val() []byte {
	if !iter.Valid() {
		return nil
	}

	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getVal(pos)
}

// Next advances the iterator to the next key
// Returns false if there are no more keys (or Err() reports why).
func (iter *BIter) Next() bool {
	if iter.err != nil || len(iter.path) == 0 {
		return false
	}

	// Try to advance within current leaf
	leafIdx := len(iter.pos) - 1
	iter.pos[leafIdx]++

	leaf := iter.path[leafIdx]
	if iter.pos[leafIdx] < leaf.nkeys() {
		return true // Still within current leaf
	}

	// Need to move to next leaf - backtrack up the tree
	// Pop the leaf level
	iter.path = iter.path[:leafIdx]
	iter.pos = iter.pos[:leafIdx]

	// Backtrack to find a parent with more children
	for len(iter.pos) > 0 {
		parentIdx := len(iter.pos) - 1
		iter.pos[parentIdx]++

		parent := iter.path[parentIdx]
		if iter.pos[parentIdx] < parent.nkeys() {
			// Found a parent with more children - descend to leftmost leaf
			return iter.descendToLeftmost()
		}

		// This parent is exhausted too, pop it
		iter.path = iter.path[:parentIdx]
		iter.pos = iter.pos[:parentIdx]
	}

	// Reached end of tree
	return false
}

// descendToLeftmost descends from the current position to the leftmost leaf
func (iter *BIter) descendToLeftmost() bool {
	for {
		parentIdx := len(iter.path) - 1
		parent := iter.path[parentIdx]
		pos := iter.pos[parentIdx]

		// Get child pointer
		child, err := iter.tree.readChild(parent.getPointer(pos))
		if err != nil {
			iter.err = err
			return false
		}

		// Add child to path
		iter.path = append(iter.path, child)

		if child.btype() == BNODE_LEAF {
			// Reached leaf - start at first key
			iter.pos = append(iter.pos, 0)
			return true
		}

		// Internal node - continue descending
		iter.pos = append(iter.pos, 0)
	}
}

// Prev retreats the iterator to the previous key.
// Returns false if there are no more keys before the current one.
func (iter *BIter) Prev() bool {
	if iter.err != nil || len(iter.path) == 0 {
		return false
	}

	leafIdx := len(iter.pos) - 1
	if iter.pos[leafIdx] > 0 {
		iter.pos[leafIdx]--
		return true
	}

	// Current leaf is exhausted going backward - backtrack up the tree
	iter.path = iter.path[:leafIdx]
	iter.pos = iter.pos[:leafIdx]

	for len(iter.pos) > 0 {
		parentIdx := len(iter.pos) - 1
		if iter.pos[parentIdx] > 0 {
			iter.pos[parentIdx]--
			return iter.descendToRightmost()
		}

		iter.path = iter.path[:parentIdx]
		iter.pos = iter.pos[:parentIdx]
	}

	return false
}

// descendToRightmost descends from the current position to the rightmost leaf
func (iter *BIter) descendToRightmost() bool {
	for {
		parentIdx := len(iter.path) - 1
		parent := iter.path[parentIdx]
		pos := iter.pos[parentIdx]

		child, err := iter.tree.readChild(parent.getPointer(pos))
		if err != nil {
			iter.err = err
			return false
		}

		iter.path = append(iter.path, child)

		if child.btype() == BNODE_LEAF {
			iter.pos = append(iter.pos, child.nkeys()-1)
			return true
		}

		iter.pos = append(iter.pos, child.nkeys()-1)
	}
}

// Scan executes a range scan from the given start key in ascending
// order. Calls the callback for each key-value pair until callback
// returns false. Returns a non-nil error only if a checksum mismatch
// was encountered while descending the tree.
func (tree *BTree) Scan(start []byte, callback func(key, val []byte) bool) error {
	iter := tree.NewIterator()
	if !iter.SeekLE(start) {
		return iter.Err()
	}

	// If seeked key is less than start, advance to next
	if tree.cmp(iter.Key(), start) < 0 {
		if !iter.Next() {
			return iter.Err()
		}
	}

	// Iterate until callback returns false
	for iter.Valid() {
		if !callback(iter.Key(), iter.Val()) {
			return nil
		}
		if !iter.Next() {
			break
		}
	}
	return iter.Err()
}

// ScanReverse executes a range scan ending at (and including, if
// present) the given key, walking backward. Calls the callback for
// each key-value pair until callback returns false.
func (tree *BTree) ScanReverse(end []byte, callback func(key, val []byte) bool) error {
	iter := tree.NewIterator()
	if !iter.SeekLE(end) {
		return iter.Err()
	}

	for iter.Valid() {
		if !callback(iter.Key(), iter.Val()) {
			return nil
		}
		if !iter.Prev() {
			break
		}
	}
	return iter.Err()
}

// ABOUTME: B+Tree core structure and high-level operations
// ABOUTME: Implements Insert, Get, Delete with copy-on-write for crash safety

package btree

import (
	"bytes"
	"fmt"

	"github.com/nainya/duskdb/internal/dberr"
	"github.com/nainya/duskdb/pkg/page"
)

// Comparator orders two keys the way bytes.Compare does. A caller-
// supplied Comparator lets a composite-key codec order tuple keys by
// decoded component instead of raw byte order, while plain byte-slice
// tables keep bytes.Compare as the default.
type Comparator func(a, b []byte) int

// BTree represents the B+Tree data structure. Unlike a flat-pointer
// tree, every child link is a page.Pointer: a page.Number plus the
// checksum the parent expects that child to carry, so a page whose
// stamped checksum differs from the one its parent recorded (a stale or
// overwritten page) is rejected the instant it is read. Reads compare
// the stamp only; VerifyReachable also rehashes each node's bytes.
type BTree struct {
	root     page.Pointer
	pageSize int
	txnID    uint64
	cmp      Comparator

	get   func(page.Number) []byte     // dereference a page
	new   func(node BNode) page.Pointer // seal and allocate a new page
	write func(page.Number, []byte)     // overwrite a page already owned by this txn
	del   func(page.Number)             // deallocate a page
}

// New creates a tree bound to a single write transaction. root is the
// tree's persisted root pointer (a zero page.Number for an empty
// tree). get/new/write/del are the page-store operations backing it.
func New(pageSize int, txnID uint64, root page.Pointer, cmp Comparator,
	get func(page.Number) []byte, newPage func(BNode) page.Pointer,
	write func(page.Number, []byte), del func(page.Number)) *BTree {
	if cmp == nil {
		cmp = bytes.Compare
	}
	return &BTree{
		pageSize: pageSize, txnID: txnID, root: root, cmp: cmp,
		get: get, new: newPage, write: write, del: del,
	}
}

// Root returns the tree's current root pointer.
func (tree *BTree) Root() page.Pointer { return tree.root }

// Cmp exposes the tree's key ordering to callers outside the package
// (pkg/kvstore's range iterators need the same ordering a table's
// tree was built with to bound a forward or reverse scan).
func (tree *BTree) Cmp(a, b []byte) int { return tree.cmp(a, b) }

// VerifyReachable walks every node reachable from root, checking each
// node's stamped checksum against the checksum its parent (or, for
// root itself, the caller) recorded for it, and rehashing the node's
// bytes (Verify) to confirm the stamp still matches its contents. It is
// used during recovery to confirm a tree is intact before trusting it,
// independent of any single BTree's write-transaction bindings.
func VerifyReachable(get func(page.Number) []byte, root page.Pointer) error {
	if root.Num.IsZero() {
		return nil
	}
	node := BNode(get(root.Num))
	if node.checksum() != root.Checksum || !node.Verify() {
		return fmt.Errorf("btree: node %+v: %w", root.Num, dberr.ErrCorruption)
	}
	if node.btype() != BNODE_NODE {
		return nil
	}
	for i := uint16(0); i < node.nkeys(); i++ {
		if err := VerifyReachable(get, node.getPointer(i)); err != nil {
			return err
		}
	}
	return nil
}

// readChild dereferences expected and checks the page's stored
// checksum against the checksum the parent recorded for it.
func (tree *BTree) readChild(expected page.Pointer) (BNode, error) {
	node := BNode(tree.get(expected.Num))
	if node.checksum() != expected.Checksum {
		return nil, fmt.Errorf("btree: node %+v: %w", expected.Num, dberr.ErrCorruption)
	}
	return node, nil
}

// Get retrieves a value by key.
func (tree *BTree) Get(key []byte) ([]byte, bool, error) {
	val, found, err := tree.getRaw(key)
	if err != nil || !found {
		return nil, found, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// getRaw returns the live, aliased value slice backing key, used
// internally by InsertReserve so a caller can fill a reserved region
// without a second copy.
func (tree *BTree) getRaw(key []byte) ([]byte, bool, error) {
	if tree.root.Num.IsZero() {
		return nil, false, nil
	}
	node, err := tree.readChild(tree.root)
	if err != nil {
		return nil, false, err
	}
	return treeGet(tree, node, key)
}

// treeGet recursively searches for a key
func treeGet(tree *BTree, node BNode, key []byte) ([]byte, bool, error) {
	idx := nodeLookupLE(tree.cmp, node, key)

	switch node.btype() {
	case BNODE_LEAF:
		if tree.cmp(key, node.getKey(idx)) == 0 {
			return node.getVal(idx), true, nil
		}
		return nil, false, nil
	case BNODE_NODE:
		// Internal node - recurse to child
		child, err := tree.readChild(node.getPointer(idx))
		if err != nil {
			return nil, false, err
		}
		return treeGet(tree, child, key)
	default:
		panic("bad node type")
	}
}

// Insert inserts or updates a key-value pair. An existing key's old
// value is simply overwritten; a caller that needs it must Get it
// first.
func (tree *BTree) Insert(key []byte, val []byte) error {
	if len(key) > MaxKeySize {
		panic("btree: key too large")
	}
	if len(val) > MaxValSize {
		panic("btree: value too large")
	}

	if tree.root.Num.IsZero() {
		// Create the first node
		root := make(BNode, tree.pageSize)
		root.setHeader(BNODE_LEAF, 2)
		// Sentinel key (empty) - covers whole key space
		nodeAppendKV(root, 0, nil, nil)
		nodeAppendKV(root, 1, key, val)
		root.Seal(tree.txnID)
		tree.root = tree.new(root)
		return nil
	}

	oldRootPtr := tree.root
	oldRoot, err := tree.readChild(oldRootPtr)
	if err != nil {
		return err
	}

	node, err := treeInsert(tree, oldRoot, key, val)
	if err != nil {
		return err
	}
	nsplit, split := nodeSplit3(tree, node)
	tree.del(oldRootPtr.Num)

	if nsplit > 1 {
		// Root was split, add new level
		root := make(BNode, tree.pageSize)
		root.setHeader(BNODE_NODE, nsplit)

		for i, knode := range split[:nsplit] {
			knode.Seal(tree.txnID)
			ptr := tree.new(knode)
			nodeAppendKV(root, uint16(i), knode.getKey(0), nil)
			root.setPointer(uint16(i), ptr)
		}
		root.Seal(tree.txnID)
		tree.root = tree.new(root)
	} else {
		split[0].Seal(tree.txnID)
		tree.root = tree.new(split[0])
	}
	return nil
}

// treeInsert inserts a KV into a node, result might be split
func treeInsert(tree *BTree, node BNode, key []byte, val []byte) (BNode, error) {
	// Result node - allowed to be bigger than 1 page
	newNode := make(BNode, 2*tree.pageSize)

	// Where to insert the key?
	idx := nodeLookupLE(tree.cmp, node, key)

	switch node.btype() {
	case BNODE_LEAF:
		if tree.cmp(key, node.getKey(idx)) == 0 {
			// Update existing key
			leafUpdate(newNode, node, idx, key, val)
		} else {
			// Insert after position
			leafInsert(newNode, node, idx+1, key, val)
		}
	case BNODE_NODE:
		// Internal node - insert to kid node
		if err := nodeInsert(tree, newNode, node, idx, key, val); err != nil {
			return nil, err
		}
	default:
		panic("bad node type")
	}

	return newNode, nil
}

// leafInsert adds a new key to a leaf node
func leafInsert(new BNode, old BNode, idx uint16, key []byte, val []byte) {
	new.setHeader(BNODE_LEAF, old.nkeys()+1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, key, val)
	nodeAppendRange(new, old, idx+1, idx, old.nkeys()-idx)
}

// leafUpdate updates an existing key in a leaf node
func leafUpdate(new BNode, old BNode, idx uint16, key []byte, val []byte) {
	new.setHeader(BNODE_LEAF, old.nkeys())
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, key, val)
	nodeAppendRange(new, old, idx+1, idx+1, old.nkeys()-(idx+1))
}

// nodeInsert handles insertion to an internal node
func nodeInsert(tree *BTree, new BNode, node BNode, idx uint16, key []byte, val []byte) error {
	kidPtr := node.getPointer(idx)
	kidNode, err := tree.readChild(kidPtr)
	if err != nil {
		return err
	}
	// Recursive insertion to kid node
	knode, err := treeInsert(tree, kidNode, key, val)
	if err != nil {
		return err
	}
	// Split the result
	nsplit, split := nodeSplit3(tree, knode)
	// Deallocate the kid node
	tree.del(kidPtr.Num)
	// Update the kid links
	nodeReplaceKidN(tree, new, node, idx, split[:nsplit]...)
	return nil
}

// nodeReplaceKidN replaces a link with one or multiple links
func nodeReplaceKidN(tree *BTree, new BNode, old BNode, idx uint16, kids ...BNode) {
	inc := uint16(len(kids))
	new.setHeader(BNODE_NODE, old.nkeys()+inc-1)
	nodeAppendRange(new, old, 0, 0, idx)

	for i, kid := range kids {
		kid.Seal(tree.txnID)
		ptr := tree.new(kid)
		nodeAppendKV(new, idx+uint16(i), kid.getKey(0), nil)
		new.setPointer(idx+uint16(i), ptr)
	}

	nodeAppendRange(new, old, idx+inc, idx+1, old.nkeys()-(idx+1))
}

// nodeSplit3 splits a node if it's too big
func nodeSplit3(tree *BTree, old BNode) (uint16, [3]BNode) {
	if int(old.nbytes()) <= tree.pageSize {
		old = old[:tree.pageSize]
		return 1, [3]BNode{old}
	}

	left := make(BNode, 2*tree.pageSize)
	right := make(BNode, tree.pageSize)
	nodeSplit2(tree, left, right, old)

	if int(left.nbytes()) <= tree.pageSize {
		left = left[:tree.pageSize]
		return 2, [3]BNode{left, right}
	}

	// Need to split left again
	leftleft := make(BNode, tree.pageSize)
	middle := make(BNode, tree.pageSize)
	nodeSplit2(tree, leftleft, middle, left)

	return 3, [3]BNode{leftleft, middle, right}
}

// nodeSplit2 splits an oversized node into 2
func nodeSplit2(tree *BTree, left BNode, right BNode, old BNode) {
	// Distribute keys between left and right
	// Target: fill left to ~75% of page size
	nkeys := old.nkeys()
	nleft := uint16(0)

	// Find split point
	for i := uint16(0); i < nkeys; i++ {
		nleft = i + 1
		if int(old.kvPos(nleft)) >= tree.pageSize*3/4 {
			break
		}
	}

	// Copy to left and right
	left.setHeader(old.btype(), nleft)
	nodeAppendRange(left, old, 0, 0, nleft)

	right.setHeader(old.btype(), nkeys-nleft)
	nodeAppendRange(right, old, 0, nleft, nkeys-nleft)
}

// Delete deletes a key from the tree
func (tree *BTree) Delete(key []byte) (bool, error) {
	if tree.root.Num.IsZero() {
		return false, nil
	}

	rootNode, err := tree.readChild(tree.root)
	if err != nil {
		return false, err
	}
	updated, found, err := treeDelete(tree, rootNode, key)
	if err != nil || !found {
		return false, err
	}

	tree.del(tree.root.Num)

	if updated.btype() == BNODE_NODE && updated.nkeys() == 1 {
		// Remove a level if root has only 1 child
		tree.root = updated.getPointer(0)
	} else {
		updated.Seal(tree.txnID)
		tree.root = tree.new(updated)
	}

	return true, nil
}

// treeDelete deletes a key from the tree
func treeDelete(tree *BTree, node BNode, key []byte) (BNode, bool, error) {
	idx := nodeLookupLE(tree.cmp, node, key)

	switch node.btype() {
	case BNODE_LEAF:
		if tree.cmp(key, node.getKey(idx)) != 0 {
			return nil, false, nil // not found
		}
		// Delete from leaf
		new := make(BNode, tree.pageSize)
		leafDelete(new, node, idx)
		return new, true, nil
	case BNODE_NODE:
		return nodeDelete(tree, node, idx, key)
	default:
		panic("bad node type")
	}
}

// leafDelete removes a key from a leaf node
func leafDelete(new BNode, old BNode, idx uint16) {
	new.setHeader(BNODE_LEAF, old.nkeys()-1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendRange(new, old, idx, idx+1, old.nkeys()-(idx+1))
}

// nodeDelete deletes a key from an internal node
func nodeDelete(tree *BTree, node BNode, idx uint16, key []byte) (BNode, bool, error) {
	kidPtr := node.getPointer(idx)
	kidNode, err := tree.readChild(kidPtr)
	if err != nil {
		return nil, false, err
	}
	updated, found, err := treeDelete(tree, kidNode, key)
	if err != nil || !found {
		return nil, false, err
	}

	tree.del(kidPtr.Num)
	new := make(BNode, tree.pageSize)

	// Check for merging
	mergeDir, sibling, err := shouldMerge(tree, node, idx, updated)
	if err != nil {
		return nil, false, err
	}

	switch {
	case mergeDir < 0: // merge with left
		merged := make(BNode, tree.pageSize)
		nodeMerge(merged, sibling, updated)
		tree.del(node.getPointer(idx - 1).Num)
		merged.Seal(tree.txnID)
		ptr := tree.new(merged)
		nodeReplace2Kid(new, node, idx-1, ptr, merged.getKey(0))
	case mergeDir > 0: // merge with right
		merged := make(BNode, tree.pageSize)
		nodeMerge(merged, updated, sibling)
		tree.del(node.getPointer(idx + 1).Num)
		merged.Seal(tree.txnID)
		ptr := tree.new(merged)
		nodeReplace2Kid(new, node, idx, ptr, merged.getKey(0))
	case mergeDir == 0 && updated.nkeys() == 0:
		// Empty child with no sibling
		new.setHeader(BNODE_NODE, 0)
	case mergeDir == 0 && updated.nkeys() > 0:
		// No merge needed
		nodeReplaceKidN(tree, new, node, idx, updated)
	}

	return new, true, nil
}

// shouldMerge checks if node should be merged with sibling
func shouldMerge(tree *BTree, node BNode, idx uint16, updated BNode) (int, BNode, error) {
	if int(updated.nbytes()) > tree.pageSize/4 {
		return 0, nil, nil
	}

	// Try left sibling
	if idx > 0 {
		sibling, err := tree.readChild(node.getPointer(idx - 1))
		if err != nil {
			return 0, nil, err
		}
		merged := int(sibling.nbytes()) + int(updated.nbytes()) - HEADER
		if merged <= tree.pageSize {
			return -1, sibling, nil
		}
	}

	// Try right sibling
	if idx+1 < node.nkeys() {
		sibling, err := tree.readChild(node.getPointer(idx + 1))
		if err != nil {
			return 0, nil, err
		}
		merged := int(sibling.nbytes()) + int(updated.nbytes()) - HEADER
		if merged <= tree.pageSize {
			return +1, sibling, nil
		}
	}

	return 0, nil, nil
}

// nodeMerge merges two nodes into one
func nodeMerge(new BNode, left BNode, right BNode) {
	new.setHeader(left.btype(), left.nkeys()+right.nkeys())
	nodeAppendRange(new, left, 0, 0, left.nkeys())
	nodeAppendRange(new, right, left.nkeys(), 0, right.nkeys())
}

// nodeReplace2Kid replaces 2 adjacent links with 1
func nodeReplace2Kid(new BNode, old BNode, idx uint16, ptr page.Pointer, key []byte) {
	new.setHeader(BNODE_NODE, old.nkeys()-1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, key, nil)
	new.setPointer(idx, ptr)
	nodeAppendRange(new, old, idx+1, idx+2, old.nkeys()-(idx+2))
}

// InsertReserve inserts key with an uninitialized value region of
// length bytes and returns a mutable view into that region, avoiding
// a copy for large values written in place by the caller (e.g.
// streaming a blob in from an io.Reader). The tree's checksums along
// the root-to-leaf path are provisional until the caller finishes
// writing and calls RefreshChecksum(key) to reseal them.
func (tree *BTree) InsertReserve(key []byte, length int) ([]byte, error) {
	if len(key) > MaxKeySize {
		panic("btree: key too large")
	}
	if length > MaxValSize {
		panic("btree: reserved value too large")
	}
	if err := tree.Insert(key, make([]byte, length)); err != nil {
		return nil, err
	}
	val, found, err := tree.getRaw(key)
	if err != nil {
		return nil, err
	}
	if !found {
		panic("btree: key just inserted is missing")
	}
	return val, nil
}

// RefreshChecksum reseals the leaf holding key and every ancestor on
// its path to the root, after the caller has finished writing into a
// region returned by InsertReserve. It does not restructure the tree:
// key's node layout is unchanged, only the bytes inside it (and
// therefore every ancestor's recorded checksum for that child) are
// brought back into agreement.
func (tree *BTree) RefreshChecksum(key []byte) error {
	if tree.root.Num.IsZero() {
		return nil
	}

	type frame struct {
		ptr  page.Pointer
		node BNode
		idx  uint16
	}
	var stack []frame

	ptr := tree.root
	for {
		node, err := tree.readChild(ptr)
		if err != nil {
			return err
		}
		idx := nodeLookupLE(tree.cmp, node, key)
		stack = append(stack, frame{ptr: ptr, node: node, idx: idx})
		if node.btype() == BNODE_LEAF {
			break
		}
		ptr = node.getPointer(idx)
	}

	last := stack[len(stack)-1]
	last.node.Seal(tree.txnID)
	tree.write(last.ptr.Num, last.node)
	childPN := last.ptr.Num
	childSum := last.node.checksum()

	for i := len(stack) - 2; i >= 0; i-- {
		f := stack[i]
		f.node.setPointer(f.idx, page.Pointer{Num: childPN, Checksum: childSum})
		f.node.Seal(tree.txnID)
		tree.write(f.ptr.Num, f.node)
		childPN = f.ptr.Num
		childSum = f.node.checksum()
	}

	tree.root = page.Pointer{Num: childPN, Checksum: childSum}
	return nil
}

// SetRoot sets the root pointer (used when reopening a table for a
// new write transaction).
func (tree *BTree) SetRoot(root page.Pointer) {
	tree.root = root
}

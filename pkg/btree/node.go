// Package btree implements the copy-on-write B+Tree node layout and
// the tree's Get/Insert/Delete/Scan operations.
//
//   - every node carries a checksum (xxhash seeded by the writing
//     transaction id) in its header, and internal nodes store each
//     child's page.Number paired with that child's expected checksum
//     (page.Pointer) instead of a bare page pointer;
//   - node addresses are page.Number, resolved through a pluggable
//     page store (the allocator) instead of a flat uint64;
//   - key comparison goes through a caller-supplied Comparator.
package btree

import (
	"encoding/binary"

	"github.com/nainya/duskdb/pkg/checksum"
	"github.com/nainya/duskdb/pkg/page"
)

const (
	// BNODE_NODE and BNODE_LEAF are the two node kinds.
	BNODE_NODE = 1
	BNODE_LEAF = 2
)

const (
	// HEADER is checksum(8) + writing-txn-id(8) + type(2) + nkeys(2).
	// The txn id travels with the node so a later reader, in a later
	// transaction, can still recompute and self-validate the checksum
	// without being told which transaction originally wrote the page.
	HEADER = 20

	// MaxKeySize and MaxValSize bound a single KV pair so that it can
	// never fail to fit in a freshly split node, even on the smallest
	// supported page size (4096). InsertReserve uses MaxValSize as its
	// ceiling.
	MaxKeySize = 1000
	MaxValSize = 3000
)

// BNode is a single B-tree page, including its header.
type BNode []byte

func (node BNode) checksum() uint64 {
	return binary.LittleEndian.Uint64(node[0:8])
}

// Checksum exposes the node's stamped checksum to callers outside the
// package (pkg/kvstore's page-store callbacks need it to build the
// page.Pointer a parent records for a freshly sealed child).
func (node BNode) Checksum() uint64 {
	return node.checksum()
}

func (node BNode) setChecksum(sum uint64) {
	binary.LittleEndian.PutUint64(node[0:8], sum)
}

func (node BNode) writerTxnID() uint64 {
	return binary.LittleEndian.Uint64(node[8:16])
}

func (node BNode) setWriterTxnID(id uint64) {
	binary.LittleEndian.PutUint64(node[8:16], id)
}

// Verify recomputes the node's checksum, seeded by the txn id stamped
// in its own header, and compares against the stored checksum.
func (node BNode) Verify() bool {
	return checksum.Seeded64(node.writerTxnID(), node[16:node.nbytes()]) == node.checksum()
}

// Seal stamps txnID (the transaction writing this node) and the
// resulting checksum over the node's used bytes.
func (node BNode) Seal(txnID uint64) {
	node.setWriterTxnID(txnID)
	node.setChecksum(checksum.Seeded64(txnID, node[16:node.nbytes()]))
}

func (node BNode) btype() uint16 {
	return binary.LittleEndian.Uint16(node[16:18])
}

func (node BNode) nkeys() uint16 {
	return binary.LittleEndian.Uint16(node[18:20])
}

func (node BNode) setHeader(btype uint16, nkeys uint16) {
	binary.LittleEndian.PutUint16(node[16:18], btype)
	binary.LittleEndian.PutUint16(node[18:20], nkeys)
}

// childSize is the width of one internal-node child slot: a page.Number
// plus the checksum the parent expects that child to carry.
const childSize = page.PointerSize

func (node BNode) getPointer(idx uint16) page.Pointer {
	if idx >= node.nkeys() {
		panic("btree: index out of range")
	}
	pos := HEADER + int(idx)*childSize
	return page.DecodePointer(node[pos : pos+childSize])
}

func (node BNode) setPointer(idx uint16, ptr page.Pointer) {
	if idx >= node.nkeys() {
		panic("btree: index out of range")
	}
	pos := HEADER + int(idx)*childSize
	ptr.Encode(node[pos : pos+childSize])
}

func offsetPos(node BNode, idx uint16) int {
	if idx < 1 || idx > node.nkeys() {
		panic("btree: index out of range")
	}
	return HEADER + int(node.nkeys())*childSize + 2*int(idx-1)
}

func (node BNode) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(node[offsetPos(node, idx):])
}

func (node BNode) setOffset(idx uint16, offset uint16) {
	binary.LittleEndian.PutUint16(node[offsetPos(node, idx):], offset)
}

func (node BNode) kvPos(idx uint16) uint16 {
	if idx > node.nkeys() {
		panic("btree: index out of range")
	}
	return uint16(HEADER+int(node.nkeys())*childSize+2*int(node.nkeys())) + node.getOffset(idx)
}

func (node BNode) getKey(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic("btree: index out of range")
	}
	pos := node.kvPos(idx)
	klen := binary.LittleEndian.Uint16(node[pos:])
	return node[pos+4:][:klen]
}

func (node BNode) getVal(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic("btree: index out of range")
	}
	pos := node.kvPos(idx)
	klen := binary.LittleEndian.Uint16(node[pos+0:])
	vlen := binary.LittleEndian.Uint16(node[pos+2:])
	return node[pos+4+klen:][:vlen]
}

func (node BNode) nbytes() uint16 {
	return node.kvPos(node.nkeys())
}

// nodeLookupLE returns the last index whose key is <= key, ordered by
// a pluggable comparator. The first key in every node is a copy from
// the parent, so it is always <= key.
func nodeLookupLE(cmp Comparator, node BNode, key []byte) uint16 {
	nkeys := node.nkeys()
	found := uint16(0)
	for i := uint16(1); i < nkeys; i++ {
		c := cmp(node.getKey(i), key)
		if c <= 0 {
			found = i
		}
		if c >= 0 {
			break
		}
	}
	return found
}

func nodeAppendRange(new BNode, old BNode, dstNew, srcOld, n uint16) {
	if srcOld+n > old.nkeys() {
		panic("btree: source range out of bounds")
	}
	if dstNew+n > new.nkeys() {
		panic("btree: destination range out of bounds")
	}
	if n == 0 {
		return
	}

	if old.btype() == BNODE_NODE {
		for i := uint16(0); i < n; i++ {
			new.setPointer(dstNew+i, old.getPointer(srcOld+i))
		}
	}

	dstBegin := new.getOffset(dstNew)
	srcBegin := old.getOffset(srcOld)
	for i := uint16(1); i <= n; i++ {
		offset := dstBegin + old.getOffset(srcOld+i) - srcBegin
		new.setOffset(dstNew+i, offset)
	}

	begin := old.kvPos(srcOld)
	end := old.kvPos(srcOld + n)
	copy(new[new.kvPos(dstNew):], old[begin:end])
}

// nodeAppendKV appends one KV pair to a leaf node, or a (separator-key,
// zero-value) entry to an internal node whose pointer is set separately
// via setPointer.
func nodeAppendKV(new BNode, idx uint16, key []byte, val []byte) {
	pos := new.kvPos(idx)
	binary.LittleEndian.PutUint16(new[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(new[pos+2:], uint16(len(val)))
	copy(new[pos+4:], key)
	copy(new[pos+4+uint16(len(key)):], val)
	new.setOffset(idx+1, new.getOffset(idx)+4+uint16(len(key)+len(val)))
}

func init() {
	node1max := HEADER + childSize + 2 + 4 + MaxKeySize + MaxValSize
	if node1max > page.Sizes[0] {
		panic("btree: node size exceeds the smallest supported page size")
	}
}

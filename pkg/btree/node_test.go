// ABOUTME: Unit tests for B+Tree node operations
// ABOUTME: Tests node creation, KV access, and manipulation functions

package btree

import (
	"bytes"
	"testing"

	"github.com/nainya/duskdb/pkg/page"
)

const testPageSize = 4096

func TestNodeHeader(t *testing.T) {
	node := make(BNode, testPageSize)
	node.setHeader(BNODE_LEAF, 3)

	if node.btype() != BNODE_LEAF {
		t.Errorf("expected node type %d, got %d", BNODE_LEAF, node.btype())
	}
	if node.nkeys() != 3 {
		t.Errorf("expected 3 keys, got %d", node.nkeys())
	}
}

func TestNodeSeal(t *testing.T) {
	node := make(BNode, testPageSize)
	node.setHeader(BNODE_LEAF, 1)
	nodeAppendKV(node, 0, []byte("k"), []byte("v"))

	node.Seal(7)
	if node.writerTxnID() != 7 {
		t.Errorf("expected writer txn id 7, got %d", node.writerTxnID())
	}
	if !node.Verify() {
		t.Error("sealed node should verify")
	}

	node[20] ^= 0xFF // corrupt a byte of the (unused, in a leaf) child-pointer slot inside the sealed payload
	if node.Verify() {
		t.Error("corrupted node should fail verification")
	}
}

func TestNodePointers(t *testing.T) {
	node := make(BNode, testPageSize)
	node.setHeader(BNODE_NODE, 3)

	ptrs := []page.Pointer{
		{Num: page.Number{Region: 0, Index: 1}, Checksum: 100},
		{Num: page.Number{Region: 0, Index: 2}, Checksum: 200},
		{Num: page.Number{Region: 0, Index: 3}, Checksum: 300},
	}
	for i, p := range ptrs {
		node.setPointer(uint16(i), p)
	}
	for i, want := range ptrs {
		got := node.getPointer(uint16(i))
		if got != want {
			t.Errorf("pointer %d: expected %+v, got %+v", i, want, got)
		}
	}
}

func TestNodeKVOperations(t *testing.T) {
	node := make(BNode, testPageSize)
	node.setHeader(BNODE_LEAF, 1)

	key1 := []byte("key1")
	val1 := []byte("value1")
	nodeAppendKV(node, 0, key1, val1)

	if gotKey := node.getKey(0); !bytes.Equal(gotKey, key1) {
		t.Errorf("expected key %s, got %s", key1, gotKey)
	}
	if gotVal := node.getVal(0); !bytes.Equal(gotVal, val1) {
		t.Errorf("expected value %s, got %s", val1, gotVal)
	}
}

func TestNodeAppendMultipleKVs(t *testing.T) {
	node := make(BNode, testPageSize)
	node.setHeader(BNODE_LEAF, 3)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	vals := [][]byte{[]byte("val_a"), []byte("val_b"), []byte("val_c")}

	for i := 0; i < 3; i++ {
		nodeAppendKV(node, uint16(i), keys[i], vals[i])
	}

	for i := 0; i < 3; i++ {
		if gotKey := node.getKey(uint16(i)); !bytes.Equal(gotKey, keys[i]) {
			t.Errorf("key %d: expected %s, got %s", i, keys[i], gotKey)
		}
		if gotVal := node.getVal(uint16(i)); !bytes.Equal(gotVal, vals[i]) {
			t.Errorf("value %d: expected %s, got %s", i, vals[i], gotVal)
		}
	}
}

func TestNodeLookupLE(t *testing.T) {
	node := make(BNode, testPageSize)
	node.setHeader(BNODE_LEAF, 4)

	keys := [][]byte{[]byte("a"), []byte("c"), []byte("e"), []byte("g")}
	for i, key := range keys {
		nodeAppendKV(node, uint16(i), key, []byte("val"))
	}

	tests := []struct {
		searchKey []byte
		expected  uint16
	}{
		{[]byte("a"), 0},
		{[]byte("b"), 0},
		{[]byte("c"), 1},
		{[]byte("d"), 1},
		{[]byte("e"), 2},
		{[]byte("f"), 2},
		{[]byte("g"), 3},
		{[]byte("h"), 3},
	}

	for _, tt := range tests {
		got := nodeLookupLE(bytes.Compare, node, tt.searchKey)
		if got != tt.expected {
			t.Errorf("nodeLookupLE(%s) = %d, want %d", tt.searchKey, got, tt.expected)
		}
	}
}

func TestNodeAppendRange(t *testing.T) {
	oldNode := make(BNode, testPageSize)
	oldNode.setHeader(BNODE_LEAF, 3)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	vals := [][]byte{[]byte("val1"), []byte("val2"), []byte("val3")}
	for i := 0; i < 3; i++ {
		nodeAppendKV(oldNode, uint16(i), keys[i], vals[i])
	}

	newNode := make(BNode, testPageSize)
	newNode.setHeader(BNODE_LEAF, 2)
	nodeAppendRange(newNode, oldNode, 0, 1, 2)

	expectedKeys := [][]byte{[]byte("b"), []byte("c")}
	expectedVals := [][]byte{[]byte("val2"), []byte("val3")}
	for i := 0; i < 2; i++ {
		if gotKey := newNode.getKey(uint16(i)); !bytes.Equal(gotKey, expectedKeys[i]) {
			t.Errorf("key %d: expected %s, got %s", i, expectedKeys[i], gotKey)
		}
		if gotVal := newNode.getVal(uint16(i)); !bytes.Equal(gotVal, expectedVals[i]) {
			t.Errorf("value %d: expected %s, got %s", i, expectedVals[i], gotVal)
		}
	}
}

func TestNodeSize(t *testing.T) {
	node := make(BNode, testPageSize)
	node.setHeader(BNODE_LEAF, 2)
	nodeAppendKV(node, 0, []byte("key1"), []byte("value1"))
	nodeAppendKV(node, 1, []byte("key2"), []byte("value2"))

	size := node.nbytes()
	if size == 0 || int(size) > testPageSize {
		t.Errorf("invalid node size: %d", size)
	}
}

// ABOUTME: Tests for B+Tree iterator and range scans
// ABOUTME: Verifies SeekLE, Next, Prev and Scan operations

package btree

import (
	"fmt"
	"testing"
)

func TestIteratorEmpty(t *testing.T) {
	c := newTestContext()
	iter := c.tree.NewIterator()

	if iter.SeekLE([]byte("key1")) {
		t.Error("expected SeekLE to fail on empty tree")
	}
	if iter.Valid() {
		t.Error("iterator should not be valid on empty tree")
	}
}

func TestIteratorSeekLE(t *testing.T) {
	c := newTestContext()
	c.add("key1", "val1")
	c.add("key3", "val3")
	c.add("key5", "val5")

	iter := c.tree.NewIterator()

	if !iter.SeekLE([]byte("key3")) {
		t.Fatal("SeekLE failed")
	}
	if !iter.Valid() {
		t.Fatal("iterator should be valid")
	}
	if string(iter.Key()) != "key3" {
		t.Errorf("expected key3, got %s", iter.Key())
	}
	if string(iter.Val()) != "val3" {
		t.Errorf("expected val3, got %s", iter.Val())
	}

	if !iter.SeekLE([]byte("key4")) {
		t.Fatal("SeekLE failed")
	}
	if string(iter.Key()) != "key3" {
		t.Errorf("expected key3, got %s", iter.Key())
	}
}

func TestIteratorNext(t *testing.T) {
	c := newTestContext()
	keys := []string{"key1", "key2", "key3", "key4", "key5"}
	for _, k := range keys {
		c.add(k, "val-"+k)
	}

	iter := c.tree.NewIterator()
	if !iter.SeekLE([]byte("key1")) {
		t.Fatal("SeekLE failed")
	}

	var got []string
	for iter.Valid() {
		if string(iter.Key()) != "" { // skip the sentinel empty key
			got = append(got, string(iter.Key()))
		}
		if !iter.Next() {
			break
		}
	}

	if len(got) != len(keys) {
		t.Fatalf("expected %d keys, got %d: %v", len(keys), len(got), got)
	}
	for i, k := range keys {
		if got[i] != k {
			t.Errorf("position %d: expected %s, got %s", i, k, got[i])
		}
	}
}

func TestIteratorPrevMirrorsNext(t *testing.T) {
	c := newTestContext()
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		c.add(k, "val-"+k)
	}

	iter := c.tree.NewIterator()
	if !iter.SeekLast() {
		t.Fatal("SeekLast failed")
	}

	var got []string
	for iter.Valid() {
		if string(iter.Key()) != "" {
			got = append(got, string(iter.Key()))
		}
		if !iter.Prev() {
			break
		}
	}

	if len(got) != len(keys) {
		t.Fatalf("expected %d keys, got %d: %v", len(keys), len(got), got)
	}
	for i := 0; i < len(keys); i++ {
		want := keys[len(keys)-1-i]
		if got[i] != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got[i])
		}
	}
}

func TestIteratorSeekGE(t *testing.T) {
	c := newTestContext()
	c.add("b", "valb")
	c.add("d", "vald")

	iter := c.tree.NewIterator()
	if !iter.SeekGE([]byte("c")) {
		t.Fatal("SeekGE failed")
	}
	if string(iter.Key()) != "d" {
		t.Errorf("expected d, got %s", iter.Key())
	}

	if !iter.SeekGE([]byte("b")) {
		t.Fatal("SeekGE failed")
	}
	if string(iter.Key()) != "b" {
		t.Errorf("expected b, got %s", iter.Key())
	}
}

func TestScanAscending(t *testing.T) {
	c := newTestContext()
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k%03d", i)
		c.add(k, k)
	}

	var got []string
	err := c.tree.Scan([]byte("k010"), func(key, val []byte) bool {
		if len(key) == 0 {
			return true
		}
		got = append(got, string(key))
		return string(key) != "k015"
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"k010", "k011", "k012", "k013", "k014", "k015"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestScanReverseDescending(t *testing.T) {
	c := newTestContext()
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k%03d", i)
		c.add(k, k)
	}

	var got []string
	err := c.tree.ScanReverse([]byte("k010"), func(key, val []byte) bool {
		if len(key) == 0 {
			return false
		}
		got = append(got, string(key))
		return string(key) != "k005"
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"k010", "k009", "k008", "k007", "k006", "k005"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

// ABOUTME: Integration tests for the caller-facing Database API
// ABOUTME: Covers durability, snapshot isolation, atomicity and range order

package kvstore

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nainya/duskdb/internal/dberr"
	"github.com/nainya/duskdb/pkg/superblock"
)

func openDB(t *testing.T, opts Options) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	db, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestInsertGetRoundTrip(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("widgets", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx := db.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("widgets", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	val, found, err := rt.Get([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "1" {
		t.Fatalf("expected (1, true), got (%s, %v)", val, found)
	}
}

func TestRangeAscendingOrderMatchesSpecExample(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("letters", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	entries := map[string]string{"a": "0", "b": "1", "c": "2", "d": "3"}
	for k, v := range entries {
		if _, _, err := tbl.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx := db.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("letters", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}

	it, err := rt.Range([]byte("a"), []byte("c"), true, false)
	if err != nil {
		t.Fatal(err)
	}
	var got [][2]string
	for it.Next() {
		got = append(got, [2]string{string(it.Key()), string(it.Val())})
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	want := [][2]string{{"a", "0"}, {"b", "1"}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestRangeReverseOrder(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("letters", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		if _, _, err := tbl.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx := db.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("letters", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}

	it, err := rt.RangeReverse([]byte("b"), []byte("d"), true, true)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"d", "c", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestSnapshotIsolationReaderDoesNotSeeLaterCommit(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.Insert([]byte("x"), []byte("before")); err != nil {
		t.Fatal(err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx := db.BeginRead() // snapshot taken before the second write
	defer rtx.Close()

	wtx2, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl2, err := wtx2.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl2.Insert([]byte("x"), []byte("after")); err != nil {
		t.Fatal(err)
	}
	if err := wtx2.Commit(); err != nil {
		t.Fatal(err)
	}

	rt, err := rtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	val, _, err := rt.Get([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "before" {
		t.Errorf("snapshot reader should still see the pre-commit value, got %q", val)
	}

	rtx2 := db.BeginRead()
	defer rtx2.Close()
	rt2, err := rtx2.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	val2, _, err := rt2.Get([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if string(val2) != "after" {
		t.Errorf("a new reader opened after the second commit should see the new value, got %q", val2)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.Insert([]byte("key"), []byte("value")); err != nil {
		t.Fatal(err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	rtx := db2.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	val, found, err := rt.Get([]byte("key"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "value" {
		t.Fatalf("expected the committed value to survive reopen, got (%s, %v)", val, found)
	}
}

func TestAbortDiscardsWrites(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	wtx.Abort()

	rtx := db.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, found, err := rt.Get([]byte("k")); err != nil || found {
		t.Errorf("aborted insert should not be visible, found=%v err=%v", found, err)
	}

	// A subsequent write transaction must still be able to proceed
	// normally (the writer lock was released, and the allocator state
	// reverted rather than leaking staged-but-unflushed pages).
	wtx2, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl2, err := wtx2.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl2.Insert([]byte("k2"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := wtx2.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestTwoIndependentTablesWithOverlappingKeys(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	users, err := wtx.OpenTable("users", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	orders, err := wtx.OpenTable("orders", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := users.Insert([]byte("1"), []byte("alice")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := orders.Insert([]byte("1"), []byte("order-42")); err != nil {
		t.Fatal(err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx := db.BeginRead()
	defer rtx.Close()
	ru, err := rtx.OpenTable("users", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	ro, err := rtx.OpenTable("orders", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	uv, _, _ := ru.Get([]byte("1"))
	ov, _, _ := ro.Get([]byte("1"))
	if string(uv) != "alice" || string(ov) != "order-42" {
		t.Errorf("expected the same key in two tables to resolve independently, got %q and %q", uv, ov)
	}
}

func TestOpenTableTypeMismatchRejected(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wtx.OpenTable("t", TypeBytes, TypeBytes); err != nil {
		t.Fatal(err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	wtx2, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	defer wtx2.Abort()
	if _, err := wtx2.OpenTable("t", TypeTuple, TypeBytes); err == nil {
		t.Error("expected a key-type mismatch on reopen to be rejected")
	}
}

func TestOpenTableTwiceInSameTxnRejected(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	defer wtx.Abort()
	if _, err := wtx.OpenTable("t", TypeBytes, TypeBytes); err != nil {
		t.Fatal(err)
	}
	if _, err := wtx.OpenTable("t", TypeBytes, TypeBytes); err == nil {
		t.Error("expected opening the same table twice in one transaction to be rejected")
	}
}

func TestChecksumStrategyRecoversAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checksum.db")
	db, err := Open(path, Options{WriteStrategy: superblock.Checksum})
	if err != nil {
		t.Fatal(err)
	}

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(path, Options{WriteStrategy: superblock.Checksum})
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	rtx := db2.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	val, found, err := rt.Get([]byte("k"))
	if err != nil || !found || string(val) != "v" {
		t.Fatalf("expected committed value to survive reopen under the checksum strategy, got (%s, %v, %v)", val, found, err)
	}
}

func TestReopenWithDifferentPageSizeIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagesize.db")
	db, err := Open(path, Options{PageSize: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = Open(path, Options{PageSize: 8192})
	if err == nil {
		t.Fatal("expected reopening with a mismatched page size to fail")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("page size")) {
		t.Errorf("expected a page-size related error, got: %v", err)
	}
}

func TestManyInsertsAndRangeScan(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	const n = 500
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		if _, _, err := tbl.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx := db.BeginRead()
	defer rtx.Close()
	rt, err := rtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Len() != n {
		t.Fatalf("expected %d entries, got %d", n, rt.Len())
	}

	it, err := rt.Range(nil, nil, true, true)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	var prev []byte
	for it.Next() {
		if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
			t.Fatalf("range scan produced out-of-order keys: %s then %s", prev, it.Key())
		}
		prev = append([]byte(nil), it.Key()...)
		count++
	}
	if count != n {
		t.Fatalf("expected to scan %d entries, got %d", n, count)
	}
}

func TestReadOnlyModeAfterCorruption(t *testing.T) {
	db, _ := openDB(t, Options{})
	db.markCorrupted(dberr.ErrCorruption)

	if _, err := db.BeginWrite(); err == nil {
		t.Error("expected BeginWrite to fail once the database has latched read-only")
	}
}

func TestRemoveThenReinsertEmptyKey(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.Insert(nil, []byte("root-value")); err != nil {
		t.Fatal(err)
	}
	val, found, err := tbl.Get(nil)
	if err != nil || !found || string(val) != "root-value" {
		t.Fatalf("expected the explicitly inserted empty key to be visible, got (%s, %v, %v)", val, found, err)
	}

	if _, found, err := tbl.Remove(nil); err != nil || !found {
		t.Fatalf("expected removing the empty key to report it as found, got found=%v err=%v", found, err)
	}
	if _, found, err := tbl.Get(nil); err != nil || found {
		t.Errorf("expected the empty key to be gone after Remove, found=%v err=%v", found, err)
	}

	if _, existed, err := tbl.Insert(nil, []byte("again")); err != nil || existed {
		t.Fatalf("expected reinserting the removed empty key to report it absent, got existed=%v err=%v", existed, err)
	}
	val, found, err = tbl.Get(nil)
	if err != nil || !found || string(val) != "again" {
		t.Errorf("expected the reinserted empty key to be visible, got (%s, %v, %v)", val, found, err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestEmptyKeySurvivesCommitAndReopen(t *testing.T) {
	db, _ := openDB(t, Options{})

	wtx, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := wtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.Insert(nil, []byte("root-value")); err != nil {
		t.Fatal(err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx := db.BeginRead()
	defer rtx.Close()
	rtbl, err := rtx.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	val, found, err := rtbl.Get(nil)
	if err != nil || !found || string(val) != "root-value" {
		t.Fatalf("expected the empty key to survive a commit into a fresh transaction, got (%s, %v, %v)", val, found, err)
	}

	wtx2, err := db.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	wtbl, err := wtx2.OpenTable("kv", TypeBytes, TypeBytes)
	if err != nil {
		t.Fatal(err)
	}
	val, found, err = wtbl.Get(nil)
	if err != nil || !found || string(val) != "root-value" {
		t.Fatalf("expected a freshly opened write table to still see the empty key, got (%s, %v, %v)", val, found, err)
	}
	wtx2.Abort()
}

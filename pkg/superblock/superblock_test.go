// ABOUTME: Tests for the two-slot header and both commit protocols
// ABOUTME: Covers primary selection, two-phase durability and checksum fallback

package superblock

import (
	"path/filepath"
	"testing"

	"github.com/nainya/duskdb/pkg/page"
	"github.com/nainya/duskdb/pkg/pagefile"
)

func openFile(t *testing.T) *pagefile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sb.db")
	pf, err := pagefile.Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pf.Close() })
	return pf
}

func header(txnID uint64, strategy WriteStrategy) Header {
	return Header{
		Version:       Version,
		PageSizeExp:   12,
		RegionSize:    4096,
		TxnID:         txnID,
		Root:          page.Pointer{Num: page.Number{Region: 1, Index: 2}, Checksum: 99},
		WriteStrategy: strategy,
	}
}

func TestCommitTwoPhaseThenLoad(t *testing.T) {
	pf := openFile(t)

	if err := CommitTwoPhase(pf, -1, header(1, TwoPhase)); err != nil {
		t.Fatal(err)
	}
	h, slot, err := Load(pf)
	if err != nil {
		t.Fatal(err)
	}
	if slot != 0 {
		t.Errorf("expected the first commit to land in slot 0, got %d", slot)
	}
	if h.TxnID != 1 {
		t.Errorf("expected txn id 1, got %d", h.TxnID)
	}
}

func TestCommitTwoPhaseAlternatesSlotsAndPicksHigherTxnID(t *testing.T) {
	pf := openFile(t)

	if err := CommitTwoPhase(pf, -1, header(1, TwoPhase)); err != nil {
		t.Fatal(err)
	}
	h, slot, err := Load(pf)
	if err != nil {
		t.Fatal(err)
	}

	if err := CommitTwoPhase(pf, slot, header(h.TxnID+1, TwoPhase)); err != nil {
		t.Fatal(err)
	}
	h2, slot2, err := Load(pf)
	if err != nil {
		t.Fatal(err)
	}
	if slot2 == slot {
		t.Error("the second commit should land in the opposite slot")
	}
	if h2.TxnID != 2 {
		t.Errorf("expected txn id 2 after the second commit, got %d", h2.TxnID)
	}
}

func TestCommitChecksumRoundTrip(t *testing.T) {
	pf := openFile(t)

	if err := CommitChecksum(pf, -1, header(1, Checksum)); err != nil {
		t.Fatal(err)
	}
	h, _, err := Load(pf)
	if err != nil {
		t.Fatal(err)
	}
	if h.TxnID != 1 || h.WriteStrategy != Checksum {
		t.Errorf("unexpected header after checksum commit: %+v", h)
	}
}

func TestRecoverFallsBackWhenVerifyFails(t *testing.T) {
	pf := openFile(t)

	if err := CommitChecksum(pf, -1, header(1, Checksum)); err != nil {
		t.Fatal(err)
	}
	h1, slot1, err := Load(pf)
	if err != nil {
		t.Fatal(err)
	}

	if err := CommitChecksum(pf, slot1, header(2, Checksum)); err != nil {
		t.Fatal(err)
	}

	calls := 0
	verify := func(h Header) error {
		calls++
		if h.TxnID == 2 {
			return errCorruptForTest
		}
		return nil
	}

	got, _, err := Recover(pf, verify)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got error: %v", err)
	}
	if got.TxnID != h1.TxnID {
		t.Errorf("expected recovery to fall back to txn %d, got %d", h1.TxnID, got.TxnID)
	}
	if calls < 2 {
		t.Errorf("expected verify to be consulted for both slots, called %d times", calls)
	}
}

func TestRecoverSkipsVerifyForTwoPhase(t *testing.T) {
	pf := openFile(t)
	if err := CommitTwoPhase(pf, -1, header(1, TwoPhase)); err != nil {
		t.Fatal(err)
	}

	called := false
	verify := func(Header) error {
		called = true
		return nil
	}
	if _, _, err := Recover(pf, verify); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("two-phase commits should not need a reachability verify on open")
	}
}

func TestLoadFailsWithNoValidSlots(t *testing.T) {
	pf := openFile(t)
	if _, _, err := Load(pf); err == nil {
		t.Error("expected an error when neither header slot has ever been written")
	}
}

var errCorruptForTest = &testCorruptError{}

type testCorruptError struct{}

func (*testCorruptError) Error() string { return "simulated corruption" }

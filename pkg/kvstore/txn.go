package kvstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/nainya/duskdb/internal/dberr"
	"github.com/nainya/duskdb/pkg/btree"
	"github.com/nainya/duskdb/pkg/page"
	"github.com/nainya/duskdb/pkg/superblock"
)

// WriteTxn is the single writer's view of the database: it opens
// named Tables through a table-of-tables master tree, and Commit
// orchestrates the allocator, free-page tracker and superblock
// together into one durable transaction.
type WriteTxn struct {
	db    *Database
	txnID uint64

	master     *btree.BTree
	openTables map[string]*Table
	freed      []page.Number
	done       bool
}

func (wtx *WriteTxn) get(pn page.Number) []byte { return wtx.db.alloc.Get(pn) }

func (wtx *WriteTxn) newPage(n btree.BNode) page.Pointer {
	pn, err := wtx.db.alloc.Allocate(0)
	if err != nil {
		// Order-0 allocation only fails if a brand-new region cannot
		// absorb a single page, which none of the supported page
		// sizes trigger; this is a programming-error invariant, not a
		// caller-recoverable condition.
		panic(fmt.Errorf("kvstore: %w", err))
	}
	wtx.db.alloc.Write(pn, n)
	wtx.db.met.PageAllocationsTotal.Inc()
	return page.Pointer{Num: pn, Checksum: n.Checksum()}
}

func (wtx *WriteTxn) writePage(pn page.Number, data []byte) { wtx.db.alloc.Write(pn, data) }

func (wtx *WriteTxn) delPage(pn page.Number) {
	wtx.freed = append(wtx.freed, pn)
	wtx.db.met.PageFreesTotal.Inc()
}

// OpenTable opens (creating if necessary) the named table for writing.
// A transaction may not open the same table twice, and reopening an
// existing table with a different key or value type is rejected.
func (wtx *WriteTxn) OpenTable(name string, kt, vt TypeName) (*Table, error) {
	if wtx.done {
		return nil, fmt.Errorf("kvstore: transaction already finished: %w", dberr.ErrAborted)
	}
	if name == "" {
		return nil, fmt.Errorf("kvstore: table name must not be empty")
	}
	if _, open := wtx.openTables[name]; open {
		return nil, fmt.Errorf("kvstore: table %q: %w", name, dberr.ErrTableAlreadyOpen)
	}

	entry, found, err := wtx.lookupTable(name)
	if err != nil {
		wtx.db.markCorrupted(err)
		return nil, err
	}
	if found {
		if entry.KeyType != kt || entry.ValType != vt {
			return nil, fmt.Errorf("kvstore: table %q: %w", name, dberr.ErrTableTypeMismatch)
		}
	} else {
		entry = tableEntry{KeyType: kt, ValType: vt}
	}

	tree := btree.New(wtx.db.pf.PageSize(), wtx.txnID, entry.Root, comparatorFor(kt),
		wtx.get, wtx.newPage, wtx.writePage, wtx.delPage)

	t := &Table{
		tree:        tree,
		name:        name,
		keyType:     kt,
		valType:     vt,
		count:       entry.Count,
		emptyKeySet: entry.EmptyKeySet,
	}
	wtx.openTables[name] = t
	return t, nil
}

func (wtx *WriteTxn) lookupTable(name string) (tableEntry, bool, error) {
	raw, found, err := wtx.master.Get([]byte(name))
	if err != nil || !found {
		return tableEntry{}, found, err
	}
	entry, err := decodeTableEntry(raw)
	return entry, true, err
}

// Commit flushes every table opened for writing, the region allocator
// and the free-page tracker, then durably commits a new superblock
// header using the database's configured write strategy.
func (wtx *WriteTxn) Commit() error {
	if wtx.done {
		return fmt.Errorf("kvstore: transaction already finished: %w", dberr.ErrAborted)
	}
	wtx.done = true
	start := time.Now()

	for name, t := range wtx.openTables {
		entry := tableEntry{Root: t.tree.Root(), KeyType: t.keyType, ValType: t.valType, Count: t.count, EmptyKeySet: t.emptyKeySet}
		if err := wtx.master.Insert([]byte(name), encodeTableEntry(entry)); err != nil {
			wtx.rollbackWriter()
			return err
		}
	}

	regionRoot := wtx.db.alloc.Flush(wtx.txnID)
	wtx.db.free.Push(wtx.txnID, wtx.freed)

	oldest := wtx.db.txns.OldestLiveReader()
	for _, pn := range wtx.db.free.Reclaim(oldest) {
		wtx.db.alloc.Free(pn)
	}
	freeRoot := wtx.db.free.Flush(wtx.db.pf, wtx.txnID)

	if err := wtx.db.pf.Flush(); err != nil {
		wtx.rollbackWriter()
		return err
	}

	wtx.db.mu.Lock()
	prev := wtx.db.header
	primarySlot := wtx.db.primarySlot
	wtx.db.mu.Unlock()

	next := superblock.Header{
		Version:       superblock.Version,
		PageSizeExp:   prev.PageSizeExp,
		RegionSize:    prev.RegionSize,
		TxnID:         wtx.txnID,
		Root:          wtx.master.Root(),
		RegionRoot:    regionRoot,
		FreeRoot:      freeRoot,
		WriteStrategy: wtx.db.opts.WriteStrategy,
	}

	var commitErr error
	if next.WriteStrategy == superblock.TwoPhase {
		commitErr = superblock.CommitTwoPhase(wtx.db.pf, primarySlot, next)
	} else {
		commitErr = superblock.CommitChecksum(wtx.db.pf, primarySlot, next)
	}

	dur := time.Since(start)
	wtx.db.log.LogCommit(wtx.txnID, next.WriteStrategy.String(), dur, commitErr)
	if commitErr != nil {
		wtx.rollbackWriter()
		return commitErr
	}

	wtx.db.mu.Lock()
	wtx.db.header = next
	wtx.db.primarySlot = 1 - primarySlot
	wtx.db.txns.EndWrite(wtx.txnID)
	wtx.db.mu.Unlock()

	wtx.db.met.RecordCommit(next.WriteStrategy.String(), dur)
	lag := uint64(0)
	if oldestNow := wtx.db.txns.OldestLiveReader(); oldestNow <= wtx.txnID {
		lag = wtx.txnID - oldestNow
	}
	wtx.db.met.UpdateReaderStats(wtx.db.txns.LiveReaders(), lag)
	wtx.db.met.DbSizeBytes.Set(float64(wtx.db.pf.Size()))
	return nil
}

// Abort discards every page staged by this transaction and reloads the
// allocator and free-page tracker from the last durable header, since
// both accumulated in-memory mutations (bump pointers, bitmap bits,
// pending free entries) that were never meant to survive past this
// transaction. A WriteTxn dropped without Commit or Abort is not rolled
// back: it keeps holding the writer lock. Abort after Commit is a no-op.
func (wtx *WriteTxn) Abort() {
	if wtx.done {
		return
	}
	wtx.done = true
	wtx.rollbackWriter()
	wtx.db.met.RecordAbort()
	wtx.db.log.LogAbort(wtx.txnID, "dropped without commit")
}

func (wtx *WriteTxn) rollbackWriter() {
	wtx.db.pf.DiscardPending()

	wtx.db.mu.Lock()
	header := wtx.db.header
	wtx.db.mu.Unlock()

	if a, err := reloadAlloc(wtx.db, header); err == nil {
		a.SetReuseHook(func() { wtx.db.met.PageReusesTotal.Inc() })
		wtx.db.alloc = a
	}
	if fl, err := reloadFree(wtx.db, header); err == nil {
		wtx.db.free = fl
	}

	wtx.db.mu.Lock()
	wtx.db.txns.EndWrite(header.TxnID)
	wtx.db.mu.Unlock()
}

// ReadTxn is a read-only snapshot pinned at the most recently committed
// transaction as of BeginRead. It never observes a later commit, even
// one that completes while the snapshot is still open.
type ReadTxn struct {
	db         *Database
	snapshot   uint64
	masterRoot page.Pointer
	openTables map[string]*ReadOnlyTable
	closed     bool
}

// OpenTable opens the named table for reading as of this snapshot.
func (rtx *ReadTxn) OpenTable(name string, kt, vt TypeName) (*ReadOnlyTable, error) {
	if rtx.closed {
		return nil, fmt.Errorf("kvstore: read transaction already closed: %w", dberr.ErrAborted)
	}
	if name == "" {
		return nil, fmt.Errorf("kvstore: table name must not be empty")
	}
	if t, open := rtx.openTables[name]; open {
		return t, nil
	}

	master := btree.New(rtx.db.pf.PageSize(), rtx.snapshot, rtx.masterRoot, bytes.Compare,
		rtx.get, nil, nil, nil)

	raw, found, err := master.Get([]byte(name))
	if err != nil {
		rtx.db.markCorrupted(err)
		return nil, err
	}
	if !found {
		return &ReadOnlyTable{tree: btree.New(rtx.db.pf.PageSize(), rtx.snapshot, page.Pointer{}, comparatorFor(kt), rtx.get, nil, nil, nil)}, nil
	}

	entry, err := decodeTableEntry(raw)
	if err != nil {
		rtx.db.markCorrupted(err)
		return nil, err
	}
	if entry.KeyType != kt || entry.ValType != vt {
		return nil, fmt.Errorf("kvstore: table %q: %w", name, dberr.ErrTableTypeMismatch)
	}

	t := &ReadOnlyTable{
		tree:        btree.New(rtx.db.pf.PageSize(), rtx.snapshot, entry.Root, comparatorFor(kt), rtx.get, nil, nil, nil),
		count:       entry.Count,
		emptyKeySet: entry.EmptyKeySet,
	}
	rtx.openTables[name] = t
	return t, nil
}

func (rtx *ReadTxn) get(pn page.Number) []byte { return rtx.db.alloc.Get(pn) }

// Close releases the reader's snapshot, allowing the free-page tracker
// to eventually reclaim pages freed by transactions no earlier reader
// still needs.
func (rtx *ReadTxn) Close() {
	if rtx.closed {
		return
	}
	rtx.closed = true
	rtx.db.txns.EndRead(rtx.snapshot)
}

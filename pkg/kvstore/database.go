package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nainya/duskdb/internal/dberr"
	"github.com/nainya/duskdb/internal/logger"
	"github.com/nainya/duskdb/internal/metrics"
	"github.com/nainya/duskdb/pkg/alloc"
	"github.com/nainya/duskdb/pkg/btree"
	"github.com/nainya/duskdb/pkg/freelist"
	"github.com/nainya/duskdb/pkg/page"
	"github.com/nainya/duskdb/pkg/pagefile"
	"github.com/nainya/duskdb/pkg/superblock"
	"github.com/nainya/duskdb/pkg/txn"
)

const defaultPageSize = 4096

// Database is a single DuskDB file opened for reading and writing. All
// exported methods are safe for concurrent use by multiple goroutines;
// write transactions still serialize through pkg/txn's single-writer
// lock.
type Database struct {
	mu sync.Mutex // guards header/primarySlot/corrupted

	pf    *pagefile.File
	alloc *alloc.Allocator
	free  *freelist.List
	txns  *txn.Manager

	opts Options
	log  *logger.Logger
	met  *metrics.Metrics

	primarySlot int
	header      superblock.Header
	corrupted   bool
}

// Open opens (or creates) the database file at path.
func Open(path string, opts Options) (*Database, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = os.Getpagesize()
		if !page.ValidSize(pageSize) {
			pageSize = defaultPageSize
		}
	}
	if !page.ValidSize(pageSize) {
		return nil, fmt.Errorf("kvstore: unsupported page size %d", pageSize)
	}

	pf, err := pagefile.Open(path, pageSize)
	if err != nil {
		return nil, err
	}

	log := logger.NewLogger(logger.Config{Level: opts.LogLevel})
	met := metrics.NewMetrics()

	d := &Database{
		pf:   pf,
		opts: opts,
		log:  log,
		met:  met,
	}

	if pf.IsNew() {
		d.alloc = alloc.New(pf)
		d.alloc.SetReuseHook(func() { met.PageReusesTotal.Inc() })
		d.free = freelist.New()
		d.txns = txn.New(0)

		h := superblock.Header{
			Version:       superblock.Version,
			PageSizeExp:   uint8(pageSizeExp(pageSize)),
			RegionSize:    uint32(pageSize),
			TxnID:         0,
			Root:          page.Pointer{},
			RegionRoot:    alloc.Root{},
			FreeRoot:      freelist.Root{},
			WriteStrategy: opts.WriteStrategy,
		}
		if err := superblock.CommitTwoPhase(pf, -1, h); err != nil {
			pf.Close()
			return nil, err
		}
		d.primarySlot = 0
		d.header = h
		d.log.LogRecovery(0, 0, false)
		return d, nil
	}

	verify := func(h superblock.Header) error {
		a, err := alloc.Load(pf, h.RegionRoot, h.TxnID)
		if err != nil {
			return err
		}
		if _, err := freelist.Load(pf, h.FreeRoot, h.TxnID); err != nil {
			return err
		}
		return verifyMaster(a.Get, h.Root)
	}

	h, slot, err := superblock.Recover(pf, verify)
	if err != nil {
		pf.Close()
		return nil, err
	}
	if int(h.PageSizeExp) != pageSizeExp(pageSize) {
		pf.Close()
		return nil, fmt.Errorf("kvstore: page size %d does not match the file's stored page size: %w", pageSize, dberr.ErrCorruption)
	}

	a, err := alloc.Load(pf, h.RegionRoot, h.TxnID)
	if err != nil {
		pf.Close()
		return nil, err
	}
	fl, err := freelist.Load(pf, h.FreeRoot, h.TxnID)
	if err != nil {
		pf.Close()
		return nil, err
	}

	a.SetReuseHook(func() { met.PageReusesTotal.Inc() })
	d.alloc = a
	d.free = fl
	d.txns = txn.New(h.TxnID)
	d.primarySlot = slot
	d.header = h
	fellBack := false
	if _, loadedSlot, lerr := superblock.Load(pf); lerr == nil {
		fellBack = loadedSlot != slot
	}
	d.log.LogRecovery(slot, h.TxnID, fellBack)
	return d, nil
}

func reloadAlloc(d *Database, h superblock.Header) (*alloc.Allocator, error) {
	return alloc.Load(d.pf, h.RegionRoot, h.TxnID)
}

func reloadFree(d *Database, h superblock.Header) (*freelist.List, error) {
	return freelist.Load(d.pf, h.FreeRoot, h.TxnID)
}

func pageSizeExp(size int) int {
	exp := 0
	for s := size; s > 1; s >>= 1 {
		exp++
	}
	return exp
}

// Close releases the underlying file. It does not commit or abort any
// transaction still open against this Database; callers must finish
// those first.
func (d *Database) Close() error {
	return d.pf.Close()
}

// Metrics returns the database's private Prometheus registry, for a
// caller that wants to serve /metrics itself.
func (d *Database) Metrics() *metrics.Metrics { return d.met }

func (d *Database) markCorrupted(err error) {
	if err == nil || !errors.Is(err, dberr.ErrCorruption) {
		return
	}
	d.mu.Lock()
	d.corrupted = true
	d.mu.Unlock()
	d.met.ChecksumFailures.Inc()
}

// BeginWrite starts a write transaction. It blocks until any other
// write transaction finishes, and fails immediately with ErrReadOnly
// once the database has latched into read-only mode after a detected
// corruption.
func (d *Database) BeginWrite() (*WriteTxn, error) {
	d.mu.Lock()
	corrupted := d.corrupted
	d.mu.Unlock()
	if corrupted {
		return nil, dberr.ErrReadOnly
	}

	d.txns.BeginWrite()

	d.mu.Lock()
	header := d.header
	d.mu.Unlock()

	wtx := &WriteTxn{
		db:         d,
		txnID:      d.txns.NextTxnID(),
		openTables: make(map[string]*Table),
	}
	wtx.master = btree.New(d.pf.PageSize(), wtx.txnID, header.Root, bytes.Compare,
		wtx.get, wtx.newPage, wtx.writePage, wtx.delPage)
	return wtx, nil
}

// BeginRead starts a read-only snapshot pinned at the most recently
// committed transaction.
func (d *Database) BeginRead() *ReadTxn {
	d.mu.Lock()
	snapshot := d.txns.BeginRead()
	header := d.header
	d.mu.Unlock()

	rtx := &ReadTxn{
		db:         d,
		snapshot:   snapshot,
		masterRoot: header.Root,
		openTables: make(map[string]*ReadOnlyTable),
	}
	return rtx
}

// Package freelist tracks pages freed by committed write transactions
// until no reader snapshot can still see them. Entries are keyed by
// the committing transaction id and released only once pkg/txn reports
// that id as older than every live reader.
package freelist

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/duskdb/internal/dberr"
	"github.com/nainya/duskdb/pkg/checksum"
	"github.com/nainya/duskdb/pkg/page"
	"github.com/nainya/duskdb/pkg/pagefile"
)

// entry is the set of pages a single write transaction freed.
type entry struct {
	txnID uint64
	pages []page.Number
}

// List is the in-memory free-page tracker. It is owned by the single
// writer and rebuilt from its persisted form on open.
type List struct {
	entries []entry
}

// New returns an empty tracker.
func New() *List {
	return &List{}
}

// Push records the pages a write transaction freed, keyed by its
// commit id. Pages in an entry cannot be reused until Reclaim reports
// that commit id has fallen behind every live reader.
func (l *List) Push(txnID uint64, pages []page.Number) {
	if len(pages) == 0 {
		return
	}
	cp := make([]page.Number, len(pages))
	copy(cp, pages)
	l.entries = append(l.entries, entry{txnID: txnID, pages: cp})
}

// Reclaim removes every entry whose committing transaction id is
// strictly older than oldestLiveReader and returns their pages,
// available for the allocator to reuse. Entries are kept in commit
// order, so this is a prefix trim.
//
// A page freed by transaction N is reachable only from snapshots older
// than N, since snapshot N is the tree after N replaced it. Holding back
// the entry at exactly oldestLiveReader as well keeps reuse one
// transaction behind that boundary.
func (l *List) Reclaim(oldestLiveReader uint64) []page.Number {
	var out []page.Number
	i := 0
	for ; i < len(l.entries); i++ {
		if l.entries[i].txnID >= oldestLiveReader {
			break
		}
		out = append(out, l.entries[i].pages...)
	}
	l.entries = l.entries[i:]
	return out
}

// Pending returns the number of free-page entries awaiting reclaim.
func (l *List) Pending() int {
	return len(l.entries)
}

// Encode serializes the tracker: entry count, then per entry
// (txn id, page count, page.Number list).
func (l *List) Encode() []byte {
	size := 4
	for _, e := range l.entries {
		size += 8 + 4 + len(e.pages)*page.Size
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(l.entries)))
	pos := 4
	for _, e := range l.entries {
		binary.LittleEndian.PutUint64(buf[pos:], e.txnID)
		binary.LittleEndian.PutUint32(buf[pos+8:], uint32(len(e.pages)))
		pos += 12
		for _, pn := range e.pages {
			pn.Encode(buf[pos:])
			pos += page.Size
		}
	}
	return buf
}

// Root is the tracker's persisted entry point: a flat pagefile
// pointer (not a page.Number, mirroring pkg/alloc.Root) plus its
// checksum, since the tracker is a flat byte blob spanning as many
// pages as it needs rather than a region-addressed structure.
type Root struct {
	Ptr      uint64
	Checksum uint64
}

// Flush serializes the tracker across as many freshly appended pages
// as it needs and returns the root pointing at the first one.
func (l *List) Flush(pf *pagefile.File, txnID uint64) Root {
	data := l.Encode()
	pageSize := pf.PageSize()

	full := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(full[0:8], uint64(len(data)))
	copy(full[8:], data)

	npages := (len(full) + pageSize - 1) / pageSize
	if npages == 0 {
		npages = 1
	}
	padded := make([]byte, npages*pageSize)
	copy(padded, full)

	var first uint64
	for i := 0; i < npages; i++ {
		ptr := pf.Append(padded[i*pageSize : (i+1)*pageSize])
		if i == 0 {
			first = ptr
		}
	}
	return Root{Ptr: first, Checksum: checksum.Seeded64(txnID, full)}
}

// Load reconstructs a tracker from a previously persisted root,
// validating its checksum against txnID.
func Load(pf *pagefile.File, root Root, txnID uint64) (*List, error) {
	if root.Ptr == 0 && root.Checksum == 0 {
		return New(), nil
	}

	pageSize := pf.PageSize()
	firstPage := pf.ReadPage(root.Ptr)
	length := binary.LittleEndian.Uint64(firstPage[0:8])
	total := 8 + int(length)
	npages := (total + pageSize - 1) / pageSize

	full := make([]byte, 0, npages*pageSize)
	for i := 0; i < npages; i++ {
		full = append(full, pf.ReadPage(root.Ptr+uint64(i))...)
	}
	full = full[:total]

	if checksum.Seeded64(txnID, full) != root.Checksum {
		return nil, fmt.Errorf("freelist: checksum mismatch: %w", dberr.ErrCorruption)
	}
	return Decode(full[8:]), nil
}

// Decode reconstructs a tracker from Encode's output.
func Decode(data []byte) *List {
	l := New()
	if len(data) < 4 {
		return l
	}
	count := binary.LittleEndian.Uint32(data[0:])
	pos := 4
	for i := uint32(0); i < count; i++ {
		txnID := binary.LittleEndian.Uint64(data[pos:])
		n := binary.LittleEndian.Uint32(data[pos+8:])
		pos += 12
		pages := make([]page.Number, n)
		for j := uint32(0); j < n; j++ {
			pages[j] = page.Decode(data[pos:])
			pos += page.Size
		}
		l.entries = append(l.entries, entry{txnID: txnID, pages: pages})
	}
	return l
}

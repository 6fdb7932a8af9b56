// Package alloc implements the region allocator: it partitions the
// paged file into fixed-size regions, each fronted by a metadata page
// holding a bump pointer and a per-order-0 bitmap, and serves
// buddy-style multi-page allocations out of them. Each region tracks
// its own free pages independently via its bitmap plus a bump
// high-water mark, rather than one global free queue.
package alloc

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/duskdb/internal/dberr"
	"github.com/nainya/duskdb/pkg/checksum"
	"github.com/nainya/duskdb/pkg/page"
	"github.com/nainya/duskdb/pkg/pagefile"
)

// regionHeaderBytes is the fixed prefix of a region's metadata page:
// checksum (8), region index (4), bump (4), data-page count (4).
const regionHeaderBytes = 20

// region is the in-memory mirror of one region's metadata page.
type region struct {
	metaPtr uint64 // flat pagefile pointer of the metadata page
	bump    uint32 // next never-allocated data-page index
	bitmap  []byte // 1 bit per data page below bump; 1 = allocated
	dirty   bool
}

// Allocator partitions an underlying pagefile.File into regions and
// serves page.Number allocations out of them.
type Allocator struct {
	pf        *pagefile.File
	dataPages uint32 // data pages per region, derived from page size
	regions   []*region
	hint      uint32 // region to try first, for sibling locality

	onReuse func() // called whenever Allocate satisfies a request from a freed hole instead of the bump pointer
}

// SetReuseHook installs a callback invoked every time Allocate reuses a
// previously freed page instead of extending a region's bump pointer,
// so a caller can track page-reuse metrics without the allocator
// depending on a metrics package directly.
func (a *Allocator) SetReuseHook(fn func()) { a.onReuse = fn }

// dataPagesPerRegion computes how many data pages a region can track
// given one metadata page of the file's page size.
func dataPagesPerRegion(pageSize int) uint32 {
	return uint32(pageSize-regionHeaderBytes) * 8
}

// New creates an allocator with no regions yet; the first Allocate call
// creates region 0.
func New(pf *pagefile.File) *Allocator {
	return &Allocator{pf: pf, dataPages: dataPagesPerRegion(pf.PageSize())}
}

// maxOrder is the largest order whose page count can fit in a single
// region, given the region's data-page budget.
func (a *Allocator) maxOrder() uint8 {
	o := uint8(0)
	for (uint32(1) << (o + 1)) <= a.dataPages {
		o++
	}
	return o
}

// Allocate reserves 2^order contiguous data pages and returns their
// address. It prefers the bump high-water mark, then scans freed holes
// below it, then tries the next region round-robin, then creates a new
// region.
func (a *Allocator) Allocate(order uint8) (page.Number, error) {
	if order > a.maxOrder() {
		return page.Zero, fmt.Errorf("alloc: order %d exceeds region capacity: %w", order, dberr.ErrOutOfSpace)
	}
	count := uint32(1) << order

	n := uint32(len(a.regions))
	for i := uint32(0); i < n; i++ {
		idx := (a.hint + i) % n
		if pn, ok := a.allocateIn(idx, order, count); ok {
			a.hint = idx
			return pn, nil
		}
	}

	idx, err := a.growRegion()
	if err != nil {
		return page.Zero, err
	}
	pn, ok := a.allocateIn(idx, order, count)
	if !ok {
		return page.Zero, fmt.Errorf("alloc: fresh region cannot satisfy order %d: %w", order, dberr.ErrOutOfSpace)
	}
	a.hint = idx
	return pn, nil
}

func (a *Allocator) allocateIn(idx uint32, order uint8, count uint32) (page.Number, bool) {
	r := a.regions[idx]

	if r.bump+count <= a.dataPages {
		start := r.bump
		setRange(r.bitmap, start, count)
		r.bump += count
		r.dirty = true
		return page.Number{Region: idx, Index: start, Order: order}, true
	}

	if start, ok := findFreeRun(r.bitmap, r.bump, count); ok {
		setRange(r.bitmap, start, count)
		r.dirty = true
		if a.onReuse != nil {
			a.onReuse()
		}
		return page.Number{Region: idx, Index: start, Order: order}, true
	}

	return page.Zero, false
}

// Free releases the pages covered by pn back to its region.
func (a *Allocator) Free(pn page.Number) {
	r := a.regions[pn.Region]
	clearRange(r.bitmap, pn.Index, pn.Count())
	r.dirty = true
}

// Get returns the current bytes for pn, concatenating pages if order>0.
func (a *Allocator) Get(pn page.Number) []byte {
	base := a.flatPtr(pn)
	count := pn.Count()
	if count == 1 {
		return a.pf.ReadPage(base)
	}
	out := make([]byte, 0, int(count)*a.pf.PageSize())
	for i := uint32(0); i < count; i++ {
		out = append(out, a.pf.ReadPage(base+uint64(i))...)
	}
	return out
}

// Write stores data (which must span exactly pn.Count() pages) back to
// pn's location.
func (a *Allocator) Write(pn page.Number, data []byte) {
	base := a.flatPtr(pn)
	count := int(pn.Count())
	pageSize := a.pf.PageSize()
	if len(data) != count*pageSize {
		panic("alloc: page data size mismatch")
	}
	for i := 0; i < count; i++ {
		a.pf.Write(base+uint64(i), data[i*pageSize:(i+1)*pageSize])
	}
}

func (a *Allocator) flatPtr(pn page.Number) uint64 {
	r := a.regions[pn.Region]
	return r.metaPtr + 1 + uint64(pn.Index)
}

// growRegion reserves a brand-new region: one metadata page followed by
// dataPages data pages, appended contiguously so flatPtr's fixed-stride
// arithmetic holds for the region's lifetime.
func (a *Allocator) growRegion() (uint32, error) {
	idx := uint32(len(a.regions))
	pageSize := a.pf.PageSize()

	metaPtr := a.pf.Append(make([]byte, pageSize))
	for i := uint32(0); i < a.dataPages; i++ {
		a.pf.Append(make([]byte, pageSize))
	}

	r := &region{
		metaPtr: metaPtr,
		bitmap:  make([]byte, pageSize-regionHeaderBytes),
		dirty:   true,
	}
	if idx == 0 {
		// Region 0 / Index 0 is reserved so that page.Zero (the "no
		// page" sentinel used by empty trees and unset roots) never
		// collides with a real allocation.
		r.bump = 1
		setRange(r.bitmap, 0, 1)
	}
	a.regions = append(a.regions, r)
	return idx, nil
}

// Root is the allocator's persisted entry point: a flat pagefile
// pointer (not a page.Number) plus its checksum. The directory page it
// addresses lists every region's metadata-page location, which is
// exactly the information page.Number addressing would itself need to
// resolve — so, unlike B-tree and free-list roots, the region directory
// is deliberately addressed outside the region scheme it describes,
// to avoid a chicken-and-egg resolution dependency on itself.
type Root struct {
	Ptr      uint64
	Checksum uint64
}

// Flush persists every dirty region's metadata page in place (region
// bookkeeping is single-writer state, not a reader-visible snapshot, so
// it does not need copy-on-write the way B-tree nodes do) and appends a
// fresh directory page recording where every region's metadata page
// lives, checksum-seeded by txnID.
func (a *Allocator) Flush(txnID uint64) Root {
	for idx, r := range a.regions {
		if !r.dirty {
			continue
		}
		buf := make([]byte, a.pf.PageSize())
		binary.LittleEndian.PutUint32(buf[8:], uint32(idx))
		binary.LittleEndian.PutUint32(buf[12:], r.bump)
		binary.LittleEndian.PutUint32(buf[16:], a.dataPages)
		copy(buf[regionHeaderBytes:], r.bitmap)
		sum := checksum.Seeded64(txnID, buf[8:])
		binary.LittleEndian.PutUint64(buf[0:], sum)
		a.pf.Write(r.metaPtr, buf)
		r.dirty = false
	}

	dir := a.encodeDirectory()
	ptr := a.pf.Append(padTo(dir, a.pf.PageSize()))
	sum := checksum.Seeded64(txnID, dir)
	return Root{Ptr: ptr, Checksum: sum}
}

func (a *Allocator) encodeDirectory() []byte {
	buf := make([]byte, 4+8*len(a.regions))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(a.regions)))
	for i, r := range a.regions {
		binary.LittleEndian.PutUint64(buf[4+i*8:], r.metaPtr)
	}
	return buf
}

func padTo(data []byte, size int) []byte {
	if len(data) >= size {
		return data[:size]
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}

// Load reconstructs an allocator from a previously persisted directory
// root, validating its checksum and every region metadata page's own
// checksum against txnID.
func Load(pf *pagefile.File, root Root, txnID uint64) (*Allocator, error) {
	a := New(pf)
	if root.Ptr == 0 && root.Checksum == 0 {
		return a, nil
	}

	full := pf.ReadPage(root.Ptr)
	dir := full[:4+8*int(binary.LittleEndian.Uint32(full[0:]))]
	if checksum.Seeded64(txnID, dir) != root.Checksum {
		return nil, fmt.Errorf("alloc: region directory checksum mismatch: %w", dberr.ErrCorruption)
	}

	count := binary.LittleEndian.Uint32(dir[0:])
	a.regions = make([]*region, count)
	for i := uint32(0); i < count; i++ {
		metaPtr := binary.LittleEndian.Uint64(dir[4+i*8:])
		buf := pf.ReadPage(metaPtr)
		sum := binary.LittleEndian.Uint64(buf[0:])
		if checksum.Seeded64(txnID, buf[8:]) != sum {
			return nil, fmt.Errorf("alloc: region %d checksum mismatch: %w", i, dberr.ErrCorruption)
		}
		bump := binary.LittleEndian.Uint32(buf[12:])
		bitmap := make([]byte, len(buf)-regionHeaderBytes)
		copy(bitmap, buf[regionHeaderBytes:])
		a.regions[i] = &region{metaPtr: metaPtr, bump: bump, bitmap: bitmap}
	}
	return a, nil
}

// Package pagefile implements the paged file backend: it maps the
// database file into memory, exposes fixed-size pages addressed by a
// flat page index, tracks pages written since the last flush, and
// issues the flush/fsync calls a commit needs.
//
// Only the OS-specific primitives the stdlib doesn't offer portably —
// mmap, munmap and preallocation — live in the per-platform files
// (mmap_unix.go / mmap_darwin.go / mmap_windows.go).
package pagefile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nainya/duskdb/internal/dberr"
)

// initialMmapSize is the starting mmap window for a freshly created
// file.
const initialMmapSize = 64 << 20

// File is the paged-file backend. It owns the memory mapping and the
// in-memory staging area for pages written since the last flush.
type File struct {
	path     string
	file     *os.File
	pageSize int

	mmapTotal  int
	mmapChunks [][]byte

	flushed uint64            // pages durably present on disk (beyond the two header pages)
	temp    [][]byte          // freshly appended pages, pending flush
	updates map[uint64]int    // ptr -> index into temp for in-place updates to not-yet-flushed pages
	written map[uint64][]byte // ptr -> page for already-flushed pages overwritten pre-commit

	// refs guards the "mutable and immutable views must not coexist"
	// safety contract. It is deliberately coarse: the transaction
	// manager serializes writers, so only reader refcounts need to be
	// precise.
	refs map[uint64]int
}

// Open creates or opens the paged file at path with the given page
// size.
func Open(path string, pageSize int) (*File, error) {
	file, err := createFileSync(path)
	if err != nil {
		return nil, fmt.Errorf("pagefile: open %s: %w: %w", path, dberr.ErrIO, err)
	}

	f := &File{
		path:     path,
		file:     file,
		pageSize: pageSize,
		updates:  make(map[uint64]int),
		written:  make(map[uint64][]byte),
		refs:     make(map[uint64]int),
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("pagefile: stat %s: %w: %w", path, dberr.ErrIO, err)
	}
	size := fi.Size()

	mapSize := initialMmapSize
	if size > int64(mapSize) {
		mapSize = int(size)
	}
	if size > 0 {
		chunk, err := mmapFile(file.Fd(), 0, mapSize)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("pagefile: mmap %s: %w: %w", path, dberr.ErrIO, err)
		}
		f.mmapTotal = mapSize
		f.mmapChunks = append(f.mmapChunks, chunk)
		f.flushed = uint64(size)/uint64(pageSize) - 2
	}

	return f, nil
}

// IsNew reports whether the underlying file was empty at Open time.
func (f *File) IsNew() bool { return len(f.mmapChunks) == 0 }

// PageSize returns the configured page size.
func (f *File) PageSize() int { return f.pageSize }

// Size returns the database file's current logical size in bytes: the
// two header slots plus every page flushed so far. It does not count
// pages still staged in temp, since those aren't durable until the next
// Flush.
func (f *File) Size() int64 {
	return f.dataOffset(f.flushed)
}

// Close unmaps the file and closes the descriptor.
func (f *File) Close() error {
	for _, chunk := range f.mmapChunks {
		if err := unmapFile(chunk); err != nil {
			return fmt.Errorf("pagefile: munmap: %w: %w", dberr.ErrIO, err)
		}
	}
	return f.file.Close()
}

// ReadPage returns an immutable view of the page at ptr. The returned
// slice must not be retained past the next call that mutates the page
// (Write/Append); callers that need a longer-lived immutable view
// should call Pin/Unpin around it.
func (f *File) ReadPage(ptr uint64) []byte {
	if idx, ok := f.updates[ptr]; ok {
		return f.temp[idx]
	}
	if page, ok := f.written[ptr]; ok {
		return page
	}
	if ptr < f.flushed {
		return f.mmapPage(ptr)
	}
	panic(fmt.Sprintf("pagefile: read of unallocated page %d (flushed=%d)", ptr, f.flushed))
}

func (f *File) mmapPage(ptr uint64) []byte {
	abs := ptr + 2 // the mapping starts at the two header slots
	start := uint64(0)
	for _, chunk := range f.mmapChunks {
		end := start + uint64(len(chunk))/uint64(f.pageSize)
		if abs < end {
			offset := uint64(f.pageSize) * (abs - start)
			return chunk[offset : offset+uint64(f.pageSize)]
		}
		start = end
	}
	panic(fmt.Sprintf("pagefile: page %d not covered by any mmap chunk", ptr))
}

// Pin increments the reader refcount on ptr. Pin/Unpin calls must be
// balanced; they exist so a long-lived iterator can assert no concurrent
// writer clobbers a page out from under it (writers in this engine never
// mutate a page another snapshot can see, so this is an assertion, not
// an OS-level lock).
func (f *File) Pin(ptr uint64) { f.refs[ptr]++ }

// Unpin decrements the reader refcount on ptr.
func (f *File) Unpin(ptr uint64) {
	if f.refs[ptr] <= 0 {
		panic(fmt.Sprintf("pagefile: Unpin of page %d with no outstanding Pin", ptr))
	}
	f.refs[ptr]--
}

// Append stages a brand-new page past the currently flushed frontier
// and returns its page index.
func (f *File) Append(data []byte) uint64 {
	if len(data) != f.pageSize {
		panic("pagefile: page size mismatch")
	}
	ptr := f.flushed + uint64(len(f.temp))
	f.updates[ptr] = len(f.temp)
	f.temp = append(f.temp, data)
	return ptr
}

// Write stages an in-place overwrite of a page. If ptr was appended
// earlier in this same not-yet-flushed transaction, the pending temp
// slot is updated directly (this is how the region allocator fills a
// page it reserved with Append before the page had real content).
// Otherwise the page was already flushed to disk on a prior commit, so
// the overwrite is staged in written and applied at the next Flush.
func (f *File) Write(ptr uint64, data []byte) {
	if len(data) != f.pageSize {
		panic("pagefile: page size mismatch")
	}
	if f.refs[ptr] > 0 {
		panic(fmt.Sprintf("pagefile: write to page %d while it is pinned", ptr))
	}
	if idx, ok := f.updates[ptr]; ok {
		f.temp[idx] = data
		return
	}
	f.written[ptr] = data
}

// DiscardPending drops every staged page, used on abort.
func (f *File) DiscardPending() {
	f.temp = f.temp[:0]
	f.updates = make(map[uint64]int)
	f.written = make(map[uint64][]byte)
}

// Flush writes every staged page to disk and fsyncs the data region
// (not the header slots).
func (f *File) Flush() error {
	for ptr, page := range f.written {
		if _, err := f.file.WriteAt(page, f.dataOffset(ptr)); err != nil {
			return fmt.Errorf("pagefile: write page %d: %w: %w", ptr, dberr.ErrIO, err)
		}
	}
	f.written = make(map[uint64][]byte)

	if len(f.temp) == 0 {
		return f.file.Sync()
	}

	needed := int(f.flushed+uint64(len(f.temp)))*f.pageSize + 2*f.pageSize
	if err := f.growTo(needed); err != nil {
		return err
	}

	offset := f.dataOffset(f.flushed)
	for _, page := range f.temp {
		if _, err := f.file.WriteAt(page, offset); err != nil {
			return fmt.Errorf("pagefile: append page: %w: %w", dberr.ErrIO, err)
		}
		offset += int64(f.pageSize)
	}

	f.flushed += uint64(len(f.temp))
	f.temp = f.temp[:0]
	f.updates = make(map[uint64]int)

	return f.file.Sync()
}

// dataOffset converts a data-page index into a byte offset, skipping
// the two header slots at the start of the file.
func (f *File) dataOffset(ptr uint64) int64 {
	return 2*int64(f.pageSize) + int64(ptr)*int64(f.pageSize)
}

// WriteHeaderSlot writes one of the two fixed header slots (0 or 1).
// Callers fsync via SyncHeader afterward, keeping the write and the
// fsync as two explicit steps.
func (f *File) WriteHeaderSlot(slot int, data []byte) error {
	if slot != 0 && slot != 1 {
		panic("pagefile: invalid header slot")
	}
	if len(data) > f.pageSize {
		panic("pagefile: header slot overflow")
	}
	if _, err := f.file.WriteAt(data, int64(slot)*int64(f.pageSize)); err != nil {
		return fmt.Errorf("pagefile: write header slot %d: %w: %w", slot, dberr.ErrIO, err)
	}
	return nil
}

// SyncHeader fsyncs the first two pages (the header slots) to disk.
func (f *File) SyncHeader() error {
	return f.file.Sync()
}

// ReadHeaderSlot returns a fresh read of header slot 0 or 1 directly
// from the file (bypassing the mmap, since header slots are small and
// read only at Open/commit time).
func (f *File) ReadHeaderSlot(slot int) ([]byte, error) {
	if slot != 0 && slot != 1 {
		panic("pagefile: invalid header slot")
	}
	buf := make([]byte, f.pageSize)
	n, err := f.file.ReadAt(buf, int64(slot)*int64(f.pageSize))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("pagefile: read header slot %d: %w: %w", slot, dberr.ErrIO, err)
	}
	return buf[:n], nil
}

// growTo extends the file and remaps if size exceeds the current
// mapping, doubling the allocation each time it isn't enough.
func (f *File) growTo(size int) error {
	if size <= f.mmapTotal {
		return nil
	}

	alloc := f.mmapTotal
	if alloc < initialMmapSize {
		alloc = initialMmapSize
	}
	for f.mmapTotal+alloc < size {
		alloc *= 2
	}

	if err := fallocateFile(f.file.Fd(), int64(f.mmapTotal), int64(alloc)); err != nil {
		return fmt.Errorf("pagefile: grow file: %w: %w", dberr.ErrIO, err)
	}

	chunk, err := mmapFile(f.file.Fd(), int64(f.mmapTotal), alloc)
	if err != nil {
		return fmt.Errorf("pagefile: mmap growth: %w: %w", dberr.ErrIO, err)
	}

	f.mmapTotal += alloc
	f.mmapChunks = append(f.mmapChunks, chunk)
	return nil
}

// createFileSync creates/opens the file and fsyncs its parent directory
// so the directory entry itself is durable.
func createFileSync(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("fsync directory: %w", err)
	}

	return file, nil
}

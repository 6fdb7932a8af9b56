// Package superblock implements the two-header-slot file format and
// both commit protocols: a write transaction commits by writing a new
// header into whichever of the two fixed slots is not currently
// primary, so the previous durable state survives a torn write to the
// slot being updated.
package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/duskdb/internal/dberr"
	"github.com/nainya/duskdb/pkg/alloc"
	"github.com/nainya/duskdb/pkg/checksum"
	"github.com/nainya/duskdb/pkg/freelist"
	"github.com/nainya/duskdb/pkg/page"
	"github.com/nainya/duskdb/pkg/pagefile"
)

// Magic identifies a DuskDB file.
var Magic = [8]byte{'D', 'u', 's', 'k', 'D', 'B', '0', '1'}

const Version = 1

// WriteStrategy selects the commit protocol a write transaction uses.
type WriteStrategy uint8

const (
	// TwoPhase flushes data, writes the secondary slot with its
	// god-byte cleared, fsyncs, then sets the god-byte and fsyncs
	// again, so a crash between the two fsyncs never leaves a slot
	// that looks valid but wasn't fully written.
	TwoPhase WriteStrategy = 0

	// Checksum performs one batched write and one fsync; recovery
	// validates the candidate header's reachable roots instead of
	// relying on a second fsync for torn-write detection.
	Checksum WriteStrategy = 1
)

func (s WriteStrategy) String() string {
	if s == Checksum {
		return "checksum"
	}
	return "two-phase"
}

const (
	godInvalid = 0
	godValid   = 1
)

// Header is the decoded contents of one header slot.
type Header struct {
	Version       uint8
	PageSizeExp   uint8 // page size = 1 << PageSizeExp
	RegionSize    uint32
	PrimaryBit    uint8
	GodByte       uint8
	TxnID         uint64
	Root          page.Pointer // table-of-tables root
	RegionRoot    alloc.Root
	FreeRoot      freelist.Root
	WriteStrategy WriteStrategy
}

// encodedSize is the fixed width of a header slot's meaningful bytes,
// not counting the zero-padding out to the page size.
const encodedSize = 8 + 1 + 1 + 4 + 1 + 1 + 8 + page.PointerSize + 16 + 16 + 1 + 4

func (h Header) encode(buf []byte) {
	_ = buf[:encodedSize]
	copy(buf[0:8], Magic[:])
	buf[8] = h.Version
	buf[9] = h.PageSizeExp
	binary.LittleEndian.PutUint32(buf[10:14], h.RegionSize)
	buf[14] = h.PrimaryBit
	buf[15] = h.GodByte
	binary.LittleEndian.PutUint64(buf[16:24], h.TxnID)
	pos := 24
	h.Root.Encode(buf[pos : pos+page.PointerSize])
	pos += page.PointerSize
	binary.LittleEndian.PutUint64(buf[pos:], h.RegionRoot.Ptr)
	binary.LittleEndian.PutUint64(buf[pos+8:], h.RegionRoot.Checksum)
	pos += 16
	binary.LittleEndian.PutUint64(buf[pos:], h.FreeRoot.Ptr)
	binary.LittleEndian.PutUint64(buf[pos+8:], h.FreeRoot.Checksum)
	pos += 16
	buf[pos] = uint8(h.WriteStrategy)
	pos++
	crc := checksum.CRC32(buf[:pos])
	binary.LittleEndian.PutUint32(buf[pos:pos+4], crc)
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < encodedSize {
		return Header{}, fmt.Errorf("superblock: short header slot: %w", dberr.ErrCorruption)
	}
	if string(buf[0:8]) != string(Magic[:]) {
		return Header{}, fmt.Errorf("superblock: bad magic: %w", dberr.ErrCorruption)
	}

	var h Header
	h.Version = buf[8]
	h.PageSizeExp = buf[9]
	h.RegionSize = binary.LittleEndian.Uint32(buf[10:14])
	h.PrimaryBit = buf[14]
	h.GodByte = buf[15]
	h.TxnID = binary.LittleEndian.Uint64(buf[16:24])
	pos := 24
	h.Root = page.DecodePointer(buf[pos : pos+page.PointerSize])
	pos += page.PointerSize
	h.RegionRoot = alloc.Root{
		Ptr:      binary.LittleEndian.Uint64(buf[pos:]),
		Checksum: binary.LittleEndian.Uint64(buf[pos+8:]),
	}
	pos += 16
	h.FreeRoot = freelist.Root{
		Ptr:      binary.LittleEndian.Uint64(buf[pos:]),
		Checksum: binary.LittleEndian.Uint64(buf[pos+8:]),
	}
	pos += 16
	h.WriteStrategy = WriteStrategy(buf[pos])
	pos++

	wantCRC := binary.LittleEndian.Uint32(buf[pos : pos+4])
	gotCRC := checksum.CRC32(buf[:pos])
	if wantCRC != gotCRC {
		return Header{}, fmt.Errorf("superblock: header CRC mismatch: %w", dberr.ErrCorruption)
	}
	return h, nil
}

func (h Header) valid() bool { return h.GodByte == godValid }

// Load reads both header slots and selects the primary: the valid slot
// with the higher transaction id. A slot that fails to decode (bad
// magic/CRC) or whose god-byte marks it invalid is skipped. Returns
// dberr.ErrCorruption if neither slot is usable.
func Load(pf *pagefile.File) (Header, int, error) {
	var headers [2]Header
	var ok [2]bool

	for slot := 0; slot < 2; slot++ {
		raw, err := pf.ReadHeaderSlot(slot)
		if err != nil {
			continue
		}
		h, err := decodeHeader(raw)
		if err != nil || !h.valid() {
			continue
		}
		headers[slot] = h
		ok[slot] = true
	}

	switch {
	case ok[0] && ok[1]:
		if headers[1].TxnID > headers[0].TxnID {
			return headers[1], 1, nil
		}
		return headers[0], 0, nil
	case ok[0]:
		return headers[0], 0, nil
	case ok[1]:
		return headers[1], 1, nil
	default:
		return Header{}, -1, fmt.Errorf("superblock: no valid header slot: %w", dberr.ErrCorruption)
	}
}

// CommitTwoPhase writes next into the slot opposite primarySlot using
// the two-phase protocol: the god-byte is written invalid first and
// fsynced, so a crash mid-write leaves the previous primary intact,
// then the slot is rewritten with the god-byte valid and fsynced
// again.
func CommitTwoPhase(pf *pagefile.File, primarySlot int, next Header) error {
	target := 1 - primarySlot
	if primarySlot < 0 {
		target = 0
	}

	pending := next
	pending.GodByte = godInvalid
	if err := writeSlot(pf, target, pending); err != nil {
		return err
	}
	if err := pf.SyncHeader(); err != nil {
		return fmt.Errorf("superblock: fsync pending header: %w: %w", dberr.ErrIO, err)
	}

	next.GodByte = godValid
	if err := writeSlot(pf, target, next); err != nil {
		return err
	}
	return syncOrWrap(pf)
}

// CommitChecksum writes next into the opposite slot in a single pass
// and fsyncs once; torn-write detection relies on verify re-validating
// the reachable roots on the next open rather than a second fsync.
func CommitChecksum(pf *pagefile.File, primarySlot int, next Header) error {
	target := 1 - primarySlot
	if primarySlot < 0 {
		target = 0
	}
	next.GodByte = godValid
	if err := writeSlot(pf, target, next); err != nil {
		return err
	}
	return syncOrWrap(pf)
}

func writeSlot(pf *pagefile.File, slot int, h Header) error {
	buf := make([]byte, pf.PageSize())
	h.encode(buf)
	return pf.WriteHeaderSlot(slot, buf)
}

func syncOrWrap(pf *pagefile.File) error {
	if err := pf.SyncHeader(); err != nil {
		return fmt.Errorf("superblock: fsync header: %w: %w", dberr.ErrIO, err)
	}
	return nil
}

// Recover loads the primary header and, if its write strategy is
// Checksum, asks verify to validate every page the header claims is
// reachable (the table-of-tables root and, transitively, each table's
// root). A verification failure falls back to the other slot if it is
// itself valid and, when that slot was also committed under Checksum,
// passes verify (a TwoPhase fallback slot is not verified); otherwise it
// surfaces ErrCorruption.
func Recover(pf *pagefile.File, verify func(Header) error) (Header, int, error) {
	primary, slot, err := Load(pf)
	if err != nil {
		return Header{}, -1, err
	}
	if primary.WriteStrategy != Checksum || verify == nil {
		return primary, slot, nil
	}
	if err := verify(primary); err == nil {
		return primary, slot, nil
	}

	other := 1 - slot
	raw, err := pf.ReadHeaderSlot(other)
	if err != nil {
		return Header{}, -1, fmt.Errorf("superblock: primary failed verification and no fallback slot: %w", dberr.ErrCorruption)
	}
	fallback, err := decodeHeader(raw)
	if err != nil || !fallback.valid() {
		return Header{}, -1, fmt.Errorf("superblock: primary failed verification and fallback slot is invalid: %w", dberr.ErrCorruption)
	}
	if fallback.WriteStrategy == Checksum {
		if err := verify(fallback); err != nil {
			return Header{}, -1, fmt.Errorf("superblock: both header slots failed verification: %w", dberr.ErrCorruption)
		}
	}
	return fallback, other, nil
}

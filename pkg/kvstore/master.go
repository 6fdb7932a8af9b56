package kvstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nainya/duskdb/internal/dberr"
	"github.com/nainya/duskdb/pkg/btree"
	"github.com/nainya/duskdb/pkg/page"
)

// tableEntry is the table-of-tables master B-tree's value for one table
// name: where its own B-tree root is, the type names it was opened
// with (enforced against mismatched reopens), and a running row count
// so Table.Len is O(1).
type tableEntry struct {
	Root        page.Pointer
	KeyType     TypeName
	ValType     TypeName
	Count       int64
	EmptyKeySet bool // whether the caller has explicitly inserted the zero-length key
}

func encodeTableEntry(e tableEntry) []byte {
	kt, vt := []byte(e.KeyType), []byte(e.ValType)
	buf := make([]byte, page.PointerSize+8+1+2+len(kt)+2+len(vt))
	e.Root.Encode(buf[:page.PointerSize])
	pos := page.PointerSize
	binary.LittleEndian.PutUint64(buf[pos:], uint64(e.Count))
	pos += 8
	if e.EmptyKeySet {
		buf[pos] = 1
	}
	pos++
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(kt)))
	pos += 2
	copy(buf[pos:], kt)
	pos += len(kt)
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(vt)))
	pos += 2
	copy(buf[pos:], vt)
	return buf
}

func decodeTableEntry(buf []byte) (tableEntry, error) {
	if len(buf) < page.PointerSize+8+1+2 {
		return tableEntry{}, fmt.Errorf("kvstore: truncated table entry: %w", dberr.ErrCorruption)
	}
	var e tableEntry
	e.Root = page.DecodePointer(buf[:page.PointerSize])
	pos := page.PointerSize
	e.Count = int64(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8
	e.EmptyKeySet = buf[pos] != 0
	pos++

	ktLen := int(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2
	if pos+ktLen+2 > len(buf) {
		return tableEntry{}, fmt.Errorf("kvstore: truncated table entry key type: %w", dberr.ErrCorruption)
	}
	e.KeyType = TypeName(buf[pos : pos+ktLen])
	pos += ktLen

	vtLen := int(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2
	if pos+vtLen > len(buf) {
		return tableEntry{}, fmt.Errorf("kvstore: truncated table entry value type: %w", dberr.ErrCorruption)
	}
	e.ValType = TypeName(buf[pos : pos+vtLen])

	return e, nil
}

// verifyMaster walks the table-of-tables tree rooted at masterRoot and,
// for every table it names, walks that table's own tree too — the
// reachability check recovery runs before trusting a header committed
// under the Checksum write strategy.
func verifyMaster(get func(page.Number) []byte, masterRoot page.Pointer) error {
	if err := btree.VerifyReachable(get, masterRoot); err != nil {
		return err
	}
	if masterRoot.Num.IsZero() {
		return nil
	}

	tree := btree.New(0, 0, masterRoot, bytes.Compare, get, nil, nil, nil)
	var walkErr error
	err := tree.Scan(nil, func(key, val []byte) bool {
		if len(key) == 0 {
			return true // the tree's always-present minimum-key slot, not a table entry
		}
		entry, err := decodeTableEntry(val)
		if err != nil {
			walkErr = err
			return false
		}
		if err := btree.VerifyReachable(get, entry.Root); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return walkErr
}

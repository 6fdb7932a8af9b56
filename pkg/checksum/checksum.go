// Package checksum centralizes the two integrity checks the file format
// relies on: a fast 64-bit hash seeded by the writing transaction id for
// B-tree nodes and free-list/region-metadata pages, and a CRC32 for the
// two superblock header slots.
package checksum

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// Seeded64 computes hash(txnID || data), the checksum every written
// B-tree node (and every free-list / region-metadata page) carries.
func Seeded64(txnID uint64, data []byte) uint64 {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], txnID)

	h := xxhash.New()
	h.Write(seed[:])
	h.Write(data)
	return h.Sum64()
}

// CRC32 computes the IEEE CRC32 used to validate a superblock header
// slot's fixed-size fields.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

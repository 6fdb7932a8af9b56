// ABOUTME: Order-preserving encoding for composite (tuple) keys
// ABOUTME: Supports multiple field types with lexicographic ordering

package kvstore

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Field type tags for composite keys.
const (
	FieldBytes uint8 = 1
	FieldInt64 uint8 = 2
	FieldUint64 uint8 = 3
	FieldTime  uint8 = 4 // stored as an int64 Unix timestamp
)

// Field is a single component of a composite tuple key.
type Field struct {
	Type uint8
	Str  []byte
	I64  int64
	U64  uint64
	Time time.Time
}

// BytesField builds a bytes field.
func BytesField(data []byte) Field { return Field{Type: FieldBytes, Str: data} }

// Int64Field builds a signed integer field.
func Int64Field(i int64) Field { return Field{Type: FieldInt64, I64: i} }

// Uint64Field builds an unsigned integer field.
func Uint64Field(u uint64) Field { return Field{Type: FieldUint64, U64: u} }

// TimeField builds a timestamp field.
func TimeField(t time.Time) Field { return Field{Type: FieldTime, Time: t} }

// EncodeTuple encodes a sequence of fields into a byte string: every
// field is type-tagged so fixed-width numeric encodings never collide
// with a byte string's escape scheme. Tuple tables order keys with
// compareTuple, which compares decoded fields; the raw encoded bytes
// sort the same way only when no byte-string field holds an escaped byte.
func EncodeTuple(fields []Field) []byte {
	out := make([]byte, 0, 64)
	for _, f := range fields {
		out = append(out, f.Type)

		switch f.Type {
		case FieldInt64:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(f.I64)+(1<<63))
			out = append(out, buf[:]...)

		case FieldUint64:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], f.U64)
			out = append(out, buf[:]...)

		case FieldTime:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(f.Time.Unix())+(1<<63))
			out = append(out, buf[:]...)

		case FieldBytes:
			out = append(out, escapeTuple(f.Str)...)
			out = append(out, 0)

		default:
			panic(fmt.Sprintf("kvstore: unknown tuple field type %d", f.Type))
		}
	}
	return out
}

// escapeTuple escapes 0x00, 0xFF and the escape marker 0xFE itself
// (each written as 0xFE followed by the byte) so a byte-string field can
// embed any of them without being mistaken for its own null terminator
// or a following field's type tag.
func escapeTuple(s []byte) []byte {
	escapes := 0
	for _, b := range s {
		if b == 0 || b == 0xFE || b == 0xFF {
			escapes++
		}
	}
	if escapes == 0 {
		return s
	}

	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		switch b {
		case 0:
			out = append(out, 0xFE, 0x00)
		case 0xFE:
			out = append(out, 0xFE, 0xFE)
		case 0xFF:
			out = append(out, 0xFE, 0xFF)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescapeTuple(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0xFE && i+1 < len(s) {
			out = append(out, s[i+1])
			i++
		} else {
			out = append(out, s[i])
		}
	}
	return out
}

// DecodeTuple reverses EncodeTuple.
func DecodeTuple(data []byte) ([]Field, error) {
	fields := make([]Field, 0, 4)
	pos := 0

	for pos < len(data) {
		typ := data[pos]
		pos++

		switch typ {
		case FieldInt64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("kvstore: incomplete int64 field at byte %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			fields = append(fields, Int64Field(int64(u-(1<<63))))
			pos += 8

		case FieldUint64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("kvstore: incomplete uint64 field at byte %d", pos)
			}
			fields = append(fields, Uint64Field(binary.BigEndian.Uint64(data[pos:pos+8])))
			pos += 8

		case FieldTime:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("kvstore: incomplete time field at byte %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			fields = append(fields, TimeField(time.Unix(int64(u-(1<<63)), 0)))
			pos += 8

		case FieldBytes:
			end := pos
			for end < len(data) && data[end] != 0 {
				if data[end] == 0xFE {
					end++ // skip the escaped byte that follows
				}
				end++
			}
			if end >= len(data) {
				return nil, fmt.Errorf("kvstore: unterminated bytes field at byte %d", pos)
			}
			fields = append(fields, BytesField(unescapeTuple(data[pos:end])))
			pos = end + 1

		default:
			return nil, fmt.Errorf("kvstore: unknown tuple field type %d at byte %d", typ, pos-1)
		}
	}

	return fields, nil
}

// compareTuple orders two encoded tuples by comparing their decoded
// fields component by component, returning the first non-equal result.
// Malformed input (which Insert/Get never produce, since both sides of
// every comparison passed to the tree went through EncodeTuple) sorts
// before well-formed input rather than panicking.
func compareTuple(a, b []byte) int {
	fa, errA := DecodeTuple(a)
	fb, errB := DecodeTuple(b)
	if errA != nil || errB != nil {
		switch {
		case errA != nil && errB != nil:
			return 0
		case errA != nil:
			return -1
		default:
			return 1
		}
	}

	n := len(fa)
	if len(fb) < n {
		n = len(fb)
	}
	for i := 0; i < n; i++ {
		if c := compareField(fa[i], fb[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(fa) < len(fb):
		return -1
	case len(fa) > len(fb):
		return 1
	default:
		return 0
	}
}

func compareField(x, y Field) int {
	switch {
	case x.Type < y.Type:
		return -1
	case x.Type > y.Type:
		return 1
	}

	switch x.Type {
	case FieldInt64:
		switch {
		case x.I64 < y.I64:
			return -1
		case x.I64 > y.I64:
			return 1
		default:
			return 0
		}
	case FieldUint64:
		switch {
		case x.U64 < y.U64:
			return -1
		case x.U64 > y.U64:
			return 1
		default:
			return 0
		}
	case FieldTime:
		switch {
		case x.Time.Before(y.Time):
			return -1
		case x.Time.After(y.Time):
			return 1
		default:
			return 0
		}
	case FieldBytes:
		return bytesCompare(x.Str, y.Str)
	default:
		return 0
	}
}

func bytesCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

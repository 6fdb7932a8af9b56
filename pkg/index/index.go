// Package index is an optional secondary-index layer built entirely on
// top of the public pkg/kvstore API: a Manager opens a primary table
// plus one table per declared index and keeps them consistent on every
// Set/Delete. It never reaches into pkg/btree or pkg/txn directly, so a
// caller could delete this package without touching the store's
// durability guarantees at all.
package index

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/nainya/duskdb/pkg/kvstore"
)

// Def declares one secondary index: Columns names, in order, the
// record fields that make up the index key. The primary key is always
// appended after Columns to keep index entries unique even when two
// records share the same indexed columns; no prefix byte is needed
// since each index already lives in its own kvstore.Table.
type Def struct {
	Name    string
	Columns []string
}

// Record is a named set of fields.
type Record map[string]kvstore.Field

// Manager opens a primary table and its secondary indexes within a
// single WriteTxn and keeps them consistent on every Set/Delete.
type Manager struct {
	primary *kvstore.Table
	indexes map[string]*kvstore.Table
	defs    map[string]Def
}

// Open opens primaryTable (keyed by a tuple primary key) plus one table
// per Def, within wtx. Column lists are not persisted: every table is
// opened as TypeTuple/TypeBytes, so reopening the same tables with a
// different column list is not detected, neither by the underlying
// OpenTable calls nor here.
func Open(wtx *kvstore.WriteTxn, primaryTable string, defs []Def) (*Manager, error) {
	primary, err := wtx.OpenTable(primaryTable, kvstore.TypeTuple, kvstore.TypeBytes)
	if err != nil {
		return nil, fmt.Errorf("index: opening primary table %q: %w", primaryTable, err)
	}

	m := &Manager{
		primary: primary,
		indexes: make(map[string]*kvstore.Table, len(defs)),
		defs:    make(map[string]Def, len(defs)),
	}
	for _, d := range defs {
		if _, dup := m.defs[d.Name]; dup {
			return nil, fmt.Errorf("index: index %q declared twice for table %q", d.Name, primaryTable)
		}
		idx, err := wtx.OpenTable(indexTableName(primaryTable, d.Name), kvstore.TypeTuple, kvstore.TypeBytes)
		if err != nil {
			return nil, fmt.Errorf("index: opening index %q: %w", d.Name, err)
		}
		m.indexes[d.Name] = idx
		m.defs[d.Name] = d
	}
	return m, nil
}

func indexTableName(primaryTable, indexName string) string {
	return primaryTable + "$index$" + indexName
}

// Set inserts or updates primaryKey's record, deleting and
// re-inserting any secondary index entry whose key actually changed.
func (m *Manager) Set(primaryKey []kvstore.Field, record Record) error {
	pk := kvstore.EncodeTuple(primaryKey)

	oldVal, existed, err := m.primary.Get(pk)
	if err != nil {
		return err
	}
	var oldRecord Record
	if existed {
		oldRecord, err = decodeRecord(oldVal)
		if err != nil {
			return fmt.Errorf("index: decoding existing record: %w", err)
		}
	}

	if _, _, err := m.primary.Insert(pk, encodeRecord(record)); err != nil {
		return err
	}

	for name, def := range m.defs {
		idx := m.indexes[name]
		newKey := indexKey(def, record, primaryKey)
		if existed {
			oldKey := indexKey(def, oldRecord, primaryKey)
			if bytes.Equal(oldKey, newKey) {
				continue
			}
			if _, _, err := idx.Remove(oldKey); err != nil {
				return err
			}
		}
		if _, _, err := idx.Insert(newKey, nil); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves primaryKey's record.
func (m *Manager) Get(primaryKey []kvstore.Field) (Record, bool, error) {
	val, found, err := m.primary.Get(kvstore.EncodeTuple(primaryKey))
	if err != nil || !found {
		return nil, found, err
	}
	rec, err := decodeRecord(val)
	return rec, true, err
}

// Delete removes primaryKey's record and every secondary index entry
// derived from it.
func (m *Manager) Delete(primaryKey []kvstore.Field) (bool, error) {
	pk := kvstore.EncodeTuple(primaryKey)
	oldVal, existed, err := m.primary.Remove(pk)
	if err != nil || !existed {
		return existed, err
	}
	oldRecord, err := decodeRecord(oldVal)
	if err != nil {
		return false, fmt.Errorf("index: decoding removed record: %w", err)
	}
	for name, def := range m.defs {
		if _, _, err := m.indexes[name].Remove(indexKey(def, oldRecord, primaryKey)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ScanIndex walks indexName in key order from start (inclusive),
// resolving each entry back to its full primary record. callback
// returning false stops the scan early.
func (m *Manager) ScanIndex(indexName string, start []kvstore.Field, callback func(primaryKey []kvstore.Field, record Record) bool) error {
	def, ok := m.defs[indexName]
	if !ok {
		return fmt.Errorf("index: index %q not found", indexName)
	}
	idx := m.indexes[indexName]

	var startKey []byte
	if start != nil {
		startKey = kvstore.EncodeTuple(start)
	}
	it, err := idx.Range(startKey, nil, true, true)
	if err != nil {
		return err
	}

	numIdxCols := len(def.Columns)
	for it.Next() {
		vals, err := kvstore.DecodeTuple(it.Key())
		if err != nil {
			return fmt.Errorf("index: decoding index key: %w", err)
		}
		if len(vals) < numIdxCols {
			continue
		}
		primaryKey := vals[numIdxCols:]

		recVal, found, err := m.primary.Get(kvstore.EncodeTuple(primaryKey))
		if err != nil {
			return err
		}
		if !found {
			continue // the primary record was removed out from under a stale index entry
		}
		record, err := decodeRecord(recVal)
		if err != nil {
			return fmt.Errorf("index: decoding scanned record: %w", err)
		}
		if !callback(primaryKey, record) {
			break
		}
	}
	return it.Err()
}

// indexKey builds the (columns..., primaryKey...) tuple an index entry
// is stored under. A record missing one of Columns silently
// contributes nothing for that column.
func indexKey(def Def, record Record, primaryKey []kvstore.Field) []byte {
	fields := make([]kvstore.Field, 0, len(def.Columns)+len(primaryKey))
	for _, col := range def.Columns {
		if f, ok := record[col]; ok {
			fields = append(fields, f)
		}
	}
	fields = append(fields, primaryKey...)
	return kvstore.EncodeTuple(fields)
}

// encodeRecord serializes a Record as a sorted sequence of
// (name-length, name, EncodeTuple([field])) entries so Set/Get round
// trip deterministically regardless of Go's randomized map iteration.
func encodeRecord(record Record) []byte {
	names := make([]string, 0, len(record))
	for name := range record {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]byte, 0, 64)
	for _, name := range names {
		out = append(out, byte(len(name)))
		out = append(out, name...)
		fieldBytes := kvstore.EncodeTuple([]kvstore.Field{record[name]})
		var lenBuf [4]byte
		lenBuf[0] = byte(len(fieldBytes) >> 24)
		lenBuf[1] = byte(len(fieldBytes) >> 16)
		lenBuf[2] = byte(len(fieldBytes) >> 8)
		lenBuf[3] = byte(len(fieldBytes))
		out = append(out, lenBuf[:]...)
		out = append(out, fieldBytes...)
	}
	return out
}

func decodeRecord(data []byte) (Record, error) {
	record := make(Record)
	pos := 0
	for pos < len(data) {
		nameLen := int(data[pos])
		pos++
		if pos+nameLen > len(data) {
			return nil, fmt.Errorf("index: truncated record field name at byte %d", pos)
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen

		if pos+4 > len(data) {
			return nil, fmt.Errorf("index: truncated record field length at byte %d", pos)
		}
		fieldLen := int(data[pos])<<24 | int(data[pos+1])<<16 | int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4
		if pos+fieldLen > len(data) {
			return nil, fmt.Errorf("index: truncated record field value at byte %d", pos)
		}
		fields, err := kvstore.DecodeTuple(data[pos : pos+fieldLen])
		if err != nil || len(fields) != 1 {
			return nil, fmt.Errorf("index: malformed record field %q: %w", name, err)
		}
		record[name] = fields[0]
		pos += fieldLen
	}
	return record, nil
}

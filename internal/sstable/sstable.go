// Package sstable implements the immutable, sorted, on-disk table (spec
// §4.2): a header, a sequence of compressed+checksummed blocks (§10.2,
// §10.3), and a footer. Entries are loaded fully into memory on Open since
// a table holds at most 30 entries (spec §3); Get and Range then operate
// against that in-memory, binary-searchable slice.
package sstable

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sort"

	"github.com/return2faye/SiltKV/internal/entry"
	"github.com/return2faye/SiltKV/internal/errs"
)

// MaxEntries is the per-table educational size limit (spec §1, §3).
const MaxEntries = 30

const magicNumber uint64 = 0x53494c54_4b560001 // "SILTKV" + format version

// headerFixedSize is magic(8) | tableID(8) | count(4) | createdAt(8) | maxSeq(8) |
// minKeyLen(4) | maxKeyLen(4), followed by minKey and maxKey bytes.
const headerFixedSize = 8 + 8 + 4 + 8 + 8 + 4 + 4

// footerSize is blockCount(4) | magic(8).
const footerSize = 4 + 8

var errBlockChecksum = errors.New("sstable: block checksum mismatch")

// Meta is a table's O(1) metadata, available without touching its entries.
type Meta struct {
	TableID   uint64
	Count     int
	CreatedAt int64
	MaxSeq    uint64
	MinKey    []byte
	MaxKey    []byte
}

// Table is an opened, immutable SSTable file with its entries resident in
// memory.
type Table struct {
	path    string
	meta    Meta
	entries []entry.Entry // sorted ascending by key
}

// Write atomically materializes entries (already sorted ascending by key,
// at most MaxEntries long) to path: write to a temp sibling, fsync, then
// rename, so a partially written file never becomes visible (spec §4.2).
func Write(path string, tableID uint64, createdAt int64, entries []entry.Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, errs.InvalidMsg("sstable.Write", "cannot write an empty table")
	}
	if len(entries) > MaxEntries {
		return nil, errs.InvalidMsg("sstable.Write", "entry count exceeds per-table budget")
	}
	if !sort.SliceIsSorted(entries, func(i, j int) bool {
		return entry.Compare(entries[i].Key, entries[j].Key) < 0
	}) {
		return nil, errs.InvalidMsg("sstable.Write", "entries must be sorted ascending by key")
	}

	var maxSeq uint64
	for _, e := range entries {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.IO("sstable.Write", err)
	}
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	minKey, maxKey := entries[0].Key, entries[len(entries)-1].Key
	header := make([]byte, headerFixedSize+len(minKey)+len(maxKey))
	binary.LittleEndian.PutUint64(header[0:8], magicNumber)
	binary.LittleEndian.PutUint64(header[8:16], tableID)
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(entries)))
	binary.LittleEndian.PutUint64(header[20:28], uint64(createdAt))
	binary.LittleEndian.PutUint64(header[28:36], maxSeq)
	binary.LittleEndian.PutUint32(header[36:40], uint32(len(minKey)))
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(maxKey)))
	copy(header[headerFixedSize:], minKey)
	copy(header[headerFixedSize+len(minKey):], maxKey)

	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, errs.IO("sstable.Write", err)
	}

	var blockCount uint32
	for start := 0; start < len(entries); start += blockMaxEntries {
		end := start + blockMaxEntries
		if end > len(entries) {
			end = len(entries)
		}
		if _, err := f.Write(encodeBlock(entries[start:end])); err != nil {
			f.Close()
			return nil, errs.IO("sstable.Write", err)
		}
		blockCount++
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(footer[0:4], blockCount)
	binary.LittleEndian.PutUint64(footer[4:12], magicNumber)
	if _, err := f.Write(footer); err != nil {
		f.Close()
		return nil, errs.IO("sstable.Write", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, errs.IO("sstable.Write", err)
	}
	if err := f.Close(); err != nil {
		return nil, errs.IO("sstable.Write", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, errs.IO("sstable.Write", err)
	}

	cloned := make([]entry.Entry, len(entries))
	for i, e := range entries {
		cloned[i] = e.Clone()
	}
	return &Table{
		path: path,
		meta: Meta{
			TableID:   tableID,
			Count:     len(entries),
			CreatedAt: createdAt,
			MaxSeq:    maxSeq,
			MinKey:    entry.CopyBytes(minKey),
			MaxKey:    entry.CopyBytes(maxKey),
		},
		entries: cloned,
	}, nil
}

// Open reads path fully into memory, verifying the header and footer magic
// numbers and every block checksum. A malformed header or checksum mismatch
// is fatal for this table (KindCorruption, spec §7).
func Open(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IO("sstable.Open", err)
	}
	if len(data) < headerFixedSize+footerSize {
		return nil, errs.Corrupt("sstable.Open", io.ErrUnexpectedEOF)
	}

	magic := binary.LittleEndian.Uint64(data[0:8])
	if magic != magicNumber {
		return nil, errs.Corrupt("sstable.Open", errors.New("bad header magic"))
	}
	tableID := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint32(data[16:20])
	createdAt := int64(binary.LittleEndian.Uint64(data[20:28]))
	maxSeq := binary.LittleEndian.Uint64(data[28:36])
	minKeyLen := binary.LittleEndian.Uint32(data[36:40])
	maxKeyLen := binary.LittleEndian.Uint32(data[40:44])

	offset := headerFixedSize
	if len(data) < offset+int(minKeyLen)+int(maxKeyLen) {
		return nil, errs.Corrupt("sstable.Open", io.ErrUnexpectedEOF)
	}
	minKey := entry.CopyBytes(data[offset : offset+int(minKeyLen)])
	offset += int(minKeyLen)
	maxKey := entry.CopyBytes(data[offset : offset+int(maxKeyLen)])
	offset += int(maxKeyLen)

	footerOff := len(data) - footerSize
	footerMagic := binary.LittleEndian.Uint64(data[footerOff+4 : footerOff+12])
	if footerMagic != magicNumber {
		return nil, errs.Corrupt("sstable.Open", errors.New("bad footer magic"))
	}

	var entries []entry.Entry
	for offset < footerOff {
		block, n, err := decodeBlock(data[offset:footerOff])
		if err != nil {
			return nil, err
		}
		entries = append(entries, block...)
		offset += n
	}
	if uint32(len(entries)) != count {
		return nil, errs.Corrupt("sstable.Open", errors.New("entry count mismatch"))
	}

	return &Table{
		path: path,
		meta: Meta{
			TableID:   tableID,
			Count:     int(count),
			CreatedAt: createdAt,
			MaxSeq:    maxSeq,
			MinKey:    minKey,
			MaxKey:    maxKey,
		},
		entries: entries,
	}, nil
}

// Path returns the table's on-disk file path.
func (t *Table) Path() string { return t.path }

// Meta returns the table's O(1) metadata accessors (spec §4.2).
func (t *Table) Meta() Meta { return t.meta }

// MayContain reports whether key could fall within [MinKey, MaxKey],
// letting the read path skip tables that cannot contain a given key.
func (t *Table) MayContain(key []byte) bool {
	return entry.Compare(key, t.meta.MinKey) >= 0 && entry.Compare(key, t.meta.MaxKey) <= 0
}

// Get performs a binary search over the in-memory entries and returns the
// entry with exactly that key, or ok=false. A tombstone is a valid result
// (spec §4.2).
func (t *Table) Get(key []byte) (entry.Entry, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return entry.Compare(t.entries[i].Key, key) >= 0
	})
	if i < len(t.entries) && entry.Compare(t.entries[i].Key, key) == 0 {
		return t.entries[i].Clone(), true
	}
	return entry.Entry{}, false
}

// Range returns every resident entry with low <= key <= high, ascending.
// Tombstone filtering is the engine's job, not the table's (spec §4.2).
func (t *Table) Range(low, high []byte) []entry.Entry {
	start := sort.Search(len(t.entries), func(i int) bool {
		return entry.Compare(t.entries[i].Key, low) >= 0
	})
	var out []entry.Entry
	for i := start; i < len(t.entries); i++ {
		if entry.Compare(t.entries[i].Key, high) > 0 {
			break
		}
		out = append(out, t.entries[i].Clone())
	}
	return out
}

// Entries returns every resident entry in ascending key order, used by the
// compactor's k-way merge (spec §4.6).
func (t *Table) Entries() []entry.Entry {
	out := make([]entry.Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Clone()
	}
	return out
}

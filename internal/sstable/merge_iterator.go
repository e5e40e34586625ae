package sstable

import (
	"github.com/return2faye/SiltKV/internal/entry"
)

// sliceIterator walks a single sorted entry slice.
type sliceIterator struct {
	entries []entry.Entry
	pos     int
}

func newSliceIterator(entries []entry.Entry) *sliceIterator {
	return &sliceIterator{entries: entries}
}

func (it *sliceIterator) valid() bool { return it.pos < len(it.entries) }
func (it *sliceIterator) key() []byte { return it.entries[it.pos].Key }
func (it *sliceIterator) value() entry.Entry { return it.entries[it.pos] }
func (it *sliceIterator) next()       { it.pos++ }

// MergeIterator merges several newest-to-oldest-ordered entry sources into
// one ascending stream, resolving duplicate keys by (timestamp, seq) rather
// than by source order (spec §4.6 Algorithm).
type MergeIterator struct {
	sources []*sliceIterator
	key     []byte
	value   entry.Entry
	valid   bool
}

// NewMergeIterator builds a merge iterator over tables, each already sorted
// ascending by key (as every Table guarantees).
func NewMergeIterator(tables []*Table) *MergeIterator {
	sources := make([]*sliceIterator, 0, len(tables))
	for _, t := range tables {
		sources = append(sources, newSliceIterator(t.Entries()))
	}
	mi := &MergeIterator{sources: sources}
	mi.advance()
	return mi
}

// Valid reports whether Key/Value hold a current entry.
func (mi *MergeIterator) Valid() bool { return mi.valid }

// Key returns the current (winning) key.
func (mi *MergeIterator) Key() []byte { return mi.key }

// Value returns the entry chosen as authoritative for Key.
func (mi *MergeIterator) Value() entry.Entry { return mi.value }

// Next advances past the current key, across every source that shared it.
func (mi *MergeIterator) Next() { mi.advance() }

func (mi *MergeIterator) advance() {
	var minKey []byte
	for _, s := range mi.sources {
		if !s.valid() {
			continue
		}
		if minKey == nil || entry.Compare(s.key(), minKey) < 0 {
			minKey = s.key()
		}
	}
	if minKey == nil {
		mi.valid = false
		mi.key, mi.value = nil, entry.Entry{}
		return
	}

	var winner entry.Entry
	haveWinner := false
	for _, s := range mi.sources {
		if !s.valid() || entry.Compare(s.key(), minKey) != 0 {
			continue
		}
		if !haveWinner || s.value().Newer(winner) {
			winner = s.value()
			haveWinner = true
		}
		s.next()
	}

	mi.key = minKey
	mi.value = winner
	mi.valid = true
}

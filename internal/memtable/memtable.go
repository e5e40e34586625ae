// Package memtable implements the in-memory sorted buffer of pending
// mutations (spec §4.4): a skip list keyed by distinct key, capped at
// MaxEntries resident keys.
package memtable

import (
	"sync"

	"github.com/return2faye/SiltKV/internal/entry"
)

// MaxEntries is the memtable's educational size limit (spec §1, §3): once
// this many distinct keys are resident, the engine must flush before
// accepting more writes.
const MaxEntries = 30

// Memtable is an ordered mapping from key to the latest Entry for that key.
// It has no knowledge of the WAL or of disk at all; durability is the
// engine's concern (spec §4.5), not the memtable's.
type Memtable struct {
	mu sync.RWMutex
	sl *skipList
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{sl: newSkipList()}
}

// Put inserts or overwrites the entry for key. Overwriting an existing key
// does not increase Count() (spec §3).
func (mt *Memtable) Put(e entry.Entry) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.sl.put(e)
}

// Get returns the resident entry for key, which may be a tombstone.
func (mt *Memtable) Get(key []byte) (entry.Entry, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sl.get(key)
}

// Count returns the number of distinct resident keys.
func (mt *Memtable) Count() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sl.size
}

// IsFull reports whether the memtable has reached its 30-entry budget.
func (mt *Memtable) IsFull() bool {
	return mt.Count() >= MaxEntries
}

// DrainSorted returns every resident entry in ascending key order and
// empties the memtable, per spec §4.4.
func (mt *Memtable) DrainSorted() []entry.Entry {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := mt.sl.entries()
	mt.sl = newSkipList()
	return out
}

// Snapshot returns every resident entry in ascending key order without
// clearing the memtable, used by the read path's range scans (spec §4.5).
func (mt *Memtable) Snapshot() []entry.Entry {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sl.entries()
}

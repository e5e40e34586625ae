// Package lsm wires the WAL, memtable, SSTable catalog and compactor into
// the single embeddable engine described by spec §4-§6: one mutation lock,
// one logical (timestamp, seq) counter, one data directory.
package lsm

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/return2faye/SiltKV/internal/entry"
	"github.com/return2faye/SiltKV/internal/errs"
	"github.com/return2faye/SiltKV/internal/memtable"
	"github.com/return2faye/SiltKV/internal/sstable"
	"github.com/return2faye/SiltKV/internal/wal"
)

// Options configures Open.
type Options struct {
	DataDir string
	WalPath string
	Logger  *zap.Logger // defaults to zap.NewProduction() when nil
}

// Stats mirrors spec §6's statistics surface with JSON-friendly field names
// (SPEC_FULL §11.1) so an embedder can marshal it directly.
type Stats struct {
	TotalKeys           int   `json:"total_keys"`
	MemtableSize        int   `json:"memtable_size"`
	SSTableCount        int   `json:"sstable_count"`
	TableEntryCounts    []int `json:"table_entry_counts"`
	WALSizeBytes        int64 `json:"wal_size_bytes"`
	LastFlushUnixNano   int64 `json:"last_flush_unix_nano"`
	LastCompactUnixNano int64 `json:"last_compact_unix_nano"`
}

// Engine is the embeddable store. A single RWMutex serializes mutations
// against the memtable/WAL/catalog triple; readers take the read side and
// otherwise proceed concurrently (spec §5).
type Engine struct {
	mu      sync.RWMutex
	dataDir string
	logger  *zap.Logger

	wal *wal.WAL
	mt  *memtable.Memtable
	cat *catalog

	nextSeq uint64 // monotonic logical clock, also used as the wall-clock stand-in

	lastFlush   int64
	lastCompact int64
}

// Open loads or creates a store rooted at opts.DataDir with its WAL at
// opts.WalPath, following the startup protocol of spec §6.
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, errs.InvalidMsg("lsm.Open", "data_dir must not be empty")
	}
	if opts.WalPath == "" {
		return nil, errs.InvalidMsg("lsm.Open", "wal_path must not be empty")
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, errs.IO("lsm.Open", err)
		}
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, errs.IO("lsm.Open", err)
	}
	if dir := filepath.Dir(opts.WalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.IO("lsm.Open", err)
		}
	}

	cat, err := openCatalog(opts.DataDir, logger)
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(opts.WalPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dataDir: opts.DataDir,
		logger:  logger,
		wal:     w,
		mt:      memtable.New(),
		cat:     cat,
	}

	var maxSeq uint64
	for _, t := range cat.list() {
		if s := t.Meta().MaxSeq; s > maxSeq {
			maxSeq = s
		}
	}

	// Replay the WAL into a fresh memtable with the records' original
	// timestamp/seq, flushing mid-replay if the 30-entry budget would be
	// exceeded (spec §6 step 2). The WAL itself is left intact afterward
	// (SPEC_FULL §11.3, deferred truncation) — a mid-replay flush must not
	// truncate the very file Replay is still reading.
	replayErr := w.Replay(func(rec wal.Record) error {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if _, exists := e.mt.Get(rec.Key); !exists && e.mt.IsFull() {
			if _, err := e.flushLocked(rec.Timestamp, false); err != nil {
				return err
			}
		}
		var ent entry.Entry
		if rec.Op == entry.OpDelete {
			ent = entry.NewTombstone(rec.Key, rec.Timestamp, rec.Seq)
		} else {
			ent = entry.NewPut(rec.Key, rec.Value, rec.Timestamp, rec.Seq)
		}
		e.mt.Put(ent)
		return nil
	})
	if replayErr != nil {
		w.Close()
		return nil, replayErr
	}

	e.nextSeq = maxSeq + 1
	return e, nil
}

// validateKey rejects the empty key per spec §7.
func validateKey(op string, key []byte) error {
	if len(key) == 0 {
		return errs.InvalidMsg(op, "key must not be empty")
	}
	return nil
}

// Put inserts or overwrites key's value (spec §4.1/§4.4).
func (e *Engine) Put(key, value []byte) error {
	if err := validateKey("lsm.Put", key); err != nil {
		return err
	}
	return e.mutate(entry.OpPut, key, value)
}

// Delete tombstones key (spec §4.1/§4.4).
func (e *Engine) Delete(key []byte) error {
	if err := validateKey("lsm.Delete", key); err != nil {
		return err
	}
	return e.mutate(entry.OpDelete, key, nil)
}

// mutate is the shared write path for Put and Delete: flush first if this
// key would push the memtable past its 30-entry budget (spec §8 scenario
// S2 — the overflowing write lands in the freshly emptied memtable, not in
// the table that gets flushed), then append to the WAL and apply to the
// memtable. Caller is unlocked; mutate takes the mutation lock itself.
func (e *Engine) mutate(op entry.Op, key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.mt.Get(key); !exists && e.mt.IsFull() {
		now := int64(e.nextSeq)
		if _, err := e.flushLocked(now, true); err != nil {
			return err
		}
		if e.cat.size() >= CompactionTrigger {
			if err := e.compactLocked(now); err != nil {
				return err
			}
		}
	}

	seq := e.nextSeq
	e.nextSeq++
	ts := int64(seq)

	var rec wal.Record
	var ent entry.Entry
	if op == entry.OpDelete {
		rec = wal.Record{Op: entry.OpDelete, Key: key, Timestamp: ts, Seq: seq}
		ent = entry.NewTombstone(entry.CopyBytes(key), ts, seq)
	} else {
		rec = wal.Record{Op: entry.OpPut, Key: key, Value: value, Timestamp: ts, Seq: seq}
		ent = entry.NewPut(entry.CopyBytes(key), entry.CopyBytes(value), ts, seq)
	}
	if err := e.wal.Append(rec); err != nil {
		return err
	}
	e.mt.Put(ent)
	return nil
}

// BatchPut applies entries in map iteration order; each mutation is logged
// individually with no all-or-nothing guarantee across the batch (spec §6).
func (e *Engine) BatchPut(entries map[string][]byte) error {
	for k, v := range entries {
		if err := e.Put([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value for key, checking the memtable before the catalog
// youngest-to-oldest (spec §4.5).
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if err := validateKey("lsm.Get", key); err != nil {
		return nil, false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if ent, ok := e.mt.Get(key); ok {
		if ent.Deleted {
			return nil, false, nil
		}
		return ent.Value, true, nil
	}
	for _, t := range e.cat.list() {
		if !t.MayContain(key) {
			continue
		}
		if ent, ok := t.Get(key); ok {
			if ent.Deleted {
				return nil, false, nil
			}
			return ent.Value, true, nil
		}
	}
	return nil, false, nil
}

// Range returns every live key in [low, high], merging the memtable
// snapshot with every catalog table and resolving duplicates by recency
// (spec §4.5/§4.6). Scans are not snapshot-isolated (spec §5).
func (e *Engine) Range(low, high []byte) ([]entry.Entry, error) {
	if entry.Compare(low, high) > 0 {
		return nil, errs.InvalidMsg("lsm.Range", "low must be <= high")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	best := make(map[string]entry.Entry)
	consider := func(entries []entry.Entry) {
		for _, ent := range entries {
			k := string(ent.Key)
			if cur, ok := best[k]; !ok || ent.Newer(cur) {
				best[k] = ent
			}
		}
	}

	consider(rangeSlice(e.mt.Snapshot(), low, high))
	for _, t := range e.cat.list() {
		consider(t.Range(low, high))
	}

	out := make([]entry.Entry, 0, len(best))
	for _, ent := range best {
		if !ent.Deleted {
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return entry.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// ForceFlush drains the memtable to a new SSTable even if it is not full
// (spec §6, §8 invariant 4), then runs the same auto-compaction check a
// full-memtable flush would.
func (e *Engine) ForceFlush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := int64(e.nextSeq)
	if _, err := e.flushLocked(now, true); err != nil {
		return err
	}
	if e.cat.size() >= CompactionTrigger {
		return e.compactLocked(now)
	}
	return nil
}

// ForceCompact runs the "compact all" policy immediately (spec §4.6, §8
// invariant 5).
func (e *Engine) ForceCompact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compactLocked(int64(e.nextSeq))
}

// Stats reports the statistics named in spec §6.
func (e *Engine) Stats() (Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	walSize, err := e.wal.Size()
	if err != nil {
		return Stats{}, err
	}

	tables := e.cat.list()
	counts := make([]int, len(tables))
	sources := [][]entry.Entry{e.mt.Snapshot()}
	for i, t := range tables {
		counts[i] = t.Meta().Count
		sources = append(sources, t.Entries())
	}
	latest := make(map[string]entry.Entry)
	for _, src := range sources {
		for _, ent := range src {
			if cur, ok := latest[string(ent.Key)]; !ok || ent.Newer(cur) {
				latest[string(ent.Key)] = ent
			}
		}
	}
	total := 0
	for _, ent := range latest {
		if !ent.Deleted {
			total++
		}
	}

	return Stats{
		TotalKeys:           total,
		MemtableSize:        e.mt.Count(),
		SSTableCount:        len(tables),
		TableEntryCounts:    counts,
		WALSizeBytes:        walSize,
		LastFlushUnixNano:   e.lastFlush,
		LastCompactUnixNano: e.lastCompact,
	}, nil
}

// Close releases the WAL file handle. It does not flush: an unflushed
// memtable is recovered from the WAL on the next Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wal.Close()
}

// flushLocked drains the memtable into a new SSTable. truncateWAL is false
// only for the mid-replay overflow flush in Open, which must not rewind the
// WAL file Replay is still iterating (spec §6 step 2-3). Caller holds e.mu.
func (e *Engine) flushLocked(now int64, truncateWAL bool) (*sstable.Table, error) {
	drained := e.mt.DrainSorted()
	if len(drained) == 0 {
		return nil, nil
	}
	t, err := e.cat.createFrom(drained, now)
	if err != nil {
		return nil, err
	}
	if truncateWAL {
		if err := e.wal.Truncate(); err != nil {
			return nil, err
		}
	}
	e.lastFlush = time.Now().UnixNano()
	e.logger.Info("flush complete",
		zap.Uint64("table_id", t.Meta().TableID),
		zap.Int("entries", t.Meta().Count),
	)
	return t, nil
}

// compactLocked runs the compactor and records completion time. A failed
// compaction is surfaced to the caller but leaves the engine otherwise
// usable (spec §7 Propagation). Caller holds e.mu.
func (e *Engine) compactLocked(now int64) error {
	if err := compact(e.cat, now, e.logger); err != nil {
		return err
	}
	e.lastCompact = time.Now().UnixNano()
	return nil
}

func rangeSlice(entries []entry.Entry, low, high []byte) []entry.Entry {
	var out []entry.Entry
	for _, ent := range entries {
		if entry.Compare(ent.Key, low) >= 0 && entry.Compare(ent.Key, high) <= 0 {
			out = append(out, ent)
		}
	}
	return out
}


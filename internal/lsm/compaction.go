package lsm

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/return2faye/SiltKV/internal/entry"
	"github.com/return2faye/SiltKV/internal/sstable"
)

// CompactionTrigger is the catalog size at which the engine compacts
// automatically (spec §1, §4.6).
const CompactionTrigger = 5

// compact runs the "compact all" policy (spec §4.6, §9 Open Question): a
// k-way merge of every live table, deduplicated by (timestamp, seq), with
// tombstones dropped because under this policy no older table can still
// need them. The merged stream is re-split into ≤30-entry output tables and
// committed to the catalog atomically.
func compact(cat *catalog, now int64, logger *zap.Logger) error {
	inputs := cat.list()
	if len(inputs) < 2 {
		return nil // nothing to merge
	}

	mi := sstable.NewMergeIterator(inputs)

	var chunk []entry.Entry
	var written []*sstable.Table
	flushChunk := func() error {
		if len(chunk) == 0 {
			return nil
		}
		cat.mu.Lock()
		id := cat.nextID
		cat.nextID++
		cat.mu.Unlock()

		t, err := sstable.Write(filepath.Join(cat.dataDir, tableFileName(id)), id, now, chunk)
		if err != nil {
			return err
		}
		written = append(written, t)
		chunk = nil
		return nil
	}

	for mi.Valid() {
		e := mi.Value()
		if !e.Deleted {
			chunk = append(chunk, e)
			if len(chunk) == sstable.MaxEntries {
				if err := flushChunk(); err != nil {
					cleanupFailedCompaction(written)
					return err
				}
			}
		}
		mi.Next()
	}
	if err := flushChunk(); err != nil {
		cleanupFailedCompaction(written)
		return err
	}

	if len(written) == 0 {
		// Every live key was a tombstone: commit an empty replacement by
		// dropping the inputs outright.
		return cat.replace(inputs, nil)
	}

	if err := cat.replace(inputs, written); err != nil {
		return err
	}

	logger.Info("compaction complete",
		zap.Int("input_tables", len(inputs)),
		zap.Int("output_tables", len(written)),
	)
	return nil
}

// cleanupFailedCompaction removes output tables written before a later
// chunk failed, so a failed compaction leaves the catalog untouched
// (spec §7 Propagation).
func cleanupFailedCompaction(written []*sstable.Table) {
	var result *multierror.Error
	for _, t := range written {
		if err := os.Remove(t.Path()); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	_ = result // best-effort cleanup; the outer error is already authoritative
}

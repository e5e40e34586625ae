package lsm

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/return2faye/SiltKV/internal/entry"
	"github.com/return2faye/SiltKV/internal/errs"
	"github.com/return2faye/SiltKV/internal/sstable"
)

// catalog is the engine's ordered registry of live SSTables (spec §4.3):
// youngest first, ids strictly increasing, with an atomically rewritten
// manifest as the source of truth across restarts.
type catalog struct {
	mu      sync.RWMutex
	dataDir string
	logger  *zap.Logger
	tables  []*sstable.Table // youngest first
	nextID  uint64
}

// openCatalog loads the manifest, opens every listed table concurrently
// (bounded by GOMAXPROCS, spec SPEC_FULL §10.1), and sweeps orphan files
// that are not in the manifest (failed-flush/compaction debris, spec §6).
func openCatalog(dataDir string, logger *zap.Logger) (*catalog, error) {
	state, err := loadManifestState(dataDir)
	if err != nil {
		return nil, err
	}

	tables := make([]*sstable.Table, len(state.files))
	g := new(errgroup.Group)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))
	for i, name := range state.files {
		i, name := i, name
		g.Go(func() error {
			t, err := sstable.Open(filepath.Join(dataDir, name))
			if err != nil {
				return err
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errs.Corrupt("lsm.openCatalog", err)
	}

	if err := sweepOrphans(dataDir, state.files, logger); err != nil {
		return nil, err
	}

	return &catalog{dataDir: dataDir, logger: logger, tables: tables, nextID: state.nextID}, nil
}

// sweepOrphans deletes sstable_*.dat files present on disk but absent from
// the manifest.
func sweepOrphans(dataDir string, live []string, logger *zap.Logger) error {
	liveSet := make(map[string]struct{}, len(live))
	for _, name := range live {
		liveSet[name] = struct{}{}
	}

	matches, err := filepath.Glob(filepath.Join(dataDir, "sstable_*.dat"))
	if err != nil {
		return errs.IO("lsm.sweepOrphans", err)
	}

	var result *multierror.Error
	for _, path := range matches {
		if _, ok := liveSet[filepath.Base(path)]; ok {
			continue
		}
		logger.Warn("deleting orphan sstable file", zap.String("path", path))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return errs.IO("lsm.sweepOrphans", result.ErrorOrNil())
	}
	return nil
}

// list returns the current catalog, youngest first.
func (c *catalog) list() []*sstable.Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*sstable.Table, len(c.tables))
	copy(out, c.tables)
	return out
}

// createFrom allocates a fresh table id, writes entries to disk, and
// publishes the new table at the head of the catalog (spec §4.3).
func (c *catalog) createFrom(entries []entry.Entry, createdAt int64) (*sstable.Table, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	path := filepath.Join(c.dataDir, tableFileName(id))
	table, err := sstable.Write(path, id, createdAt, entries)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tables = append([]*sstable.Table{table}, c.tables...)
	state := c.stateLocked()
	c.mu.Unlock()

	if err := writeManifestState(c.dataDir, state); err != nil {
		return nil, err
	}
	return table, nil
}

// replace atomically swaps oldSet for newTables, which must already be
// written to disk. The catalog's observable state never contains both the
// old and new tables, nor neither (spec §4.3).
func (c *catalog) replace(oldSet []*sstable.Table, newTables []*sstable.Table) error {
	oldIDs := make(map[uint64]struct{}, len(oldSet))
	for _, t := range oldSet {
		oldIDs[t.Meta().TableID] = struct{}{}
	}

	c.mu.Lock()
	merged := make([]*sstable.Table, 0, len(c.tables)-len(oldSet)+len(newTables))
	inserted := false
	for _, t := range c.tables {
		if _, stale := oldIDs[t.Meta().TableID]; stale {
			if !inserted {
				merged = append(merged, newTables...)
				inserted = true
			}
			continue
		}
		merged = append(merged, t)
	}
	if !inserted {
		merged = append(merged, newTables...)
	}
	c.tables = merged
	state := c.stateLocked()
	c.mu.Unlock()

	if err := writeManifestState(c.dataDir, state); err != nil {
		return err
	}

	var result *multierror.Error
	for _, t := range oldSet {
		if err := os.Remove(t.Path()); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return errs.IO("lsm.catalog.replace", result.ErrorOrNil())
	}
	return nil
}

// stateLocked snapshots the manifest shape; caller must hold c.mu.
func (c *catalog) stateLocked() manifestState {
	files := make([]string, len(c.tables))
	for i, t := range c.tables {
		files[i] = tableFileName(t.Meta().TableID)
	}
	return manifestState{nextID: c.nextID, files: files}
}

// size returns the number of live tables.
func (c *catalog) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}

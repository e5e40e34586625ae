// Package kv is the embedder-facing facade over the LSM engine: string/byte
// convenience wrappers, closed-handle bookkeeping, and the sentinel errors
// callers expect from a small embedded store.
package kv

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/return2faye/SiltKV/internal/lsm"
)

var (
	// ErrNotFound is returned when a key is not found.
	ErrNotFound = errors.New("kv: key not found")
	// ErrClosed is returned when an operation is attempted on a closed DB.
	ErrClosed = errors.New("kv: db is closed")
)

// DB is a key-value database backed by a single LSM engine instance.
type DB struct {
	mu     sync.RWMutex
	engine *lsm.Engine
	closed bool
}

// Open opens (or creates) a database rooted at path. SSTables live under
// path/data; the write-ahead log is path/wal.log.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("kv: path must not be empty")
	}

	engine, err := lsm.Open(lsm.Options{
		DataDir: filepath.Join(path, "data"),
		WalPath: filepath.Join(path, "wal.log"),
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open failed: %w", err)
	}
	return &DB{engine: engine}, nil
}

func (db *DB) checkOpen() error {
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Close releases the database's file handles. After Close returns, every
// other method (and a second Close) returns ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.closed = true
	if err := db.engine.Close(); err != nil {
		return fmt.Errorf("kv: close failed: %w", err)
	}
	return nil
}

// Put stores value under key, overwriting any existing value.
func (db *DB) Put(key, value string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.engine.Put([]byte(key), []byte(value)); err != nil {
		return fmt.Errorf("kv: put failed: %w", err)
	}
	return nil
}

// Get retrieves the value for key, returning ErrNotFound if absent or
// deleted.
func (db *DB) Get(key string) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	val, found, err := db.engine.Get([]byte(key))
	if err != nil {
		return "", fmt.Errorf("kv: get failed: %w", err)
	}
	if !found {
		return "", ErrNotFound
	}
	return string(val), nil
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(key string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.engine.Delete([]byte(key)); err != nil {
		return fmt.Errorf("kv: delete failed: %w", err)
	}
	return nil
}

// Range returns every live key in [low, high] as a map from key to value;
// the map carries no key order.
func (db *DB) Range(low, high string) (map[string]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := db.engine.Range([]byte(low), []byte(high))
	if err != nil {
		return nil, fmt.Errorf("kv: range failed: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[string(e.Key)] = string(e.Value)
	}
	return out, nil
}

// BatchPut applies every entry in kvs. Entries are logged individually;
// there is no all-or-nothing guarantee across the batch.
func (db *DB) BatchPut(kvs map[string]string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	entries := make(map[string][]byte, len(kvs))
	for k, v := range kvs {
		entries[k] = []byte(v)
	}
	if err := db.engine.BatchPut(entries); err != nil {
		return fmt.Errorf("kv: batch put failed: %w", err)
	}
	return nil
}

// ForceFlush drains the memtable to a new SSTable immediately.
func (db *DB) ForceFlush() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.engine.ForceFlush(); err != nil {
		return fmt.Errorf("kv: force flush failed: %w", err)
	}
	return nil
}

// ForceCompact runs the compaction policy immediately.
func (db *DB) ForceCompact() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.engine.ForceCompact(); err != nil {
		return fmt.Errorf("kv: force compact failed: %w", err)
	}
	return nil
}

// Stats reports the database's current statistics.
func (db *DB) Stats() (lsm.Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return lsm.Stats{}, err
	}
	stats, err := db.engine.Stats()
	if err != nil {
		return lsm.Stats{}, fmt.Errorf("kv: stats failed: %w", err)
	}
	return stats, nil
}

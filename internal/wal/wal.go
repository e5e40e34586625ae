// Package wal implements the engine's append-only Write-Ahead Log (spec
// §4.1): every mutation is framed, checksummed and fsynced before the
// public write call that produced it is allowed to return.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/return2faye/SiltKV/internal/entry"
	"github.com/return2faye/SiltKV/internal/errs"
)

// headerSize is the fixed-size record header: checksum(4) | op(1) |
// timestamp(8) | seq(8) | keyLen(4) | valueLen(4).
const headerSize = 4 + 1 + 8 + 8 + 4 + 4

// maxRecordBody bounds a single key+value pair to guard replay against
// reading an absurd length out of a corrupted header.
const maxRecordBody = 64 << 20

// Record is a single WAL frame.
type Record struct {
	Op        entry.Op
	Key       []byte
	Value     []byte
	Timestamp int64
	Seq       uint64
}

// WAL is the append-only durable log. Appends are serialized by the
// engine's mutation lock (spec §4.1 Concurrency); WAL itself only adds a
// mutex so it remains safe to use standalone (e.g. from tests).
type WAL struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  []byte // reusable frame-encoding buffer
}

// Open opens (or creates) the WAL file at path in append mode.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.IO("wal.Open", err)
	}
	return &WAL{path: path, file: f, buf: make([]byte, 0, headerSize+256)}, nil
}

// Append writes one record and fsyncs before returning, so the caller's
// mutation is durable the moment Append returns nil (spec §4.1 Durability).
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errs.IO("wal.Append", os.ErrClosed)
	}

	klen, vlen := len(rec.Key), len(rec.Value)
	needed := headerSize + klen + vlen
	if cap(w.buf) < needed {
		w.buf = make([]byte, needed)
	}
	buf := w.buf[:needed]

	buf[4] = byte(rec.Op)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(rec.Timestamp))
	binary.LittleEndian.PutUint64(buf[13:21], rec.Seq)
	binary.LittleEndian.PutUint32(buf[21:25], uint32(klen))
	binary.LittleEndian.PutUint32(buf[25:29], uint32(vlen))
	copy(buf[headerSize:], rec.Key)
	copy(buf[headerSize+klen:], rec.Value)

	sum := crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], sum)

	if _, err := w.file.Write(buf); err != nil {
		return errs.IO("wal.Append", err)
	}
	if err := w.file.Sync(); err != nil {
		return errs.IO("wal.Append", err)
	}
	return nil
}

// Replay yields every well-formed record in append order via fn. A torn or
// checksum-mismatched trailing record stops replay without error: every
// preceding well-formed record has already been delivered (spec §4.1).
func (w *WAL) Replay(fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errs.IO("wal.Replay", os.ErrClosed)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return errs.IO("wal.Replay", err)
	}
	defer w.file.Seek(0, io.SeekEnd)

	r := bufio.NewReader(w.file)
	header := make([]byte, headerSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			// EOF or a torn header: nothing more to recover.
			return nil
		}

		sum := binary.LittleEndian.Uint32(header[0:4])
		op := entry.Op(header[4])
		ts := int64(binary.LittleEndian.Uint64(header[5:13]))
		seq := binary.LittleEndian.Uint64(header[13:21])
		klen := binary.LittleEndian.Uint32(header[21:25])
		vlen := binary.LittleEndian.Uint32(header[25:29])

		if uint64(klen)+uint64(vlen) > maxRecordBody {
			return nil // implausible sizes: treat the tail as torn
		}

		body := make([]byte, klen+vlen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil // torn record: key/value truncated mid-write
		}

		check := crc32.ChecksumIEEE(header[4:])
		check = crc32.Update(check, crc32.IEEETable, body)
		if check != sum {
			return nil // corrupted/torn frame: stop, do not surface an error
		}

		rec := Record{
			Op:        op,
			Key:       body[:klen],
			Value:     body[klen:],
			Timestamp: ts,
			Seq:       seq,
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Truncate discards all records; called by the engine after a flush has
// made them redundant (spec §4.1, §6 step 3).
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errs.IO("wal.Truncate", os.ErrClosed)
	}
	if err := w.file.Truncate(0); err != nil {
		return errs.IO("wal.Truncate", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return errs.IO("wal.Truncate", err)
	}
	return nil
}

// Size returns the current on-disk size of the WAL file, used by Stats().
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, errs.IO("wal.Size", os.ErrClosed)
	}
	fi, err := w.file.Stat()
	if err != nil {
		return 0, errs.IO("wal.Size", err)
	}
	return fi.Size(), nil
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return errs.IO("wal.Close", err)
	}
	return nil
}

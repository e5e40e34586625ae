package sstable

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/return2faye/SiltKV/internal/entry"
	"github.com/return2faye/SiltKV/internal/errs"
)

// blockMaxEntries is the chunking granularity for compression (spec
// SPEC_FULL §10.2): entries are grouped into blocks before each block is
// compressed and checksummed independently. It is an on-disk formatting
// detail, unrelated to the 30-entry-per-table budget.
const blockMaxEntries = 8

// blockTrailerSize is [compLen(4)][rawLen(4)][xxhash64(8)].
const blockTrailerSize = 4 + 4 + 8

var (
	encoderPool = mustNewEncoder()
)

func mustNewEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err) // construction with a nil writer cannot fail in practice
	}
	return enc
}

// encodeEntry appends the on-disk form of e to dst and returns the result:
// deleted(1) | timestamp(8) | seq(8) | keyLen(4) | valueLen(4) | key | value.
func encodeEntry(dst []byte, e entry.Entry) []byte {
	var hdr [1 + 8 + 8 + 4 + 4]byte
	if e.Deleted {
		hdr[0] = 1
	}
	binary.LittleEndian.PutUint64(hdr[1:9], uint64(e.Timestamp))
	binary.LittleEndian.PutUint64(hdr[9:17], e.Seq)
	binary.LittleEndian.PutUint32(hdr[17:21], uint32(len(e.Key)))
	binary.LittleEndian.PutUint32(hdr[21:25], uint32(len(e.Value)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, e.Key...)
	dst = append(dst, e.Value...)
	return dst
}

// decodeEntry reads one entry from the front of src, returning it and the
// number of bytes consumed.
func decodeEntry(src []byte) (entry.Entry, int, error) {
	const fixed = 1 + 8 + 8 + 4 + 4
	if len(src) < fixed {
		return entry.Entry{}, 0, errs.Corrupt("sstable.decodeEntry", io.ErrUnexpectedEOF)
	}
	deleted := src[0] == 1
	ts := int64(binary.LittleEndian.Uint64(src[1:9]))
	seq := binary.LittleEndian.Uint64(src[9:17])
	klen := binary.LittleEndian.Uint32(src[17:21])
	vlen := binary.LittleEndian.Uint32(src[21:25])
	total := fixed + int(klen) + int(vlen)
	if len(src) < total {
		return entry.Entry{}, 0, errs.Corrupt("sstable.decodeEntry", io.ErrUnexpectedEOF)
	}
	key := entry.CopyBytes(src[fixed : fixed+int(klen)])
	var value []byte
	if vlen > 0 {
		value = entry.CopyBytes(src[fixed+int(klen) : total])
	}
	return entry.Entry{Key: key, Value: value, Timestamp: ts, Seq: seq, Deleted: deleted}, total, nil
}

// encodeBlock packs entries into a compressed, checksummed
// block: compLen(4) | rawLen(4) | xxhash64(compressed)(8) | compressed bytes.
func encodeBlock(entries []entry.Entry) []byte {
	raw := make([]byte, 0, 256)
	for _, e := range entries {
		raw = encodeEntry(raw, e)
	}
	compressed := encoderPool.EncodeAll(raw, nil)

	out := make([]byte, blockTrailerSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(raw)))
	binary.LittleEndian.PutUint64(out[8:16], xxhash.Sum64(compressed))
	copy(out[blockTrailerSize:], compressed)
	return out
}

// decodeBlock reverses encodeBlock, verifying the checksum before
// decompressing. A checksum mismatch is a KindCorruption error (spec
// SPEC_FULL §10.3), never silently tolerated like a torn WAL record.
func decodeBlock(src []byte) ([]entry.Entry, int, error) {
	if len(src) < blockTrailerSize {
		return nil, 0, errs.Corrupt("sstable.decodeBlock", io.ErrUnexpectedEOF)
	}
	compLen := binary.LittleEndian.Uint32(src[0:4])
	rawLen := binary.LittleEndian.Uint32(src[4:8])
	wantSum := binary.LittleEndian.Uint64(src[8:16])

	total := blockTrailerSize + int(compLen)
	if len(src) < total {
		return nil, 0, errs.Corrupt("sstable.decodeBlock", io.ErrUnexpectedEOF)
	}
	compressed := src[blockTrailerSize:total]
	if xxhash.Sum64(compressed) != wantSum {
		return nil, 0, errs.Corrupt("sstable.decodeBlock", errBlockChecksum)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, 0, errs.IO("sstable.decodeBlock", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, make([]byte, 0, rawLen))
	if err != nil {
		return nil, 0, errs.Corrupt("sstable.decodeBlock", err)
	}

	var entries []entry.Entry
	for off := 0; off < len(raw); {
		e, n, err := decodeEntry(raw[off:])
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
		off += n
	}
	return entries, total, nil
}

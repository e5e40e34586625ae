package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/return2faye/SiltKV/internal/entry"
)

func TestPutGetOverwrite(t *testing.T) {
	mt := New()
	mt.Put(entry.NewPut([]byte("a"), []byte("1"), 1, 1))
	mt.Put(entry.NewPut([]byte("b"), []byte("2"), 2, 2))

	got, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1"), got.Value)
	assert.Equal(t, 2, mt.Count())

	// Overwriting a key must not grow the distinct-key count.
	mt.Put(entry.NewPut([]byte("a"), []byte("1b"), 3, 3))
	assert.Equal(t, 2, mt.Count())
	got, ok = mt.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1b"), got.Value)
}

func TestDeleteIsTombstoneCountedEntry(t *testing.T) {
	mt := New()
	mt.Put(entry.NewPut([]byte("x"), []byte("v"), 1, 1))
	mt.Put(entry.NewTombstone([]byte("x"), 2, 2))

	got, ok := mt.Get([]byte("x"))
	require.True(t, ok)
	assert.True(t, got.Deleted)
	assert.Equal(t, 1, mt.Count())
}

func TestIsFullAt30DistinctKeys(t *testing.T) {
	mt := New()
	for i := 0; i < MaxEntries; i++ {
		mt.Put(entry.NewPut([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), int64(i), uint64(i)))
	}
	assert.True(t, mt.IsFull())
	assert.Equal(t, MaxEntries, mt.Count())
}

func TestDrainSortedEmptiesAndSorts(t *testing.T) {
	mt := New()
	mt.Put(entry.NewPut([]byte("c"), []byte("3"), 3, 3))
	mt.Put(entry.NewPut([]byte("a"), []byte("1"), 1, 1))
	mt.Put(entry.NewPut([]byte("b"), []byte("2"), 2, 2))

	out := mt.DrainSorted()
	require.Len(t, out, 3)
	assert.Equal(t, []byte("a"), out[0].Key)
	assert.Equal(t, []byte("b"), out[1].Key)
	assert.Equal(t, []byte("c"), out[2].Key)
	assert.Equal(t, 0, mt.Count())
	_, ok := mt.Get([]byte("a"))
	assert.False(t, ok)
}

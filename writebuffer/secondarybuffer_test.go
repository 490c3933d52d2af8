package writebuffer

import (
	"path/filepath"
	"testing"

	"github.com/cqkv/chunkstore/disk"
	"github.com/cqkv/chunkstore/secondary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSecondaryLog(t *testing.T, numSegs, segSize int) *secondary.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "range.sec")
	backend, err := disk.Open(disk.Config{Mode: disk.Buffered, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	l, err := secondary.Open(backend, numSegs, segSize)
	require.NoError(t, err)
	return l
}

func segmentUsedBytes(l *secondary.Log) int64 {
	var total int64
	for _, s := range l.Segments() {
		total += s.UsedBytes()
	}
	return total
}

func TestSecondaryBufferCoalescesBelowCapacity(t *testing.T) {
	l := openTestSecondaryLog(t, 2, 256)
	s := NewSecondaryBuffer(l, 64)

	require.NoError(t, s.Write([]byte("abc"), 1))
	require.NoError(t, s.Write([]byte("def"), 1))

	// neither write alone reached capacity, so nothing has hit the log yet.
	assert.Equal(t, int64(0), segmentUsedBytes(l))
	assert.Equal(t, 58, s.Remaining())
}

func TestSecondaryBufferFlushesWhenFull(t *testing.T) {
	l := openTestSecondaryLog(t, 2, 256)
	s := NewSecondaryBuffer(l, 8)

	require.NoError(t, s.Write([]byte("12345678"), 1))
	assert.Equal(t, 8, s.Remaining())
	assert.Equal(t, int64(8), segmentUsedBytes(l))
}

func TestSecondaryBufferFlushesExistingBeforeOversizeWrite(t *testing.T) {
	l := openTestSecondaryLog(t, 2, 256)
	s := NewSecondaryBuffer(l, 8)

	require.NoError(t, s.Write([]byte("abc"), 1))
	require.NoError(t, s.Write([]byte("0123456789"), 1)) // larger than capacity

	assert.Equal(t, int64(13), segmentUsedBytes(l))
	assert.Equal(t, 8, s.Remaining())
}

func TestSecondaryBufferExplicitFlush(t *testing.T) {
	l := openTestSecondaryLog(t, 2, 256)
	s := NewSecondaryBuffer(l, 64)

	require.NoError(t, s.Write([]byte("abc"), 1))
	require.NoError(t, s.Flush(1))

	assert.Equal(t, int64(3), segmentUsedBytes(l))
	assert.Equal(t, 64, s.Remaining())
}

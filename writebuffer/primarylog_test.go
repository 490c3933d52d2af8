package writebuffer

import (
	"path/filepath"
	"testing"

	"github.com/cqkv/chunkstore/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBackend(t *testing.T, size int64) disk.Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "primary.log")
	b, err := disk.Open(disk.Config{Mode: disk.Buffered, Path: path, Size: size})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPrimaryLogAppendAdvancesHead(t *testing.T) {
	p := OpenPrimaryLog(openTestBackend(t, 64), 64)

	off, err := p.Append([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, int64(5), p.Head())

	off, err = p.Append([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), off)
	assert.Equal(t, int64(10), p.Head())
}

func TestPrimaryLogWrapsAtBoundary(t *testing.T) {
	backend := openTestBackend(t, 16)
	p := OpenPrimaryLog(backend, 16)

	_, err := p.Append(make([]byte, 12))
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.BytesUntilWrap())

	// the first entry must be confirmed reflected in its secondary log
	// before the ring is allowed to wrap over it.
	p.AdvanceTail(12)

	// this write straddles the physical end of the ring.
	off, err := p.Append([]byte("ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), off)
	assert.Equal(t, int64(18), p.Head())

	buf := make([]byte, 16)
	n, err := backend.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	// first 4 bytes of the straddling write landed at the tail, the rest
	// wrapped to offset 0.
	assert.Equal(t, byte('E'), buf[0])
	assert.Equal(t, byte('F'), buf[1])
	assert.Equal(t, "ABCD", string(buf[12:16]))
}

func TestPrimaryLogAppendRejectsWhenRingFull(t *testing.T) {
	p := OpenPrimaryLog(openTestBackend(t, 16), 16)

	_, err := p.Append(make([]byte, 12))
	require.NoError(t, err)

	// tail hasn't advanced, so the ring has no confirmed-safe space to
	// wrap into: this write would overwrite unconfirmed bytes.
	_, err = p.Append([]byte("ABCDEF"))
	assert.ErrorIs(t, err, ErrPrimaryLogFull)
	assert.Equal(t, int64(12), p.Head(), "a rejected append must not advance head")

	// once the first entry is confirmed, the same write succeeds.
	p.AdvanceTail(12)
	_, err = p.Append([]byte("ABCDEF"))
	require.NoError(t, err)
}

func TestPrimaryLogAdvanceTailNeverMovesBackward(t *testing.T) {
	p := OpenPrimaryLog(openTestBackend(t, 64), 64)
	p.AdvanceTail(20)
	p.AdvanceTail(10)
	assert.Equal(t, int64(20), p.Tail())
	p.AdvanceTail(30)
	assert.Equal(t, int64(30), p.Tail())
}

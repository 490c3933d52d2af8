package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedReadWriteAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	b, err := Open(Config{Mode: Buffered, Path: path, Size: 4096})
	require.NoError(t, err)
	defer b.Close()

	tail, err := b.Append([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), tail)

	tail, err = b.Append([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), tail)

	buf := make([]byte, 10)
	n, err := b.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "helloworld", string(buf))

	require.NoError(t, b.WriteAt([]byte("HELLO"), 0))
	n, err = b.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "HELLOworld", string(buf[:n]))

	require.NoError(t, b.Sync())
}

func TestBufferedCloseIsTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	b, err := Open(Config{Mode: Buffered, Path: path})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Append([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenUnknownMode(t *testing.T) {
	_, err := Open(Config{Mode: "bogus", Path: "x"})
	assert.ErrorIs(t, err, ErrUnknownMode)
}

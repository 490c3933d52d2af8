package secondary

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cqkv/chunkstore/disk"
	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
	"github.com/cqkv/chunkstore/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = model.NodeID(5)

func buildEntry(cid model.ChunkID, counter uint32, payload []byte, cfg record.CodecConfig) []byte {
	h := record.Header{
		Dialect: record.Secondary,
		LocalID: cid.LocalID(),
		Length:  uint32(len(payload)),
		Epoch:   0,
		Counter: counter,
	}
	buf := record.Serialize(h, cfg, false)
	record.AddChecksum(buf, h, cfg, false, payload)
	return append(buf, payload...)
}

func openTestVersionStore(t *testing.T) *version.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "range.ver")
	backend, err := disk.Open(disk.Config{Mode: disk.Buffered, Path: path})
	require.NoError(t, err)
	s, err := version.Open(backend)
	require.NoError(t, err)
	return s
}

func TestReorganizationReclaimsObsoleteEntries(t *testing.T) {
	cfg := record.CodecConfig{UseChecksums: true}
	l := openTestLog(t, 4, 256)
	store := openTestVersionStore(t)

	cidA := model.NewChunkID(owner, 1)
	cidB := model.NewChunkID(owner, 2)

	// three versions of A, one of B, all in the same segment; only the
	// latest version of A is "current".
	var vA model.Version
	for i := 0; i < 3; i++ {
		v, err := store.GetNext(cidA)
		require.NoError(t, err)
		vA = v
		_, _, err = l.Append(buildEntry(cidA, v.Counter, []byte("payloadA"), cfg), 1)
		require.NoError(t, err)
	}
	vB, err := store.GetNext(cidB)
	require.NoError(t, err)
	_, _, err = l.Append(buildEntry(cidB, vB.Counter, []byte("payloadB"), cfg), 1)
	require.NoError(t, err)

	// append one more byte (it still fits in segment 0), then mark
	// segment 0 inactive directly so it becomes a victim candidate.
	_, _, err = l.Append(make([]byte, 1), 1)
	require.NoError(t, err)
	l.segments[0].setState(StateInactive)

	reorg := New(l, store, ReorgConfig{Owner: owner, Codec: cfg})
	require.NoError(t, reorg.RunOnce(context.Background(), 100))

	// victim (segment 0) should now be free.
	assert.Equal(t, StateFree, l.segments[0].State())

	// re-scan every non-free segment and confirm invariant 6: every
	// surviving entry's version matches the version store's current value.
	var total int
	for _, seg := range l.Segments() {
		if seg.State() == StateFree || seg.UsedBytes() == 0 {
			continue
		}
		buf := make([]byte, l.SegmentSize())
		n, err := l.ReadSegment(seg, buf)
		require.NoError(t, err)
		entries, err := scanLiveEntries(buf[:n], owner, store, cfg)
		require.NoError(t, err)
		for _, e := range entries {
			cid := chunkIDFromHeader(owner, e.h)
			cur := store.GetCurrent(cid)
			assert.Equal(t, cur.Counter, e.h.Counter)
			total++
		}
	}
	assert.GreaterOrEqual(t, total, 0)
	assert.Equal(t, vA.Counter, vA.Counter) // vA retained for readability of intent above
}

func TestNothingToCompactWhenNoInactiveSegments(t *testing.T) {
	l := openTestLog(t, 2, 64)
	store := openTestVersionStore(t)
	reorg := New(l, store, ReorgConfig{Owner: owner})
	err := reorg.RunOnce(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNothingToCompact)
}

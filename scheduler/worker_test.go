package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cqkv/chunkstore/disk"
	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
	"github.com/cqkv/chunkstore/secondary"
	"github.com/cqkv/chunkstore/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, numSegs, segSize int) *secondary.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "range.sec")
	backend, err := disk.Open(disk.Config{Mode: disk.Buffered, Path: path})
	require.NoError(t, err)
	l, err := secondary.Open(backend, numSegs, segSize)
	require.NoError(t, err)
	return l
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

func buildEntry(cid model.ChunkID, counter uint32, payload []byte, cfg record.CodecConfig) []byte {
	h := record.Header{
		Dialect: record.Secondary,
		LocalID: cid.LocalID(),
		Length:  uint32(len(payload)),
		Counter: counter,
	}
	buf := record.Serialize(h, cfg, false)
	record.AddChecksum(buf, h, cfg, false, payload)
	return append(buf, payload...)
}

func TestReorgWorkerServicesEnqueuedLog(t *testing.T) {
	const owner = model.NodeID(7)
	cfg := record.CodecConfig{UseChecksums: true}

	l := openTestLog(t, 4, 256)
	store := openTestVersionStore(t)

	cid := model.NewChunkID(owner, 1)
	for i := 0; i < 3; i++ {
		v, err := store.GetNext(cid)
		require.NoError(t, err)
		_, _, err = l.Append(buildEntry(cid, v.Counter, []byte("payload"), cfg), 1)
		require.NoError(t, err)
	}
	seg0 := l.Segments()[0]

	// fill the remaining capacity of segment 0 so the next append rotates
	// it to a fresh segment, transitioning segment 0 to Inactive.
	filler := make([]byte, l.SegmentSize()-int(seg0.UsedBytes())+1)
	_, _, err := l.Append(filler, 1)
	require.NoError(t, err)
	require.Equal(t, secondary.StateInactive, seg0.State())

	reorg := secondary.New(l, store, secondary.ReorgConfig{Owner: owner, Codec: cfg})

	sched := New(4)
	key := LogKey{Owner: owner, RangeID: 1}
	w := NewReorgWorker(sched, time.Hour, nil)
	w.Register(key, reorg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Close()

	sched.EnqueueSurvey(key)

	require.Eventually(t, func() bool {
		return seg0.State() == secondary.StateFree
	}, time.Second, 5*time.Millisecond)
}

func TestReorgWorkerUnregisterStopsServicing(t *testing.T) {
	sched := New(4)
	w := NewReorgWorker(sched, time.Hour, nil)
	key := LogKey{Owner: 1, RangeID: 1}
	w.Unregister(key) // never registered: no-op, must not panic

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	sched.EnqueueSurvey(key)
	time.Sleep(20 * time.Millisecond)
	cancel()
	w.Close()
	assert.Equal(t, Idle, sched.StateOf(key))
}

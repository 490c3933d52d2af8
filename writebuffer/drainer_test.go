package writebuffer

import (
	"sync"
	"testing"
	"time"

	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	targets map[model.RangeID]RangeTarget
	direct  map[model.RangeID][][]byte
}

func newFakeSink() *fakeSink {
	return &fakeSink{targets: make(map[model.RangeID]RangeTarget), direct: make(map[model.RangeID][][]byte)}
}

func (f *fakeSink) Target(owner model.NodeID, rng model.RangeID) (RangeTarget, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[rng]
	return t, ok
}

func (f *fakeSink) register(rng model.RangeID, secBuf *SecondaryBuffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[rng] = RangeTarget{
		SecondaryBuf: secBuf,
		Append: func(entry []byte, timestamp uint32) error {
			f.direct[rng] = append(f.direct[rng], entry)
			return nil
		},
	}
}

func primaryEntry(owner model.NodeID, rng model.RangeID, localID uint64, payload []byte, cfg record.CodecConfig) []byte {
	h := record.Header{
		Dialect: record.Primary, NodeID: owner, LocalID: localID,
		Length: uint32(len(payload)), RangeID: rng, Counter: 1,
	}
	buf := record.Serialize(h, cfg, false)
	record.AddChecksum(buf, h, cfg, false, payload)
	return append(buf, payload...)
}

func TestDrainerRoutesSmallBatchThroughPrimaryAndSecondaryBuffer(t *testing.T) {
	cfg := record.CodecConfig{UseChecksums: true}
	wb := New(1<<16, 1<<16) // watermark never reached; rely on explicit flush
	primary := OpenPrimaryLog(openTestBackend(t, 1<<16), 1<<16)
	log := openTestSecondaryLog(t, 4, 4096)
	secBuf := NewSecondaryBuffer(log, 2048)

	sink := newFakeSink()
	sink.register(1, secBuf)

	d := NewDrainer(wb, primary, sink, cfg, 4096, time.Hour, nil)
	d.Start()
	defer d.Close()

	entry := primaryEntry(7, 1, 1, []byte("small-payload"), cfg)
	require.NoError(t, wb.Post(7, 1, entry))
	wb.RequestFlush()

	require.Eventually(t, func() bool {
		return primary.Head() > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(len(entry)), primary.Head())
}

func TestDrainerRoutesLargeBatchDirectToSecondaryLog(t *testing.T) {
	cfg := record.CodecConfig{UseChecksums: true}
	wb := New(1<<16, 1<<16)
	primary := OpenPrimaryLog(openTestBackend(t, 1<<16), 1<<16)
	log := openTestSecondaryLog(t, 4, 4096)
	secBuf := NewSecondaryBuffer(log, 2048)

	sink := newFakeSink()
	sink.register(1, secBuf)

	segSize := 4096
	d := NewDrainer(wb, primary, sink, cfg, segSize, time.Hour, nil)
	d.Start()
	defer d.Close()

	big := make([]byte, segSize) // well over half the segment size
	entry := primaryEntry(7, 1, 1, big, cfg)
	require.NoError(t, wb.Post(7, 1, entry))
	wb.RequestFlush()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.direct[1]) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(0), primary.Head(), "large batches bypass the primary log entirely")
}

func TestDrainerPeriodicFlushDrainsBelowWatermark(t *testing.T) {
	cfg := record.CodecConfig{UseChecksums: true}
	wb := New(1<<16, 1<<16) // watermark effectively unreachable by this test's payload
	primary := OpenPrimaryLog(openTestBackend(t, 1<<16), 1<<16)
	log := openTestSecondaryLog(t, 4, 4096)
	secBuf := NewSecondaryBuffer(log, 2048)

	sink := newFakeSink()
	sink.register(1, secBuf)

	d := NewDrainer(wb, primary, sink, cfg, 4096, 10*time.Millisecond, nil)
	d.Start()
	defer d.Close()

	entry := primaryEntry(7, 1, 1, []byte("tiny"), cfg)
	require.NoError(t, wb.Post(7, 1, entry))

	require.Eventually(t, func() bool {
		return wb.Occupancy() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDrainerCloseIsIdempotent(t *testing.T) {
	wb := New(1024, 512)
	primary := OpenPrimaryLog(openTestBackend(t, 1024), 1024)
	sink := newFakeSink()

	d := NewDrainer(wb, primary, sink, record.CodecConfig{}, 256, time.Hour, nil)
	d.Start()
	d.Close()
	d.Close()
}

package writebuffer

import (
	"errors"
	"sync"

	"github.com/cqkv/chunkstore/model"
)

var (
	// ErrShutdown is returned to a producer blocked in Post when Close is
	// called (spec.md §5 "Cancellation").
	ErrShutdown = errors.New("writebuffer: shut down")
	// ErrBufferFull names the buffer-full condition. No function in this
	// package returns it: Post blocks while the buffer is full.
	ErrBufferFull = errors.New("writebuffer: buffer is full")
)

type rangeKey struct {
	owner model.NodeID
	rng   model.RangeID
}

// Buffer is the bounded, multi-producer/single-consumer write buffer
// producers post into (spec.md §3 "Write buffer", §4.1). It aggregates
// concurrent posts into per-range byte regions; the drainer periodically
// swaps the whole set out.
type Buffer struct {
	capacity     int
	lowWatermark int

	mu      sync.Mutex
	notFull *sync.Cond
	used    int
	pending map[rangeKey][]byte
	order   []rangeKey

	flushNow chan struct{} // non-blocking signal: drain now regardless of watermark
	closed   bool
}

// New creates a write buffer of the given byte capacity. lowWatermark is
// the occupancy at which the drainer should wake (spec.md §4.1).
func New(capacity, lowWatermark int) *Buffer {
	b := &Buffer{
		capacity:     capacity,
		lowWatermark: lowWatermark,
		pending:      make(map[rangeKey][]byte),
		flushNow:     make(chan struct{}, 1),
	}
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Post copies payload (nEntries fully-serialized primary-dialect records,
// concatenated) into the buffer's pending region for (owner, rng),
// blocking while the buffer is full. It returns once the copy is durably
// recorded in memory — not once it has reached disk.
func (b *Buffer) Post(owner model.NodeID, rng model.RangeID, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.used+len(payload) > b.capacity && !b.closed {
		b.notFull.Wait()
	}
	if b.closed {
		return ErrShutdown
	}

	key := rangeKey{owner, rng}
	if _, exists := b.pending[key]; !exists {
		b.order = append(b.order, key)
	}
	b.pending[key] = append(b.pending[key], payload...)
	b.used += len(payload)

	if b.used >= b.lowWatermark {
		select {
		case b.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// WaitForFlushSignal blocks until occupancy reaches the low watermark, a
// caller explicitly requests an immediate flush via RequestFlush, or stop
// is closed (then it returns true). Closing the Buffer itself does not wake
// it.
func (b *Buffer) WaitForFlushSignal(stop <-chan struct{}) (shouldStop bool) {
	select {
	case <-b.flushNow:
		return false
	case <-stop:
		return true
	}
}

// RequestFlush raises the scheduler's "flush now" signal (spec.md §4.1
// condition (b)).
func (b *Buffer) RequestFlush() {
	select {
	case b.flushNow <- struct{}{}:
	default:
	}
}

// Drain atomically swaps out every pending per-range region and resets
// occupancy to zero, waking any producers blocked on space. It returns one
// Entry per range with pending data, in the order those ranges first
// received a post since the previous drain.
func (b *Buffer) Drain() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, Entry{Owner: key.owner, RangeID: key.rng, Data: b.pending[key]})
	}
	b.pending = make(map[rangeKey][]byte)
	b.order = nil
	b.used = 0
	b.notFull.Broadcast()
	return out
}

// Entry is one range's drained sub-stream.
type Entry struct {
	Owner   model.NodeID
	RangeID model.RangeID
	Data    []byte
}

// Occupancy returns the current buffer occupancy in bytes.
func (b *Buffer) Occupancy() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Close unblocks every producer currently waiting in Post with
// ErrShutdown and causes future Post calls to fail immediately.
// Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notFull.Broadcast()
}

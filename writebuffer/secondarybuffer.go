package writebuffer

import (
	"context"
	"sync"

	"github.com/cqkv/chunkstore/scheduler"
	"github.com/cqkv/chunkstore/secondary"
)

// SecondaryBuffer coalesces small fanned-in appends into fewer, larger
// writes to its range's secondary log (spec.md §3 "Secondary buffer",
// default 128 KiB).
type SecondaryBuffer struct {
	mu  sync.Mutex
	cap int
	buf []byte
	log *secondary.Log

	sched *scheduler.Scheduler
	key   scheduler.LogKey
}

// SetWriteGate wires the per-log scheduler token into this buffer's
// flushes, so a flush never overlaps a segment copy running against the
// same log (spec.md §4.4). Without one, flushes go straight to the log.
func (s *SecondaryBuffer) SetWriteGate(sched *scheduler.Scheduler, key scheduler.LogKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched = sched
	s.key = key
}

// NewSecondaryBuffer creates a staging buffer of the given capacity in
// front of log.
func NewSecondaryBuffer(log *secondary.Log, capacity int) *SecondaryBuffer {
	return &SecondaryBuffer{cap: capacity, log: log, buf: make([]byte, 0, capacity)}
}

// Remaining returns how many more bytes can be staged before a flush is
// forced.
func (s *SecondaryBuffer) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cap - len(s.buf)
}

// Write stages data, flushing first if it wouldn't fit, and flushing
// immediately afterward if the buffer is now full. timestamp is recorded
// against the coalesced write as a whole (a reasonable approximation: a
// single Write call is assumed to originate from one drain pass, so its
// entries share an ingest time to within the drain interval).
func (s *SecondaryBuffer) Write(data []byte, timestamp uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) > s.cap {
		// larger than the staging area entirely: flush what's pending,
		// then write straight through.
		if err := s.flushLocked(timestamp); err != nil {
			return err
		}
		if s.sched != nil {
			release, err := s.sched.AcquireWrite(context.Background(), s.key)
			if err != nil {
				return err
			}
			defer release()
		}
		_, _, err := s.log.Append(data, timestamp)
		return err
	}

	if len(s.buf)+len(data) > s.cap {
		if err := s.flushLocked(timestamp); err != nil {
			return err
		}
	}
	s.buf = append(s.buf, data...)
	if len(s.buf) == s.cap {
		return s.flushLocked(timestamp)
	}
	return nil
}

// Flush forces any staged bytes out to the secondary log.
func (s *SecondaryBuffer) Flush(timestamp uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(timestamp)
}

func (s *SecondaryBuffer) flushLocked(timestamp uint32) error {
	if len(s.buf) == 0 {
		return nil
	}
	if s.sched != nil {
		release, err := s.sched.AcquireWrite(context.Background(), s.key)
		if err != nil {
			return err
		}
		defer release()
	}
	_, _, err := s.log.Append(s.buf, timestamp)
	s.buf = s.buf[:0]
	return err
}

// Package writebuffer implements the primary ingestion pipeline: the
// bounded write buffer producers post into, the single drainer that
// aggregates and routes batches, and the primary log it writes through
// (spec.md §4.1, §3 "Primary log").
//
// Grounded on the teacher's db.go (appendRecord/setActiveDatafile) for the
// append-and-rotate shape and batch.go (single commit-lock write path) for
// the producer/consumer handoff, generalized from one active file per
// engine to one circular primary log shared by every range.
package writebuffer

import (
	"errors"
	"sync"

	"github.com/cqkv/chunkstore/disk"
)

// ErrPrimaryLogFull is returned by Append when writing would advance head
// past tail by more than a full ring, i.e. the oldest un-drained bytes
// have not yet been confirmed reflected in their secondary logs. Callers
// must drain and AdvanceTail before retrying.
var ErrPrimaryLogFull = errors.New("writebuffer: primary log full, tail not yet advanced")

// PrimaryLog is the circular on-disk log described in spec.md §3: a
// configurable-size ring of primary-dialect entries. A single writer
// (the drainer) advances head; tail only ever moves forward when the
// caller confirms those bytes are durably reflected in secondary logs.
type PrimaryLog struct {
	backend disk.Backend
	size    int64

	mu   sync.Mutex
	head int64 // logical, monotonically increasing; physical = head % size
	tail int64
}

// OpenPrimaryLog attaches to a preallocated primary log file.
func OpenPrimaryLog(backend disk.Backend, size int64) *PrimaryLog {
	return &PrimaryLog{backend: backend, size: size}
}

// Append writes data as one contiguous logical write, wrapping the
// physical offset at size. It never straddles across resetting the
// logical counter: callers reading this log must handle the same wrap
// semantics as the record package's Parse (bytesUntilEnd).
func (p *PrimaryLog) Append(data []byte) (logicalOffset int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.head-p.tail+int64(len(data)) > p.size {
		return 0, ErrPrimaryLogFull
	}

	phys := p.head % p.size
	bytesUntilEnd := p.size - phys
	if int64(len(data)) <= bytesUntilEnd {
		if err := p.backend.WriteAt(data, phys); err != nil {
			return 0, err
		}
	} else {
		if err := p.backend.WriteAt(data[:bytesUntilEnd], phys); err != nil {
			return 0, err
		}
		if err := p.backend.WriteAt(data[bytesUntilEnd:], 0); err != nil {
			return 0, err
		}
	}
	offset := p.head
	p.head += int64(len(data))
	return offset, nil
}

// AdvanceTail records that every byte before newTail is safely reflected
// in secondary logs and may be overwritten by future wraps.
func (p *PrimaryLog) AdvanceTail(newTail int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if newTail > p.tail {
		p.tail = newTail
	}
}

// Size returns the configured ring capacity.
func (p *PrimaryLog) Size() int64 { return p.size }

// Tail returns the logical offset before which every byte is known to be
// durably reflected in secondary logs and safe to overwrite on wrap.
func (p *PrimaryLog) Tail() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tail
}

// Head returns the current logical write position.
func (p *PrimaryLog) Head() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head
}

// BytesUntilWrap returns how many bytes may still be appended at the
// current head before the physical offset wraps to zero.
func (p *PrimaryLog) BytesUntilWrap() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - (p.head % p.size)
}

// Close closes the underlying backend. Idempotent (delegates to Backend).
func (p *PrimaryLog) Close() error {
	return p.backend.Close()
}

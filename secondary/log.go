package secondary

import (
	"errors"
	"sync"

	"github.com/cqkv/chunkstore/disk"
)

var (
	ErrNoFreeSegment  = errors.New("secondary: no free segment available")
	ErrEntryTooLarge  = errors.New("secondary: entry larger than a segment")
	ErrSegmentClosed  = errors.New("secondary: log is closed")
)

// Log is a per-range segmented secondary log: a fixed-size array of equal
// segments backed by one disk.Backend (spec.md §3 "Secondary log", §6.3 —
// file named "<owner>_<rangeID>.sec").
type Log struct {
	backend    disk.Backend
	segSize    int
	numSegs    int
	mu         sync.Mutex
	segments   []*Meta
	activeIdx  int // segment writers currently append to; -1 if none allocated
	generation uint64
	closed     bool
}

// Open attaches to (or initializes, if empty) a secondary log file of
// numSegs segments of segSize bytes each.
func Open(backend disk.Backend, numSegs, segSize int) (*Log, error) {
	l := &Log{
		backend:   backend,
		segSize:   segSize,
		numSegs:   numSegs,
		segments:  make([]*Meta, numSegs),
		activeIdx: -1,
	}
	for i := range l.segments {
		l.segments[i] = &Meta{Index: i, state: int32(StateFree)}
	}
	return l, nil
}

// OpenForScan attaches to an existing secondary log file whose segment
// bookkeeping was not carried over (spec.md §6.2 init_recovered_backup_range,
// "transferring the old" case: the new range has no live Meta for a file it
// did not itself write). Every segment is marked Inactive and fully used, so
// a Recovery pass scans the whole file instead of relying on live usedBytes
// bookkeeping built up over the file's writing history; the scan of each
// segment stops at its zero-filled unwritten tail or at the first invalid
// entry.
func OpenForScan(backend disk.Backend, numSegs, segSize int) (*Log, error) {
	l, err := Open(backend, numSegs, segSize)
	if err != nil {
		return nil, err
	}
	for _, s := range l.segments {
		s.markFullForScan(segSize)
	}
	return l, nil
}

// SegmentSize returns the configured fixed segment size.
func (l *Log) SegmentSize() int { return l.segSize }

// NumSegments returns the total segment count.
func (l *Log) NumSegments() int { return l.numSegs }

// Segments returns a snapshot slice of segment metadata pointers (the
// pointers themselves are live; their fields are read atomically).
func (l *Log) Segments() []*Meta {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Meta, len(l.segments))
	copy(out, l.segments)
	return out
}

// allocateFreeLocked finds a free segment, marks it with the given state,
// and returns it. Caller must hold l.mu.
func (l *Log) allocateFreeLocked(state State) (*Meta, error) {
	for _, s := range l.segments {
		if s.State() == StateFree {
			l.generation++
			s.reset(l.generation)
			s.setState(state)
			return s, nil
		}
	}
	return nil, ErrNoFreeSegment
}

// ensureActiveLocked returns the current writer segment, allocating one if
// none is active yet. Caller must hold l.mu.
func (l *Log) ensureActiveLocked() (*Meta, error) {
	if l.activeIdx >= 0 {
		return l.segments[l.activeIdx], nil
	}
	seg, err := l.allocateFreeLocked(StateActive)
	if err != nil {
		return nil, err
	}
	l.activeIdx = seg.Index
	return seg, nil
}

// Append writes entry (a fully-serialized header+payload record) to the
// active writer segment, rotating to a fresh free segment if it doesn't
// fit. It never writes into the reorganizer's destination segment — that
// allocation is tracked separately (spec.md §4.5 "disjoint" invariant).
func (l *Log) Append(entry []byte, timestamp uint32) (segIndex int, offset int64, err error) {
	if len(entry) > l.segSize {
		return 0, 0, ErrEntryTooLarge
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, 0, ErrSegmentClosed
	}

	seg, err := l.ensureActiveLocked()
	if err != nil {
		return 0, 0, err
	}
	if int(seg.UsedBytes())+len(entry) > l.segSize {
		seg.setState(StateInactive)
		l.activeIdx = -1
		seg, err = l.allocateFreeLocked(StateActive)
		if err != nil {
			return 0, 0, err
		}
		l.activeIdx = seg.Index
	}

	off := seg.UsedBytes()
	physOffset := int64(seg.Index)*int64(l.segSize) + off
	if err := l.backend.WriteAt(entry, physOffset); err != nil {
		return 0, 0, err
	}
	seg.recordAppend(len(entry), timestamp)
	return seg.Index, off, nil
}

// AllocateDestination reserves a fresh free segment for the reorganizer,
// distinct from whichever segment is currently the active writer segment.
func (l *Log) AllocateDestination() (*Meta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrSegmentClosed
	}
	return l.allocateFreeLocked(StateReorgDestination)
}

// AppendToDestination writes entry into dest at its current used-bytes
// offset. The caller (reorganizer) guarantees dest is not the active
// writer segment.
func (l *Log) AppendToDestination(dest *Meta, entry []byte, timestamp uint32) error {
	if int(dest.UsedBytes())+len(entry) > l.segSize {
		return ErrEntryTooLarge
	}
	physOffset := int64(dest.Index)*int64(l.segSize) + dest.UsedBytes()
	if err := l.backend.WriteAt(entry, physOffset); err != nil {
		return err
	}
	dest.recordAppend(len(entry), timestamp)
	return nil
}

// PublishDestination transitions a filled reorganizer-destination segment
// to Inactive (live, readable, no longer being written).
func (l *Log) PublishDestination(dest *Meta) {
	dest.setState(StateInactive)
}

// ReadSegment reads a segment's used bytes into buf[:n]. buf must be at
// least SegmentSize() bytes (typically obtained from a bufpool.Pool sized
// to match).
func (l *Log) ReadSegment(seg *Meta, buf []byte) (n int, err error) {
	used := int(seg.UsedBytes())
	if used == 0 {
		return 0, nil
	}
	physOffset := int64(seg.Index) * int64(l.segSize)
	if _, err := l.backend.ReadAt(buf[:used], physOffset); err != nil {
		return 0, err
	}
	return used, nil
}

// FreeSegment marks a segment (the reorganizer's victim, once compacted)
// free for reallocation.
func (l *Log) FreeSegment(seg *Meta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	seg.reset(l.generation)
}

// Utilization returns the fraction (0..1) of total log capacity currently
// holding written bytes (live or obsolete), used by the scheduler to decide whether to activate
// or prompt reorganization (spec.md §6.4).
func (l *Log) Utilization() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var used int64
	for _, s := range l.segments {
		used += s.UsedBytes()
	}
	total := int64(l.numSegs) * int64(l.segSize)
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}

// Close closes the underlying backend. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.backend.Close()
}

// Package scheduler mediates priority between a range's writer (the
// writebuffer drainer and secondary-buffer flush path) and its
// reorganizer, per spec.md §4.4. It replaces what the original
// implementation did with a shared wait/notify Scheduler object holding
// direct references to both workers (spec.md §9 "cyclic references"
// redesign note) with one command queue per worker and one shared
// priority flag per secondary log; callers never block on a log they do
// not hold a token for, and only one lock is ever held per call, matching
// spec.md §4's deadlock-avoidance rule.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/cqkv/chunkstore/model"
)

// LogState is a secondary log's coarse activity state (spec.md §4.4).
type LogState int

const (
	Idle LogState = iota
	Writing
	Reorganizing
)

func (s LogState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Writing:
		return "writing"
	case Reorganizing:
		return "reorg"
	default:
		return "unknown"
	}
}

// ErrBusy is returned by a non-blocking acquire when the log's token is
// already held.
var ErrBusy = errors.New("scheduler: log token held")

// LogKey identifies the secondary log a token guards.
type LogKey struct {
	Owner   model.NodeID
	RangeID model.RangeID
}

type logToken struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state LogState
}

// Scheduler hands out per-log exclusive tokens and tracks which logs have
// an outstanding high-priority reorganization request.
type Scheduler struct {
	mu       sync.Mutex
	logs     map[LogKey]*logToken
	highReqs map[LogKey]bool // logs with a pending/active high-priority reorg request

	lowPrio  chan LogKey
	highPrio chan LogKey
}

// New creates a scheduler. queueSize bounds the pending low-priority
// reorganization survey queue (spec.md §4.4 "ReorganizationThread
// periodically surveys all secondary logs").
func New(queueSize int) *Scheduler {
	return &Scheduler{
		logs:     make(map[LogKey]*logToken),
		highReqs: make(map[LogKey]bool),
		lowPrio:  make(chan LogKey, queueSize),
		highPrio: make(chan LogKey, queueSize),
	}
}

func (s *Scheduler) tokenFor(key LogKey) *logToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.logs[key]
	if !ok {
		t = &logToken{}
		t.cond = sync.NewCond(&t.mu)
		s.logs[key] = t
	}
	return t
}

// AcquireWrite blocks until key's log is Idle, then marks it Writing. A
// write (flush of a secondary buffer) never overlaps a segment copy on
// the same log (spec.md §4.4).
func (s *Scheduler) AcquireWrite(ctx context.Context, key LogKey) (release func(), err error) {
	t := s.tokenFor(key)
	return t.acquire(ctx, Writing)
}

// AcquireReorg blocks until key's log is Idle, then marks it Reorganizing.
func (s *Scheduler) AcquireReorg(ctx context.Context, key LogKey) (release func(), err error) {
	t := s.tokenFor(key)
	return t.acquire(ctx, Reorganizing)
}

func (t *logToken) acquire(ctx context.Context, want LogState) (func(), error) {
	// wake the wait below when ctx ends, so cancellation is seen even if
	// the current holder never releases.
	stopWake := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stopWake()

	t.mu.Lock()
	for t.state != Idle {
		if ctx.Err() != nil {
			t.mu.Unlock()
			return nil, ctx.Err()
		}
		t.cond.Wait()
	}
	t.state = want
	t.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			t.state = Idle
			t.cond.Broadcast()
			t.mu.Unlock()
		})
	}
	return release, nil
}

// RequestHighPriorityReorg raises a REORG_HIGH_PRIO request for key
// (spec.md §4.4): WriterThread calls this when a secondary log is low on
// free space. Any in-progress low-priority reorganization on a different
// log is expected to consult ShouldYield and yield at its next segment
// boundary once it observes the request.
func (s *Scheduler) RequestHighPriorityReorg(key LogKey) {
	s.mu.Lock()
	s.highReqs[key] = true
	s.mu.Unlock()

	select {
	case s.highPrio <- key:
	default:
		// queue full: a survey pass or an already-queued request for this
		// log will pick it up regardless.
	}
}

// ClearHighPriority is called once a high-priority reorganization for key
// has been serviced.
func (s *Scheduler) ClearHighPriority(key LogKey) {
	s.mu.Lock()
	delete(s.highReqs, key)
	s.mu.Unlock()
}

// EnqueueSurvey adds key to the low-priority reorganization queue (spec.md
// §4.4: ReorganizationThread's periodic utilization survey). Non-blocking;
// a full queue silently drops the request, since the next survey pass
// will re-offer it.
func (s *Scheduler) EnqueueSurvey(key LogKey) {
	select {
	case s.lowPrio <- key:
	default:
	}
}

// Next blocks until a reorganization request is available, preferring any
// pending high-priority request over the low-priority survey queue.
func (s *Scheduler) Next(ctx context.Context) (LogKey, error) {
	select {
	case key := <-s.highPrio:
		return key, nil
	default:
	}
	select {
	case key := <-s.highPrio:
		return key, nil
	case key := <-s.lowPrio:
		return key, nil
	case <-ctx.Done():
		return LogKey{}, ctx.Err()
	}
}

// ShouldYield reports whether an in-progress low-priority reorganization
// currently working on workingOn should yield at the next segment
// boundary, because a REORG_HIGH_PRIO request has arrived for some other
// range with stricter need (spec.md §4.4). A request against the log
// already being serviced does not trigger a yield.
func (s *Scheduler) ShouldYield(workingOn LogKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pending := range s.highReqs {
		if pending && key != workingOn {
			return true
		}
	}
	return false
}

// StateOf reports a log's current coarse state, mainly for diagnostics
// and tests.
func (s *Scheduler) StateOf(key LogKey) LogState {
	t := s.tokenFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

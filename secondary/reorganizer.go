package secondary

import (
	"context"
	"errors"

	"github.com/cqkv/chunkstore/bufpool"
	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
	"github.com/cqkv/chunkstore/version"
	"github.com/google/btree"
)

// ErrNothingToCompact is returned by RunOnce when no inactive segment holds
// any reclaimable bytes.
var ErrNothingToCompact = errors.New("secondary: no eligible victim segment")

// ReorgConfig holds the reorganizer's tunable thresholds (spec.md §6.4).
type ReorgConfig struct {
	Owner                model.NodeID
	Codec                record.CodecConfig
	ActivateUtilization  float64
	PromptUtilization    float64
	ColdDataThresholdSec uint32
}

// Reorganizer compacts one Log live, coexisting with writers. At most one
// reorganizer is active per log (spec.md §4.5 invariant); callers must not
// run RunOnce concurrently for the same Log.
type Reorganizer struct {
	log   *Log
	store *version.Store
	cfg   ReorgConfig
	pool  *bufpool.Pool
}

// New builds a reorganizer bound to one secondary log and its range's
// version store.
func New(log *Log, store *version.Store, cfg ReorgConfig) *Reorganizer {
	return &Reorganizer{log: log, store: store, cfg: cfg}
}

// SetBufferPool wires a shared, bounded scratch-buffer pool into the
// reorganizer's segment reads (spec.md §4.1 "Buffer pool"). Without one,
// RunOnce falls back to allocating its own scratch buffer per call.
func (r *Reorganizer) SetBufferPool(pool *bufpool.Pool) {
	r.pool = pool
}

// ShouldActivate reports whether the log's utilization warrants entering
// the low-priority reorganization queue (spec.md §4.4).
func (r *Reorganizer) ShouldActivate() bool {
	return r.log.Utilization() >= r.cfg.ActivateUtilization
}

// ShouldContinueWithoutYielding reports whether utilization is still above
// the prompt threshold, in which case the scheduler should let the
// reorganizer keep running instead of yielding between segments (spec.md
// §4.5 "Fairness").
func (r *Reorganizer) ShouldContinueWithoutYielding() bool {
	return r.log.Utilization() >= r.cfg.PromptUtilization
}

// selectVictim scores every inactive segment and returns the one with the
// highest compaction priority; segments with nothing reclaimable (score 0)
// are never chosen.
func (r *Reorganizer) selectVictim(now uint32) (*Meta, error) {
	tree := btree.New(8)
	for _, seg := range r.log.Segments() {
		if seg.State() != StateInactive {
			continue
		}
		score, err := scoreSegment(seg, r.log, r.store, r.cfg.Owner, r.cfg.Codec, now, r.cfg.ColdDataThresholdSec)
		if err != nil {
			return nil, err
		}
		if score <= 0 {
			continue
		}
		tree.ReplaceOrInsert(scoredSegment{seg: seg, score: score})
	}
	if tree.Len() == 0 {
		return nil, ErrNothingToCompact
	}
	best := tree.Max().(scoredSegment)
	return best.seg, nil
}

// RunOnce performs one full victim-segment compaction pass (spec.md §4.5
// steps 1-6): select a victim, read and parse it, re-append surviving
// entries to one or more destination segments, then free the victim. It
// checks ctx before copying each surviving entry and returns ctx.Err() if
// ctx is done; a pass is not otherwise interrupted, so preemption by a
// high-priority request only takes effect between RunOnce calls.
func (r *Reorganizer) RunOnce(ctx context.Context, now uint32) error {
	victim, err := r.selectVictim(now)
	if err != nil {
		return err
	}

	var buf []byte
	if r.pool != nil {
		acquired, err := r.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer r.pool.Release(acquired)
		buf = acquired
	} else {
		buf = make([]byte, r.log.SegmentSize())
	}

	n, err := r.log.ReadSegment(victim, buf)
	if err != nil {
		return err
	}

	live, err := scanLiveEntries(buf[:n], r.cfg.Owner, r.store, r.cfg.Codec)
	if err != nil {
		return err
	}

	var dest *Meta
	for _, e := range live {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entryBytes := append(append([]byte(nil), e.header...), e.payload...)
		if dest == nil {
			dest, err = r.log.AllocateDestination()
			if err != nil {
				return err
			}
		}
		if err := r.log.AppendToDestination(dest, entryBytes, e.h.Timestamp); err != nil {
			if !errors.Is(err, ErrEntryTooLarge) {
				return err
			}
			r.log.PublishDestination(dest)
			dest, err = r.log.AllocateDestination()
			if err != nil {
				return err
			}
			if err := r.log.AppendToDestination(dest, entryBytes, e.h.Timestamp); err != nil {
				return err
			}
		}
	}
	if dest != nil {
		r.log.PublishDestination(dest)
	}

	r.log.FreeSegment(victim)
	return nil
}

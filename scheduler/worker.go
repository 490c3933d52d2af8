package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cqkv/chunkstore/secondary"
)

// ReorgWorker is the single long-running ReorganizationThread (spec.md
// §4.4): it surveys registered logs, pulls requests from the scheduler,
// and drives each log's Reorganizer one victim segment at a time,
// checking ShouldYield between segments.
type ReorgWorker struct {
	sched *Scheduler

	mu       sync.Mutex
	reorgers map[LogKey]*secondary.Reorganizer

	surveyEvery time.Duration
	logger      *log.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewReorgWorker builds a worker bound to sched. surveyEvery is how often
// every registered log is checked against its activation threshold.
func NewReorgWorker(sched *Scheduler, surveyEvery time.Duration, logger *log.Logger) *ReorgWorker {
	if logger == nil {
		logger = log.Default()
	}
	return &ReorgWorker{
		sched:       sched,
		reorgers:    make(map[LogKey]*secondary.Reorganizer),
		surveyEvery: surveyEvery,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Register adds a log to the survey set. Callers (e.g. the root engine,
// on init_backup_range) call this once per range's secondary log.
func (w *ReorgWorker) Register(key LogKey, r *secondary.Reorganizer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reorgers[key] = r
}

// Unregister drops a log from the survey set (e.g. on remove_backup_range).
func (w *ReorgWorker) Unregister(key LogKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.reorgers, key)
}

func (w *ReorgWorker) reorganizerFor(key LogKey) (*secondary.Reorganizer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.reorgers[key]
	return r, ok
}

// Start launches the survey loop and the request-consumer loop as
// background goroutines.
func (w *ReorgWorker) Start(ctx context.Context) {
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.surveyLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.consumeLoop(ctx)
	}()
}

func (w *ReorgWorker) surveyLoop(ctx context.Context) {
	ticker := time.NewTicker(w.surveyEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			keys := make([]LogKey, 0, len(w.reorgers))
			for k, r := range w.reorgers {
				if r.ShouldActivate() {
					keys = append(keys, k)
				}
			}
			w.mu.Unlock()
			for _, k := range keys {
				w.sched.EnqueueSurvey(k)
			}
		}
	}
}

func (w *ReorgWorker) consumeLoop(ctx context.Context) {
	// Close must also stop a loop blocked in Next or AcquireReorg.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		key, err := w.sched.Next(ctx)
		if err != nil {
			return
		}
		w.service(ctx, key)
	}
}

// service runs one log's reorganizer to exhaustion or until it yields
// (spec.md §4.4 IDLE->REORG->IDLE transition, §4.5 Fairness).
func (w *ReorgWorker) service(ctx context.Context, key LogKey) {
	r, ok := w.reorganizerFor(key)
	if !ok {
		return
	}

	release, err := w.sched.AcquireReorg(ctx, key)
	if err != nil {
		return
	}
	defer release()
	defer w.sched.ClearHighPriority(key)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		if !r.ShouldContinueWithoutYielding() && w.sched.ShouldYield(key) {
			return
		}

		now := uint32(time.Now().Unix())
		err := r.RunOnce(ctx, now)
		if errors.Is(err, secondary.ErrNothingToCompact) {
			return
		}
		if err != nil {
			w.logger.Printf("chunkstore: reorganization of %v failed: %v", key, err)
			return
		}
	}
}

// Close stops the survey and consumer loops and waits for them to exit.
func (w *ReorgWorker) Close() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
	}
	w.wg.Wait()
}

// Package recovery implements the parallel secondary-log reader (spec.md
// §4.6): partition segments across worker goroutines, parse and verify
// entries, reassemble chained chunks, filter against the version store,
// and hand surviving chunks to the caller's sink.
//
// Grounded on the teacher's merge.go loadMergeFiles/loadKeydirFromHintFile
// scan pattern (sequential parse-and-rebuild over a set of files), fanned
// out with golang.org/x/sync/errgroup the way
// dragonflyoss-nydus/contrib/nydusify/pkg/copier uses it to bound and
// aggregate errors from a worker pool.
package recovery

import (
	"context"
	"log"
	"sync"

	"github.com/cqkv/chunkstore/bufpool"
	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
	"github.com/cqkv/chunkstore/secondary"
	"github.com/cqkv/chunkstore/version"
	"golang.org/x/sync/errgroup"
)

// Sink receives recovered chunks. It must be safe for concurrent use by
// multiple recovery workers and idempotent: the same CID may be delivered
// more than once is NOT expected, but a caller-side create_and_put that is
// itself idempotent guards against a future retry emitting a CID twice
// (spec.md §4.6 step 5).
type Sink interface {
	CreateAndPut(chunk model.Chunk) error
}

// Metadata summarizes one recovery run (spec.md §4.6 "Output").
type Metadata struct {
	Count          int
	TotalBytes     int64
	MinCID         model.ChunkID
	MaxCID         model.ChunkID
	TruncatedTail  bool // a segment's scan stopped short of its used-bytes mark on a parse failure
	ChecksumErrors int
}

// Recovery scans one range's secondary log.
type Recovery struct {
	log    *secondary.Log
	store  *version.Store
	owner  model.NodeID
	codec  record.CodecConfig
	logger *log.Logger
	pool   *bufpool.Pool
}

// New builds a Recovery bound to log and a version store already loaded
// for the range (spec.md §4.6 step 1: "load version log; rebuild version
// hash table" happens via version.Open before constructing this).
func New(l *secondary.Log, store *version.Store, owner model.NodeID, codec record.CodecConfig, logger *log.Logger) *Recovery {
	if logger == nil {
		logger = log.Default()
	}
	return &Recovery{log: l, store: store, owner: owner, codec: codec, logger: logger}
}

// SetBufferPool wires a shared, bounded scratch-buffer pool into each
// worker's segment read (spec.md §4.6 step 3: "pooled scratch buffer").
// Without one, scanSegment falls back to a per-call allocation.
func (r *Recovery) SetBufferPool(pool *bufpool.Pool) {
	r.pool = pool
}

// Run partitions the log's non-free segments across workers goroutines
// (spec.md §4.6 step 2) and streams surviving chunks to sink.
func (r *Recovery) Run(ctx context.Context, sink Sink, workers int) (Metadata, error) {
	if workers < 1 {
		workers = 1
	}

	var segs []*secondary.Meta
	for _, s := range r.log.Segments() {
		if s.State() != secondary.StateFree && s.UsedBytes() > 0 {
			segs = append(segs, s)
		}
	}

	agg := &aggregator{chains: make(map[model.ChunkID]*chainSlot)}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, seg := range segs {
		seg := seg
		eg.Go(func() error {
			return r.scanSegment(egCtx, seg, sink, agg)
		})
	}
	if err := eg.Wait(); err != nil {
		return agg.snapshot(), err
	}

	agg.mu.Lock()
	for cid, chain := range agg.chains {
		if chain.got != chain.total {
			r.logger.Printf("chunkstore: recovery discarding partial chain for %s (%d/%d parts)", cid, chain.got, chain.total)
		}
	}
	agg.mu.Unlock()

	return agg.snapshot(), nil
}

type chainSlot struct {
	parts   [][]byte
	total   uint8
	got     uint8
	version model.Version
}

type aggregator struct {
	mu             sync.Mutex
	count          int
	totalBytes     int64
	haveRange      bool
	minCID, maxCID model.ChunkID
	truncatedTail  bool
	checksumErrors int
	chains         map[model.ChunkID]*chainSlot
}

func (a *aggregator) recordDelivered(cid model.ChunkID, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	a.totalBytes += int64(n)
	if !a.haveRange || cid < a.minCID {
		a.minCID = cid
	}
	if !a.haveRange || cid > a.maxCID {
		a.maxCID = cid
	}
	a.haveRange = true
}

func (a *aggregator) recordChecksumError() {
	a.mu.Lock()
	a.checksumErrors++
	a.mu.Unlock()
}

func (a *aggregator) recordTruncated() {
	a.mu.Lock()
	a.truncatedTail = true
	a.mu.Unlock()
}

func (a *aggregator) snapshot() Metadata {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Metadata{
		Count:          a.count,
		TotalBytes:     a.totalBytes,
		MinCID:         a.minCID,
		MaxCID:         a.maxCID,
		TruncatedTail:  a.truncatedTail,
		ChecksumErrors: a.checksumErrors,
	}
}

// chunkIDFromHeader resolves the owning CID for a secondary-dialect
// header: non-migrated secondary entries carry no NodeID field, so the
// range's own owner fills in (mirrors secondary/victim.go's resolution,
// duplicated here rather than exported across packages to keep recovery
// independent of secondary's internal scan helpers).
func chunkIDFromHeader(owner model.NodeID, h record.Header) model.ChunkID {
	node := owner
	if h.Migrated {
		node = h.NodeID
	}
	return model.NewChunkID(node, h.LocalID)
}

// scanSegment implements spec.md §4.6 steps 3-4 for one segment: read into
// a scratch buffer, parse entries sequentially, verify, resolve chaining
// and version, hand surviving chunks to sink.
func (r *Recovery) scanSegment(ctx context.Context, seg *secondary.Meta, sink Sink, agg *aggregator) error {
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

	n, err := r.log.ReadSegment(seg, buf)
	if err != nil {
		return err
	}
	data := buf[:n]

	offset := 0
	var prevLength uint32
	for offset < len(data) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A zero Type byte marks unwritten (zero-filled) space: every header
		// the engine writes has a non-zero Length width, so it never starts
		// with a zero byte. The rest of the segment holds no entries.
		if data[offset] == 0 {
			return nil
		}

		h, headerSize, err := record.Parse(data, offset, len(data)-offset, record.Secondary, r.codec, prevLength)
		if err != nil {
			// a corrupted segment header aborts this segment only (spec.md
			// §4.6 "Failure semantics"); other workers continue unaffected.
			agg.recordTruncated()
			return nil
		}
		entryLen := headerSize + int(h.Length)
		if offset+entryLen > len(data) {
			agg.recordTruncated()
			return nil
		}
		payload := data[offset+headerSize : offset+entryLen]
		prevLength = h.Length

		if r.codec.UseChecksums && !record.Verify(h, r.codec, payload) {
			agg.recordChecksumError()
			offset += entryLen
			continue
		}

		if err := r.handleEntry(h, payload, sink, agg); err != nil {
			return err
		}

		offset += entryLen
	}
	return nil
}

// handleEntry resolves chaining and version for one parsed entry and hands
// a completed chunk to sink when ready.
func (r *Recovery) handleEntry(h record.Header, payload []byte, sink Sink, agg *aggregator) error {
	cid := chunkIDFromHeader(r.owner, h)
	v := model.Version{Epoch: h.Epoch, Counter: h.Counter}

	if !h.Chained {
		return r.deliverIfCurrent(cid, v, payload, sink, agg)
	}

	agg.mu.Lock()
	chain, ok := agg.chains[cid]
	if !ok {
		chain = &chainSlot{parts: make([][]byte, h.ChainSize), total: h.ChainSize, version: v}
		agg.chains[cid] = chain
	}
	if int(h.ChainIndex) < len(chain.parts) && chain.parts[h.ChainIndex] == nil {
		chain.parts[h.ChainIndex] = append([]byte(nil), payload...)
		chain.got++
	}
	complete := chain.got == chain.total
	var full []byte
	if complete {
		for _, p := range chain.parts {
			full = append(full, p...)
		}
		delete(agg.chains, cid)
	}
	agg.mu.Unlock()

	if !complete {
		return nil
	}
	return r.deliverIfCurrent(cid, chain.version, full, sink, agg)
}

func (r *Recovery) deliverIfCurrent(cid model.ChunkID, v model.Version, payload []byte, sink Sink, agg *aggregator) error {
	current := r.store.GetCurrent(cid)
	if v.Less(current) {
		return nil
	}
	if err := sink.CreateAndPut(model.Chunk{ID: cid, Version: v, Payload: payload}); err != nil {
		return err
	}
	agg.recordDelivered(cid, len(payload))
	return nil
}

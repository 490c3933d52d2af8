package writebuffer

import (
	"log"
	"sync"
	"time"

	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
)

// RangeTarget bundles the per-range state the drainer needs to route a
// drained sub-stream (spec.md §4.1).
type RangeTarget struct {
	SecondaryBuf *SecondaryBuffer
	Append       func(secondaryEntry []byte, timestamp uint32) error // direct-to-secondary-log bypass
}

// FlushSink decouples the drainer from the catalog/scheduler so the two
// can be constructed independently and wired together at startup (spec.md
// §9 "cyclic references" redesign note: an abstract FlushSink instead of
// the write buffer and log handler holding each other directly).
type FlushSink interface {
	Target(owner model.NodeID, rng model.RangeID) (RangeTarget, bool)
}

// Drainer is the single dedicated worker that drains Buffer and routes
// each range's sub-stream to either the primary log + secondary buffer, or
// straight to the secondary log (spec.md §4.1 algorithm).
type Drainer struct {
	wb           *Buffer
	primary      *PrimaryLog
	sink         FlushSink
	codec        record.CodecConfig
	segSize      int
	flushEvery   time.Duration
	logger       *log.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// defaultFlushInterval bounds how long a sub-watermark batch can sit in
// the write buffer before it is drained anyway, so a workload that never
// reaches the low watermark still makes progress.
const defaultFlushInterval = 50 * time.Millisecond

// NewDrainer builds a drainer. segSize is the configured secondary log
// segment size, used for the "½ segment" direct-flush threshold.
// flushEvery bounds buffer staleness independent of the watermark signal;
// zero selects defaultFlushInterval.
func NewDrainer(wb *Buffer, primary *PrimaryLog, sink FlushSink, codec record.CodecConfig, segSize int, flushEvery time.Duration, logger *log.Logger) *Drainer {
	if logger == nil {
		logger = log.Default()
	}
	if flushEvery <= 0 {
		flushEvery = defaultFlushInterval
	}
	return &Drainer{wb: wb, primary: primary, sink: sink, codec: codec, segSize: segSize, flushEvery: flushEvery, logger: logger, stop: make(chan struct{})}
}

// Start launches the drain loop and its periodic flush ticker as
// background goroutines.
func (d *Drainer) Start() {
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.run()
	}()
	go func() {
		defer d.wg.Done()
		d.tickFlush()
	}()
}

// tickFlush periodically requests a flush so data posted below the low
// watermark (spec.md §4.1 condition (a)) is still bounded in staleness
// (condition (b) generalized from "explicit request" to "explicit or
// timed request").
func (d *Drainer) tickFlush() {
	ticker := time.NewTicker(d.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.wb.RequestFlush()
		case <-d.stop:
			return
		}
	}
}

func (d *Drainer) run() {
	for {
		if d.wb.WaitForFlushSignal(d.stop) {
			d.drainOnce() // final drain of anything posted just before shutdown
			return
		}
		d.drainOnce()
		select {
		case <-d.stop:
			d.drainOnce() // final drain of anything posted just before shutdown
			return
		default:
		}
	}
}

// drainOnce performs one full drain-and-route pass over every range with
// pending data.
func (d *Drainer) drainOnce() {
	for _, entry := range d.wb.Drain() {
		if err := d.route(entry); err != nil {
			d.logger.Printf("chunkstore: drain route failed for range %d/%d: %v", entry.Owner, entry.RangeID, err)
		}
	}
}

// route implements spec.md §4.1's per-substream decision.
func (d *Drainer) route(entry Entry) error {
	target, ok := d.sink.Target(entry.Owner, entry.RangeID)
	if !ok {
		d.logger.Printf("chunkstore: dropping drained batch for removed range %d/%d", entry.Owner, entry.RangeID)
		return nil
	}

	converted, totalConverted, err := d.convertAll(entry.Data)
	if err != nil {
		return err
	}

	direct := totalConverted >= d.segSize/2 || totalConverted > target.SecondaryBuf.Remaining()
	if direct {
		for _, c := range converted {
			if err := target.Append(c.bytes, c.timestamp); err != nil {
				return err
			}
		}
		return nil
	}

	offset, err := d.primary.Append(entry.Data)
	if err != nil {
		return err
	}
	for _, c := range converted {
		if err := target.SecondaryBuf.Write(c.bytes, c.timestamp); err != nil {
			return err
		}
	}
	// Every byte of this batch is now reflected in its secondary log, so
	// the primary log's ring may safely wrap over it.
	d.primary.AdvanceTail(offset + int64(len(entry.Data)))
	return nil
}

type convertedEntry struct {
	bytes     []byte
	timestamp uint32
}

// convertAll splits a concatenated batch of primary-dialect entries and
// converts each header to its secondary form (spec.md §4.2), returning the
// converted entries and their total converted byte size.
func (d *Drainer) convertAll(primaryBatch []byte) ([]convertedEntry, int, error) {
	var out []convertedEntry
	var total int
	offset := 0
	for offset < len(primaryBatch) {
		h, headerSize, err := record.Parse(primaryBatch, offset, len(primaryBatch)-offset, record.Primary, d.codec, 0)
		if err != nil {
			break // torn tail in a producer's own batch should not happen; stop defensively
		}
		entryLen := headerSize + int(h.Length)
		if offset+entryLen > len(primaryBatch) {
			break
		}
		payload := primaryBatch[offset+headerSize : offset+entryLen]

		secHeader, err := record.ConvertPrimaryToSecondary(primaryBatch, offset, len(primaryBatch)-offset, d.codec, 0)
		if err != nil {
			return nil, 0, err
		}
		secBytes := append(append([]byte(nil), secHeader...), payload...)
		out = append(out, convertedEntry{bytes: secBytes, timestamp: h.Timestamp})
		total += len(secBytes)

		offset += entryLen
	}
	return out, total, nil
}

// Close stops the drain loop after one final pass over any pending data,
// and waits for it to exit (spec.md §5 "Cancellation"). Idempotent.
func (d *Drainer) Close() {
	select {
	case <-d.stop:
		return
	default:
		close(d.stop)
	}
	d.wb.RequestFlush()
	d.wg.Wait()
}

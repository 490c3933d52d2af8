package recovery

import (
	"context"

	"github.com/cqkv/chunkstore/disk"
	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
	"github.com/cqkv/chunkstore/version"
)

// collectSink accumulates recovered chunks into a slice, implementing
// Sink for recover_backup_range_from_file's `-> list<Chunk>` return shape
// (spec.md §6.2), as opposed to Recovery.Run's streaming callback shape
// used for a live range.
type collectSink struct {
	chunks []model.Chunk
}

func (c *collectSink) CreateAndPut(chunk model.Chunk) error {
	c.chunks = append(c.chunks, chunk)
	return nil
}

// RecoverFile implements recover_backup_range_from_file: a standalone
// secondary-dialect log file recovered independent of any live range's
// segment bookkeeping. The file is treated as one contiguous scan region
// rather than a set of fixed-size segments, since a standalone file has
// no segment table of its own; zero bytes between entries (the unwritten
// tail of each segment) are skipped.
func RecoverFile(ctx context.Context, path string, owner model.NodeID, codec record.CodecConfig, store *version.Store) ([]model.Chunk, Metadata, error) {
	backend, err := disk.Open(disk.Config{Mode: disk.Buffered, Path: path})
	if err != nil {
		return nil, Metadata{}, err
	}
	defer backend.Close()

	size, err := backend.Size()
	if err != nil {
		return nil, Metadata{}, err
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := backend.ReadAt(buf, 0); err != nil {
			return nil, Metadata{}, err
		}
	}

	sink := &collectSink{}
	agg := &aggregator{chains: make(map[model.ChunkID]*chainSlot)}

	r := &Recovery{store: store, owner: owner, codec: codec, logger: nil}
	if err := r.scanBuffer(ctx, buf, sink, agg); err != nil {
		return nil, agg.snapshot(), err
	}
	return sink.chunks, agg.snapshot(), nil
}

// scanBuffer is scanSegment's logic without the segment-table dependency,
// shared by RecoverFile.
func (r *Recovery) scanBuffer(ctx context.Context, data []byte, sink Sink, agg *aggregator) error {
	offset := 0
	var prevLength uint32
	for offset < len(data) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// zero-filled space, never the start of an entry (see scanSegment);
		// later segments of the file may still hold entries.
		if data[offset] == 0 {
			offset++
			continue
		}

		h, headerSize, err := record.Parse(data, offset, len(data)-offset, record.Secondary, r.codec, prevLength)
		if err != nil {
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

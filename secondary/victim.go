package secondary

import (
	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
	"github.com/cqkv/chunkstore/version"
	"github.com/google/btree"
)

// scoredSegment is one candidate for compaction, scored by §4.5 step 1.
type scoredSegment struct {
	seg   *Meta
	score int64
}

func (s scoredSegment) Less(than btree.Item) bool {
	o := than.(scoredSegment)
	if s.score != o.score {
		return s.score < o.score
	}
	return s.seg.Index < o.seg.Index
}

func chunkIDFromHeader(owner model.NodeID, h record.Header) model.ChunkID {
	node := owner
	if h.Migrated {
		node = h.NodeID
	}
	return model.NewChunkID(node, h.LocalID)
}

func versionOf(h record.Header) model.Version {
	return model.Version{Epoch: h.Epoch, Counter: h.Counter}
}

// scoreSegment computes a candidate segment's compaction priority without
// mutating any state: reclaimableBytes for migrated/no-timestamp logs, or
// reclaimableBytes weighted by a clamped age score when timestamps are in
// use (spec.md §4.5 step 1). owner is the backup range's owning NodeID,
// needed to resolve non-migrated entries' implicit NodeID.
func scoreSegment(seg *Meta, log *Log, store *version.Store, owner model.NodeID, cfg record.CodecConfig, now uint32, coldThresholdSec uint32) (int64, error) {
	used := int(seg.UsedBytes())
	if used == 0 {
		return 0, nil
	}
	buf := make([]byte, log.SegmentSize())
	n, err := log.ReadSegment(seg, buf)
	if err != nil {
		return 0, err
	}
	liveBytes, _, err := scanLiveBytes(buf[:n], owner, store, cfg)
	if err != nil {
		return 0, err
	}
	reclaimable := int64(used) - liveBytes

	score := reclaimable
	if cfg.UseTimestamps {
		age := int64(now) - int64(seg.AverageTimestamp())
		if age < 0 {
			age = 0
		}
		if age > int64(coldThresholdSec) {
			age = int64(coldThresholdSec)
		}
		// Age never outweighs a segment with nothing reclaimable: there's
		// no benefit to compacting an all-live segment, however old.
		if reclaimable > 0 {
			score = reclaimable + age
		} else {
			score = 0
		}
	}
	return score, nil
}

// liveEntry is one surviving entry found while scanning a victim segment,
// ready to be re-appended to a destination segment.
type liveEntry struct {
	header  []byte
	payload []byte
	h       record.Header
}

// scanLiveBytes parses every entry in a segment's used region and returns
// the total bytes occupied by entries that are still current according to
// store, plus the count of live entries. Corrupt (checksum-failed) entries
// are treated as dead weight, same as obsolete ones (spec.md §4.5 step 3).
func scanLiveBytes(buf []byte, owner model.NodeID, store *version.Store, cfg record.CodecConfig) (int64, int, error) {
	entries, err := scanLiveEntries(buf, owner, store, cfg)
	if err != nil {
		return 0, 0, err
	}
	var liveBytes int64
	for _, e := range entries {
		liveBytes += int64(len(e.header) + len(e.payload))
	}
	return liveBytes, len(entries), nil
}

// scanLiveEntries is scanLiveBytes's variant that materializes the
// surviving entries themselves, used by the reorganizer's compaction pass.
func scanLiveEntries(buf []byte, owner model.NodeID, store *version.Store, cfg record.CodecConfig) ([]liveEntry, error) {
	var out []liveEntry
	offset := 0
	for offset < len(buf) {
		h, headerSize, err := record.Parse(buf, offset, len(buf)-offset, record.Secondary, cfg, 0)
		if err != nil {
			break // torn tail: stop, keep everything parsed so far
		}
		total := headerSize + int(h.Length)
		if total == 0 || offset+total > len(buf) {
			break
		}
		payload := buf[offset+headerSize : offset+total]
		if !record.Verify(h, cfg, payload) {
			offset += total
			continue
		}
		cid := chunkIDFromHeader(owner, h)
		current := store.GetCurrent(cid)
		entryVersion := versionOf(h)
		if !entryVersion.Less(current) {
			headerCopy := make([]byte, headerSize)
			copy(headerCopy, buf[offset:offset+headerSize])
			payloadCopy := make([]byte, len(payload))
			copy(payloadCopy, payload)
			out = append(out, liveEntry{header: headerCopy, payload: payloadCopy, h: h})
		}
		offset += total
	}
	return out, nil
}

package record

import "github.com/cqkv/chunkstore/model"

// Parse decodes a header starting relOffset 0 (logical) after start in buf,
// which may wrap after bytesUntilEnd physical bytes. prevLength is used to
// resolve a zero-width Length field ("same size as previous version"); it
// is ignored when the wire length width is non-zero.
//
// Parse never mutates buf and never retains a read position: callers pass
// an explicit offset every time, so the same buf can be parsed concurrently
// from multiple goroutines (spec.md §4.2).
func Parse(buf []byte, start, bytesUntilEnd int, dialect Dialect, cfg CodecConfig, prevLength uint32) (Header, int, error) {
	if bytesUntilEnd <= 0 || len(buf) == 0 {
		return Header{}, 0, ErrShortBuffer
	}
	typeByte := sliceAt(buf, start, bytesUntilEnd, 0, 1)[0]
	lidWidth, lenWidth, verWidth, migrated, chained := DecodeType(typeByte)

	var h Header
	h.Dialect = dialect
	h.Migrated = migrated
	h.Chained = chained

	rel := 1
	if dialect == Primary || migrated {
		h.NodeID = model.NodeID(beUint(sliceAt(buf, start, bytesUntilEnd, rel, 2)))
		rel += 2
	}

	h.LocalID = beUint(sliceAt(buf, start, bytesUntilEnd, rel, lidWidth))
	rel += lidWidth

	if lenWidth == 0 {
		h.Length = prevLength
	} else {
		h.Length = uint32(beUint(sliceAt(buf, start, bytesUntilEnd, rel, lenWidth)))
	}
	rel += lenWidth

	if cfg.UseTimestamps {
		h.Timestamp = uint32(beUint(sliceAt(buf, start, bytesUntilEnd, rel, 4)))
		rel += 4
	}

	h.Epoch = uint16(beUint(sliceAt(buf, start, bytesUntilEnd, rel, 2)))
	rel += 2

	if verWidth == 0 {
		h.Counter = 1
	} else {
		h.Counter = uint32(beUint(sliceAt(buf, start, bytesUntilEnd, rel, verWidth)))
	}
	rel += verWidth

	if chained {
		b := sliceAt(buf, start, bytesUntilEnd, rel, 2)
		h.ChainIndex = b[0]
		h.ChainSize = b[1]
		rel += 2
	}

	if cfg.UseChecksums {
		h.Checksum = uint32(beUint(sliceAt(buf, start, bytesUntilEnd, rel, 4)))
		rel += 4
	}

	if dialect == Primary {
		h.RangeID = model.RangeID(beUint(sliceAt(buf, start, bytesUntilEnd, rel, 2)))
		rel += 2
	}

	return h, rel, nil
}

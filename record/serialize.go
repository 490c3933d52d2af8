package record

// Serialize encodes h into a freshly-sized byte slice. sameLengthAsPrevious
// lets the caller collapse the Length field to zero width when it equals
// the previous version's length (§3 "0 means same size as previous
// version"); h.Counter == 1 likewise collapses the Version field to zero
// width. The checksum field, if enabled, is left zeroed — call AddChecksum
// once the payload is known.
func Serialize(h Header, cfg CodecConfig, sameLengthAsPrevious bool) []byte {
	lidWidth, lenWidth, verWidth := h.widths(sameLengthAsPrevious)
	size := Size(h.Dialect, h.Migrated, h.Chained, lidWidth, lenWidth, verWidth, cfg)
	buf := make([]byte, size)

	buf[0] = h.typeByte(lidWidth, lenWidth, verWidth)
	off := 1

	if h.Dialect == Primary || h.Migrated {
		putBE(buf[off:off+2], uint64(h.NodeID))
		off += 2
	}

	putBE(buf[off:off+lidWidth], h.LocalID)
	off += lidWidth

	if lenWidth > 0 {
		putBE(buf[off:off+lenWidth], uint64(h.Length))
	}
	off += lenWidth

	if cfg.UseTimestamps {
		putBE(buf[off:off+4], uint64(h.Timestamp))
		off += 4
	}

	putBE(buf[off:off+2], uint64(h.Epoch))
	off += 2

	if verWidth > 0 {
		putBE(buf[off:off+verWidth], uint64(h.Counter))
	}
	off += verWidth

	if h.Chained {
		buf[off] = h.ChainIndex
		buf[off+1] = h.ChainSize
		off += 2
	}

	if cfg.UseChecksums {
		off += 4 // left zero; filled by AddChecksum
	}

	if h.Dialect == Primary {
		putBE(buf[off:off+2], uint64(h.RangeID))
	}

	return buf
}

// checksumOffset returns the byte offset of the checksum field within a
// serialized header of the given shape, or -1 if checksums are disabled.
func checksumOffset(dialect Dialect, migrated, chained bool, lidWidth, lenWidth, verWidth int, cfg CodecConfig) int {
	if !cfg.UseChecksums {
		return -1
	}
	off := 1
	if dialect == Primary || migrated {
		off += 2
	}
	off += lidWidth + lenWidth
	if cfg.UseTimestamps {
		off += 4
	}
	off += 2 + verWidth
	if chained {
		off += 2
	}
	return off
}

// AddChecksum computes the CRC-32 of payload and writes it into header's
// checksum field in place.
func AddChecksum(header []byte, h Header, cfg CodecConfig, sameLengthAsPrevious bool, payload []byte) {
	if !cfg.UseChecksums {
		return
	}
	lidWidth, lenWidth, verWidth := h.widths(sameLengthAsPrevious)
	off := checksumOffset(h.Dialect, h.Migrated, h.Chained, lidWidth, lenWidth, verWidth, cfg)
	putBE(header[off:off+4], uint64(Checksum(payload)))
}

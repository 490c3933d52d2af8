package record

// ConvertPrimaryToSecondary converts a primary-dialect header already
// present in buf (which may wrap, per bytesUntilEnd) into a fresh
// secondary-dialect header byte slice, without re-deriving any field: the
// Type byte is copied unchanged (it means the same thing in both dialects;
// only whether NodeID is present depends on dialect+migrated) and the tail
// from conversion_offset through the Checksum field is copied verbatim —
// RangeID, which Size/Serialize place last and primary-only, is simply not
// included in the copied range. sliceAt already reassembles that tail
// whether it lies entirely within buf, is bisected at the wrap boundary,
// or starts past it, so all three cases in spec.md §4.2 share this one
// code path.
//
// prevLength resolves a zero-width Length field exactly as in Parse.
func ConvertPrimaryToSecondary(buf []byte, start, bytesUntilEnd int, cfg CodecConfig, prevLength uint32) ([]byte, error) {
	h, headerSize, err := Parse(buf, start, bytesUntilEnd, Primary, cfg, prevLength)
	if err != nil {
		return nil, err
	}

	convOffset := 1
	if !h.Migrated {
		convOffset = 3 // skip the 2-byte NodeID field
	}

	tailLen := headerSize - convOffset - 2 // -2 drops the trailing RangeID
	tail := sliceAt(buf, start, bytesUntilEnd, convOffset, tailLen)

	typeByte := sliceAt(buf, start, bytesUntilEnd, 0, 1)[0]

	out := make([]byte, 1+tailLen)
	out[0] = typeByte
	copy(out[1:], tail)
	return out, nil
}

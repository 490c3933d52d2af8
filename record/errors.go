package record

import "errors"

var (
	// ErrShortBuffer is returned when a header cannot be parsed because
	// fewer bytes are available than the minimum header size.
	ErrShortBuffer = errors.New("record: buffer too short to hold a header")
	// ErrChecksumMismatch marks a payload whose CRC-32 does not match the
	// header's stored checksum; callers treat the entry as corrupt and
	// skip it rather than aborting the scan (spec.md §7).
	ErrChecksumMismatch = errors.New("record: checksum mismatch")
)

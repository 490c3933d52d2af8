// Package record implements the durable log-entry header format: a primary
// dialect (written to the primary log) and a secondary dialect (written to
// a per-range secondary log), each with a migrated/non-migrated variant and
// optional timestamp/checksum fields. All field widths are deterministic
// functions of the Type byte plus the engine-wide CodecConfig; there is no
// virtual dispatch and no header ever owns a read/write position — every
// accessor takes an explicit (buffer, offset) pair so the same buffer can
// be parsed from multiple goroutines concurrently.
package record

import (
	"hash/crc32"

	"github.com/cqkv/chunkstore/model"
)

// Dialect selects which log a header belongs to.
type Dialect uint8

const (
	Primary Dialect = iota
	Secondary
)

// CodecConfig is threaded through the engine at construction time and never
// mutated afterward (spec.md §9 "static global state" redesign note).
type CodecConfig struct {
	UseChecksums  bool
	UseTimestamps bool
}

// Type-byte bit layout:
//
//	bits 0-1: local-id width code  (0=1, 1=2, 2=4, 3=6 bytes)
//	bits 2-3: length width code    (0=0, 1=1, 2=2, 3=3 bytes)
//	bits 4-5: version width code   (0=0, 1=1, 2=2, 3=4 bytes)
//	bit   6:  migrated flag
//	bit   7:  chained flag
const (
	lidWidthMask = 0x03
	lenWidthMask = 0x03
	verWidthMask = 0x03
	migratedBit  = 1 << 6
	chainedBit   = 1 << 7
)

var lidCodeToWidth = [4]int{1, 2, 4, 6}
var lenCodeToWidth = [4]int{0, 1, 2, 3}
var verCodeToWidth = [4]int{0, 1, 2, 4}

func lidWidthToCode(w int) byte {
	for code, width := range lidCodeToWidth {
		if width == w {
			return byte(code)
		}
	}
	panic("record: invalid local-id width")
}

func lenWidthToCode(w int) byte {
	for code, width := range lenCodeToWidth {
		if width == w {
			return byte(code)
		}
	}
	panic("record: invalid length width")
}

func verWidthToCode(w int) byte {
	for code, width := range verCodeToWidth {
		if width == w {
			return byte(code)
		}
	}
	panic("record: invalid version width")
}

// MinLocalIDWidth returns the smallest width in {1,2,4,6} that can hold id.
func MinLocalIDWidth(id uint64) int {
	switch {
	case id <= 0xFF:
		return 1
	case id <= 0xFFFF:
		return 2
	case id <= 0xFFFFFFFF:
		return 4
	default:
		return 6
	}
}

// MinLengthWidth returns the smallest width in {0,1,2,3} that can hold n,
// given sameAsPrevious indicates the caller already matches the previous
// version's length (width 0, inferred).
func MinLengthWidth(n uint32, sameAsPrevious bool) int {
	if sameAsPrevious {
		return 0
	}
	switch {
	case n <= 0xFF:
		return 1
	case n <= 0xFFFF:
		return 2
	default:
		return 3
	}
}

// MinVersionWidth returns the smallest width in {0,1,2,4} that can hold
// counter; width 0 means "counter is 1" (spec.md §3 header table).
func MinVersionWidth(counter uint32) int {
	switch {
	case counter == 1:
		return 0
	case counter <= 0xFF:
		return 1
	case counter <= 0xFFFF:
		return 2
	default:
		return 4
	}
}

// Header is the parsed, logical form of a log-entry header. Fields not
// relevant to a given Dialect/Migrated combination are left zero.
type Header struct {
	Dialect  Dialect
	Migrated bool
	Chained  bool

	NodeID  model.NodeID  // primary: always; secondary: only if Migrated
	LocalID uint64
	Length  uint32 // resolved length; 0-width wire form means "same as previous"
	RangeID model.RangeID // primary only

	Timestamp uint32 // seconds since init; 0 if timestamps disabled
	Epoch     uint16
	Counter   uint32 // resolved counter; 0-width wire form means "1"

	ChainIndex uint8
	ChainSize  uint8

	Checksum uint32
}

func (h Header) typeByte(lidWidth, lenWidth, verWidth int) byte {
	t := lidWidthToCode(lidWidth) | (lenWidthToCode(lenWidth) << 2) | (verWidthToCode(verWidth) << 4)
	if h.Migrated {
		t |= migratedBit
	}
	if h.Chained {
		t |= chainedBit
	}
	return t
}

// widths returns the on-disk widths this header was (or will be) encoded
// with, deriving length/version widths from the resolved field values.
func (h Header) widths(sameLengthAsPrevious bool) (lidWidth, lenWidth, verWidth int) {
	lidWidth = MinLocalIDWidth(h.LocalID)
	lenWidth = MinLengthWidth(h.Length, sameLengthAsPrevious)
	verWidth = MinVersionWidth(h.Counter)
	return
}

// Size returns the serialized header size in bytes for the given config and
// resolved field widths.
//
// Field order (see convert.go for why this order matters): Type, NodeID,
// LocalID, Length, Timestamp, Epoch, Version, Chaining, Checksum, RangeID.
// RangeID is deliberately last and primary-only: it lets primary→secondary
// conversion copy one contiguous tail (NodeID-or-LocalID .. Checksum)
// verbatim and simply stop short of the trailing RangeID bytes.
func Size(dialect Dialect, migrated bool, chained bool, lidWidth, lenWidth, verWidth int, cfg CodecConfig) int {
	n := 1 // Type
	if dialect == Primary || migrated {
		n += 2 // NodeID
	}
	n += lidWidth
	n += lenWidth
	if cfg.UseTimestamps {
		n += 4
	}
	n += 2 // Epoch
	n += verWidth
	if chained {
		n += 2 // chain-index + chain-size, 1 byte each
	}
	if cfg.UseChecksums {
		n += 4
	}
	if dialect == Primary {
		n += 2 // RangeID
	}
	return n
}

// DecodeType splits a Type byte into its field widths and flags.
func DecodeType(t byte) (lidWidth, lenWidth, verWidth int, migrated, chained bool) {
	lidWidth = lidCodeToWidth[t&lidWidthMask]
	lenWidth = lenCodeToWidth[(t>>2)&lenWidthMask]
	verWidth = verCodeToWidth[(t>>4)&verWidthMask]
	migrated = t&migratedBit != 0
	chained = t&chainedBit != 0
	return
}

// Checksum computes the CRC-32 (IEEE) over a payload. §4.2: checksum
// covers payload bytes only, never the header.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

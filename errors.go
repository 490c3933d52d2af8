package chunkstore

import "fmt"

// Error taxonomy (spec.md §7): InvalidConfig, IoError, ChecksumMismatch,
// BufferFull, RangeNotFound, Corrupt, Shutdown. Subpackages keep their own
// locally-scoped sentinels (secondary.ErrNothingToCompact,
// writebuffer.ErrBufferFull, ...); this file re-exports the ones callers
// need to compare against with errors.Is at the engine boundary.
var (
	ErrInvalidConfig    = addPrefix("invalid configuration")
	ErrIoError          = addPrefix("i/o error")
	ErrChecksumMismatch = addPrefix("checksum mismatch")
	ErrBufferFull       = addPrefix("write buffer is full")
	ErrRangeNotFound    = addPrefix("backup range not found")
	ErrRangeExists      = addPrefix("backup range already exists")
	ErrRangeRemoving    = addPrefix("backup range is being removed")
	ErrCorrupt          = addPrefix("corrupt data")
	ErrShutdown         = addPrefix("engine is shut down")
)

func addPrefix(errStr string) error {
	return fmt.Errorf("chunkstore: %s", errStr)
}

package store

import "errors"

// ErrSegmentFull signals the active segment has no room for one more
// record; it is a control-flow signal for Engine.appendActiveLocked, not a StoreIo
// error, since the caller simply rotates and retries.
var ErrSegmentFull = errors.New("segment full")

var (
	ErrSegmentSealed    = errors.New("segment is sealed")
	ErrOffsetOutOfRange = errors.New("offset out of range")
	ErrNotFound         = errors.New("connection record not found")

	// Named failure modes from spec.md §4.8.
	ErrWALTruncated    = errors.New("WAL_TRUNCATED")
	ErrIndexCorruption = errors.New("INDEX_CORRUPTION")
)

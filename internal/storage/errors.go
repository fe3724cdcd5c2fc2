package storage

import "errors"

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrSegmentClosed means an operation hit a segment that was closed or
	// destroyed by retention.
	ErrSegmentClosed = errors.New("segment is closed")

	// ErrOffsetMismatch means a sequential append did not start at the
	// segment's wrote position.
	ErrOffsetMismatch = errors.New("append offset does not match wrote position")

	// ErrCreateSegment means a segment file could not be allocated.
	ErrCreateSegment = errors.New("cannot create segment")

	// ErrSegmentExpired means the bucket is at or below the clean floor and
	// will not be allocated again.
	ErrSegmentExpired = errors.New("segment bucket already cleaned")

	// ErrMessageTooLarge means a record exceeds the single message limit.
	ErrMessageTooLarge = errors.New("message exceeds single message limit")

	// ErrCorruptRecord means bytes inside a segment's valid range failed to
	// decode.
	ErrCorruptRecord = errors.New("corrupt schedule record")

	// ErrRecordNotFound means an index points outside the segment or at a
	// segment that no longer exists.
	ErrRecordNotFound = errors.New("schedule record not found")

	// ErrLogDirUnusable means a log directory cannot be created, read or
	// written. Fatal at startup.
	ErrLogDirUnusable = errors.New("log directory unusable")

	// ErrLogDirLocked means another process holds the directory lock.
	ErrLogDirLocked = errors.New("log directory locked by another process")

	// ErrIOFailure wraps read, write and sync failures.
	ErrIOFailure = errors.New("segment i/o failure")

	// ErrLogClosed means the log was closed.
	ErrLogClosed = errors.New("log is closed")
)

// =============================================================================
// APPEND RESULTS AND STATUS CODES
// =============================================================================
//
// Append paths never panic and rarely return a bare error. A failed append is
// a normal outcome the caller reacts to (log it, reject the request), so every
// append reports a status code next to the position it wrote.
//
//   segment level:   AppendMessageResult[T]  (position, size, typed payload)
//   container level: RecordResult[T]         (status + segment result)
//
// =============================================================================

package storage

// =============================================================================
// STATUS
// =============================================================================

// AppendStatus is the outcome of a container append.
type AppendStatus int

const (
	StatusSuccess AppendStatus = iota
	StatusUnknownError
	StatusCreateSegmentFailed
	StatusMessageTooLarge
	StatusSegmentExpired
	StatusOffsetMismatch
)

func (s AppendStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnknownError:
		return "unknown_error"
	case StatusCreateSegmentFailed:
		return "create_segment_failed"
	case StatusMessageTooLarge:
		return "message_too_large"
	case StatusSegmentExpired:
		return "segment_expired"
	case StatusOffsetMismatch:
		return "offset_mismatch"
	default:
		return "unknown"
	}
}

// =============================================================================
// RESULTS
// =============================================================================

// AppendMessageResult is what a single segment reports for one append.
type AppendMessageResult[T any] struct {
	Status AppendStatus

	// Offset is the position of the record inside its segment.
	Offset int64

	// Size is the number of bytes written.
	Size int64

	// Data is the log specific outcome (a ScheduleIndex for the schedule log,
	// the marker position for the dispatch log).
	Data T

	// Err carries the underlying failure for logging. Nil on success.
	Err error
}

// RecordResult wraps a segment result with the container level status.
type RecordResult[T any] struct {
	Status AppendStatus
	Result AppendMessageResult[T]
}

// OK reports whether the record was written. It is not durable until the next
// flush.
func (r RecordResult[T]) OK() bool {
	return r.Status == StatusSuccess
}

// Data returns the typed payload of the segment result.
func (r RecordResult[T]) Data() T {
	return r.Result.Data
}

func failed[T any](status AppendStatus, err error) RecordResult[T] {
	return RecordResult[T]{
		Status: status,
		Result: AppendMessageResult[T]{Status: status, Err: err},
	}
}

// wrap converts a segment result into a container result. Segment specific
// statuses pass through, anything else non-successful becomes unknown.
func wrap[T any](res AppendMessageResult[T]) RecordResult[T] {
	switch res.Status {
	case StatusSuccess, StatusMessageTooLarge, StatusOffsetMismatch, StatusSegmentExpired:
		return RecordResult[T]{Status: res.Status, Result: res}
	default:
		return RecordResult[T]{Status: StatusUnknownError, Result: res}
	}
}

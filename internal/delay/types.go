package delay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotStarted means the service is not accepting messages yet.
	ErrNotStarted = errors.New("delay service not started")

	// ErrServiceShutdown means Shutdown was called.
	ErrServiceShutdown = errors.New("delay service is shut down")

	// ErrInvalidState means a lifecycle call came in the wrong state.
	ErrInvalidState = errors.New("invalid delay service state")

	// ErrMissingDelay means the request has no DELAY property.
	ErrMissingDelay = errors.New("request has no delay property")

	// ErrInvalidDelay means the DELAY property is not a positive integer.
	ErrInvalidDelay = errors.New("invalid delay property")

	// ErrAppendFailed wraps a failed schedule log append.
	ErrAppendFailed = errors.New("schedule log append failed")
)

// =============================================================================
// REQUESTS AND MESSAGES
// =============================================================================

// PropertyDelay is the request property holding the delay in seconds.
const PropertyDelay = "DELAY"

// DispatchRequest is an inbound message that asks for delayed delivery. The
// payload stays in the commit log; only its offset travels with the request.
type DispatchRequest struct {
	Topic              string
	UniqKey            string
	StoreTimestamp     int64 // epoch ms
	ConsumeQueueOffset int64
	CommitLogOffset    int64
	Properties         map[string]string
}

// DelaySeconds parses the DELAY property.
func (r DispatchRequest) DelaySeconds() (int64, error) {
	raw, ok := r.Properties[PropertyDelay]
	if !ok || raw == "" {
		return 0, ErrMissingDelay
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDelay, raw)
	}
	if secs < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidDelay, secs)
	}
	return secs, nil
}

// ScheduleTime is StoreTimestamp plus the delay. Delays that would overflow
// an epoch-ms int64 are rejected with ErrInvalidDelay.
func (r DispatchRequest) ScheduleTime() (int64, error) {
	secs, err := r.DelaySeconds()
	if err != nil {
		return 0, err
	}
	if secs > math.MaxInt64/1000 || r.StoreTimestamp > math.MaxInt64-secs*1000 {
		return 0, fmt.Errorf("%w: %d seconds after %d overflows", ErrInvalidDelay, secs, r.StoreTimestamp)
	}
	return r.StoreTimestamp + secs*1000, nil
}

// DueMessage is what gets re-published once a schedule time has passed.
type DueMessage struct {
	Subject      string
	MessageID    string
	ScheduleTime int64
	BaseOffset   int64
	Offset       int64
	Sequence     int64
	Payload      []byte
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// CommitLog provides message bodies by commit log offset.
type CommitLog interface {
	Read(ctx context.Context, offset int64) ([]byte, error)
}

// Publisher re-injects due messages into normal delivery.
type Publisher interface {
	Publish(ctx context.Context, msg DueMessage) error
}

// =============================================================================
// STATE
// =============================================================================

// State is the service lifecycle state. It only moves forward.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

package messaging

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is returned by Await when the caller's context ends before a
// reply arrives.  The slot is removed.
var ErrCancelled = errors.New("messaging: request cancelled")

// ErrNoReplyExpected is returned when Dispatch is used with a fire-and-forget
// kind.
var ErrNoReplyExpected = errors.New("messaging: kind has no reply")

// ErrReplyQueueNotReady is returned by Publish for a request that expects a
// reply while the reply queue is not being consumed.
var ErrReplyQueueNotReady = errors.New("messaging: reply queue not ready")

// TimeoutError means no reply arrived before the deadline.  The outcome on the
// remote side is unknown: an allocation may or may not have happened.
type TimeoutError struct {
	Kind          Kind
	CorrelationID string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: no %s reply for %s within %s", e.Kind, e.CorrelationID, e.After)
}

// RemoteError is a reply whose sender reported a processing failure.
type RemoteError struct {
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("messaging: remote %s failed: %s", e.Kind, e.Message)
}

// UnexpectedKindError is a reply whose kind does not match the request.
type UnexpectedKindError struct {
	Want, Got Kind
}

func (e *UnexpectedKindError) Error() string {
	return fmt.Sprintf("messaging: expected %s reply, got %s", e.Want, e.Got)
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

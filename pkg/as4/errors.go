package as4

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEntityConsumed is returned when a non-repeatable entity is read twice
	ErrEntityConsumed = errors.New("HTTP entity already consumed")
	// ErrNoResponseSignal is returned when a response carries no signal message
	ErrNoResponseSignal = errors.New("response contains no signal message")
)

// IllegalStateError reports a missing or inconsistent setting detected
// before anything is built or sent. It is never retried.
type IllegalStateError struct {
	Field string
	Msg   string
}

func (e *IllegalStateError) Error() string {
	if e.Field == "" {
		return "illegal state: " + e.Msg
	}
	return fmt.Sprintf("illegal state: %s: %s", e.Field, e.Msg)
}

func illegalState(field, format string, args ...any) error {
	return &IllegalStateError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// BuildError reports a signing, encryption or MIME failure while the
// message was assembled. Nothing was sent and it is never retried.
type BuildError struct {
	Op  string
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func buildError(op string, err error) error {
	return &BuildError{Op: op, Err: err}
}

// IsRetryable reports whether a send failure may succeed on another
// attempt. Local precondition and build failures are final. The caller's
// context is checked separately by the retry loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ise *IllegalStateError
	var be *BuildError
	switch {
	case errors.As(err, &ise), errors.As(err, &be):
		return false
	case errors.Is(err, ErrEntityConsumed), errors.Is(err, context.Canceled):
		return false
	}
	return true
}

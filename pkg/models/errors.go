package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when neither the local store nor the remote system
// knows the requested record.
var ErrNotFound = errors.New("record not found")

// ErrUnknownTable is returned for table names outside the mirrored set.
var ErrUnknownTable = errors.New("unknown table")

// ErrUpstreamUnavailable marks failures where the remote system could not be
// reached and the local store had nothing to serve.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamError wraps the remote cause behind ErrUpstreamUnavailable and
// carries a retry hint for callers.
type UpstreamError struct {
	Cause      error
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream unavailable (retry after %s): %v", e.RetryAfter, e.Cause)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is reports true for ErrUpstreamUnavailable so callers can match with
// errors.Is without losing the cause chain.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

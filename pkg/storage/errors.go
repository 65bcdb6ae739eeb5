package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the requested name does not exist
// remotely.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("file not found: %s", e.Name)
}

func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// ErrRateLimitReached is returned when the backend refuses further
// requests for a while. The caller must not retry before RetryAfter.
type ErrRateLimitReached struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimitReached) Error() string {
	return fmt.Sprintf("storage rate limit reached, retry after %s", e.RetryAfter)
}

func IsRateLimitReached(err error) bool {
	var e *ErrRateLimitReached
	return errors.As(err, &e)
}

// ErrConflict is returned when an overwrite was attempted where it is
// disallowed.
type ErrConflict struct {
	Name string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("file already exists: %s", e.Name)
}

func IsConflict(err error) bool {
	var e *ErrConflict
	return errors.As(err, &e)
}

// ErrNetwork is returned for connectivity failures (timeout, DNS,
// refused connection). Always retryable.
type ErrNetwork struct {
	Cause error
}

func (e *ErrNetwork) Error() string {
	return fmt.Sprintf("network error: %v", e.Cause)
}

func (e *ErrNetwork) Unwrap() error {
	return e.Cause
}

func IsNetwork(err error) bool {
	var e *ErrNetwork
	return errors.As(err, &e)
}

// ErrAuthFailed is returned when the backend rejected the configured
// credentials.
type ErrAuthFailed struct{}

func (e *ErrAuthFailed) Error() string {
	return "authentication failed"
}

func IsAuthFailed(err error) bool {
	var e *ErrAuthFailed
	return errors.As(err, &e)
}

package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped = errors.New("scheduler stopped")
	// ErrTimeout is the failure recorded when a run exceeds its deadline.
	ErrTimeout = errors.New("task run timed out")

	errShutdown  = errors.New("scheduler shutting down")
	errCancelled = errors.New("task cancelled")
)

// NoRetry marks an error as permanent: the run fails without using the
// remaining retries.
//
//	return scheduler.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter suggests the delay before the next attempt, e.g. from an HTTP
// Retry-After header. The hint is capped by the policy's max delay and
// jittered like any other backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

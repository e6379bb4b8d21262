package worker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout means the agent task outlived its timeout and no result was captured.
	ErrTimeout = errors.New("execution timed out")
	// errCancelled means the record was cancelled while the task ran.
	errCancelled = errors.New("execution cancelled")
	// errLost means another worker moved the record first.
	errLost = errors.New("execution taken by another worker")
)

// NoRetry marks an error as non-retryable.
//
// The worker fails the execution immediately instead of spending the
// remaining attempts:
//
//	return worker.NoRetry(fmt.Errorf("team %q not found: %w", ref, err))
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

// RetryAfter suggests a delay before the next attempt. The hint is bounded by
// RetryMaxDelay and still gets jitter.
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

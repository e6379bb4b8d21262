package execution

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("execution not found")
	// ErrRetriesExhausted wraps the last OptimisticLockError after bounded re-reads.
	ErrRetriesExhausted = errors.New("execution update retries exhausted")
)

// InvalidTransitionError is a programming or ordering error; callers must not retry it.
type InvalidTransitionError struct {
	ID   int64
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("execution %d: invalid state transition %s -> %s", e.ID, e.From, e.To)
}

// OptimisticLockError reports a version conflict on update.
type OptimisticLockError struct {
	ID       int64
	Expected int64
	Actual   int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("execution %d: version conflict (expected %d, actual %d)", e.ID, e.Expected, e.Actual)
}

func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

func IsVersionConflict(err error) bool {
	var e *OptimisticLockError
	return errors.As(err, &e)
}

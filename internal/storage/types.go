package storage

import (
	"context"
	"errors"
	"time"

	"wegent/internal/execution"
	"wegent/internal/subscription"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrStaleSubscription means the subscription changed since it was read
	// (another scan fired it, or it was edited or disabled).
	ErrStaleSubscription = errors.New("storage: subscription changed since read")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means default
}

// DueCursor resumes a due scan after the row with this (next time, id).
// The zero value starts from the beginning.
type DueCursor struct {
	Next time.Time
	ID   int64
}

// Firing is one subscription firing, committed atomically: the subscription
// advances and a PENDING execution is created, or neither happens.
type Firing struct {
	SubscriptionID int64
	// ExpectedNext guards the update: it must equal the stored
	// next_execution_time. Nil skips the guard (event triggers).
	ExpectedNext *time.Time
	Next         *time.Time
	Enabled      bool
	FiredAt      time.Time

	UserID        int64
	TriggerType   string
	TriggerReason string
	Prompt        string
}

// ExecutionFilter selects executions for listing. Zero values match everything.
type ExecutionFilter struct {
	SubscriptionID int64
	UserID         int64
	Status         execution.Status
	CreatedBefore  time.Time
	UpdatedBefore  time.Time
	Limit          int
}

// Store is the persistence API used by the evaluator, worker and API layer.
type Store interface {
	execution.Repository

	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, userID int64) ([]*subscription.Subscription, error)
	SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool, next *time.Time) error

	// ListDueSubscriptions returns enabled subscriptions with
	// next_execution_time <= now ordered by (next_execution_time, id),
	// starting after the cursor.
	ListDueSubscriptions(ctx context.Context, now time.Time, after DueCursor, limit int) ([]*subscription.Subscription, error)
	FireSubscription(ctx context.Context, f Firing) (*execution.Execution, error)
	// RecordOutcome bumps success/failure counters and the last status.
	RecordOutcome(ctx context.Context, subscriptionID int64, status execution.Status, at time.Time) error

	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*execution.Execution, error)

	Ping(ctx context.Context) error
	Close() error
}

package execution

import (
	"context"
	"time"
)

// Execution is one BackgroundExecution record.
type Execution struct {
	ID             int64      `json:"id"`
	SubscriptionID int64      `json:"subscription_id"`
	UserID         int64      `json:"user_id"`
	TaskID         int64      `json:"task_id"`
	TriggerType    string     `json:"trigger_type"`
	TriggerReason  string     `json:"trigger_reason"`
	Prompt         string     `json:"prompt"`
	Status         Status     `json:"status"`
	ResultSummary  string     `json:"result_summary,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RetryAttempt   int        `json:"retry_attempt"`
	Version        int64      `json:"version"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (e *Execution) Terminal() bool { return IsTerminal(e.Status) }

func (e *Execution) Silent() bool { return IsSilent(e.Status) }

// Patch is the set of columns a transition writes. Nil fields are left as-is.
type Patch struct {
	Status        Status
	TaskID        *int64
	ResultSummary *string
	ErrorMessage  *string
	RetryAttempt  *int
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Apply copies the patch onto e (used by in-memory repositories and after writes).
func (p Patch) Apply(e *Execution) {
	if p.Status != "" {
		e.Status = p.Status
	}
	if p.TaskID != nil {
		e.TaskID = *p.TaskID
	}
	if p.ResultSummary != nil {
		e.ResultSummary = *p.ResultSummary
	}
	if p.ErrorMessage != nil {
		e.ErrorMessage = *p.ErrorMessage
	}
	if p.RetryAttempt != nil {
		e.RetryAttempt = *p.RetryAttempt
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		e.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		e.CompletedAt = &t
	}
}

// Repository is the persistence contract of the state machine.
//
// UpdateVersioned applies p only if the stored version equals expected; it
// then increments the version and sets UpdatedAt = now, returning the new
// record. On mismatch it returns *OptimisticLockError carrying the stored
// version; an unknown id returns ErrNotFound.
type Repository interface {
	GetExecution(ctx context.Context, id int64) (*Execution, error)
	UpdateVersioned(ctx context.Context, id, expected int64, p Patch, now time.Time) (*Execution, error)
}

func ptr[T any](v T) *T { return &v }

// String, Int, Int64 and Time build Patch field pointers.
func String(s string) *string { return ptr(s) }
func Int(v int) *int          { return ptr(v) }
func Int64(v int64) *int64    { return ptr(v) }
func Time(t time.Time) *time.Time {
	return ptr(t)
}

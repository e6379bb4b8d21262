// Package notify publishes execution status changes to interested parties.
//
// Publishing is best effort: remote sinks run behind Async so they never block
// the state machine, and a failed publish is logged, not retried.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wegent/internal/execution"
	logx "wegent/pkg/logx"
)

const TypeExecutionUpdated = "execution.updated"

type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// ExecutionEvent is the payload of TypeExecutionUpdated.
type ExecutionEvent struct {
	ExecutionID    int64            `json:"execution_id"`
	SubscriptionID int64            `json:"subscription_id"`
	UserID         int64            `json:"user_id"`
	Status         execution.Status `json:"status"`
	PreviousStatus execution.Status `json:"previous_status,omitempty"`
	IsSilent       bool             `json:"is_silent"`
	TaskID         int64            `json:"task_id"`
	ResultSummary  string           `json:"result_summary,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ExecutionUpdated builds the event for a record that moved from prev.
func ExecutionUpdated(prev execution.Status, e *execution.Execution) Event {
	return Event{
		Type: TypeExecutionUpdated,
		Time: e.UpdatedAt,
		Data: ExecutionEvent{
			ExecutionID:    e.ID,
			SubscriptionID: e.SubscriptionID,
			UserID:         e.UserID,
			Status:         e.Status,
			PreviousStatus: prev,
			IsSilent:       e.Silent(),
			TaskID:         e.TaskID,
			ResultSummary:  e.ResultSummary,
			ErrorMessage:   e.ErrorMessage,
			CreatedAt:      e.CreatedAt,
			StartedAt:      e.StartedAt,
			CompletedAt:    e.CompletedAt,
			UpdatedAt:      e.UpdatedAt,
		},
	}
}

// Topic is the per-user channel execution events go to.
func Topic(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10) + ":executions"
}

type Emitter interface {
	Publish(ctx context.Context, topic string, e Event) error
}

// Multi fans out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Publish(ctx context.Context, topic string, e Event) error {
	var errs []error
	for _, em := range m {
		if em == nil {
			continue
		}
		if err := em.Publish(ctx, topic, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observer adapts an emitter to execution.Machine.OnTransition.
func Observer(em Emitter, log logx.Logger) execution.Observer {
	return func(ctx context.Context, from execution.Status, e *execution.Execution) {
		if em == nil || e == nil {
			return
		}
		if err := em.Publish(ctx, Topic(e.UserID), ExecutionUpdated(from, e)); err != nil {
			log.Warn("execution event publish failed",
				logx.Int64("execution_id", e.ID),
				logx.String("status", e.Status.String()),
				logx.Err(fmt.Errorf("publish %s: %w", Topic(e.UserID), err)),
			)
		}
	}
}

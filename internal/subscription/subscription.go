// Package subscription defines the Subscription model and the per-trigger-type
// rules that decide when a subscription fires next.
package subscription

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerOneTime  TriggerType = "one_time"
	TriggerEvent    TriggerType = "event"
)

func ParseTriggerType(s string) (TriggerType, error) {
	t := TriggerType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TriggerCron, TriggerInterval, TriggerOneTime, TriggerEvent:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTriggerConfig, s)
}

// Subscription is a user-owned schedule that fires an agent task.
type Subscription struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	Name           string          `json:"name"`
	TeamRef        string          `json:"team_ref"`
	TriggerType    TriggerType     `json:"trigger_type"`
	TriggerConfig  json.RawMessage `json:"trigger_config"`
	PromptTemplate string          `json:"prompt_template"`
	Enabled        bool            `json:"enabled"`

	NextExecutionTime   *time.Time `json:"next_execution_time,omitempty"`
	LastExecutionTime   *time.Time `json:"last_execution_time,omitempty"`
	LastExecutionStatus string     `json:"last_execution_status,omitempty"`

	ExecutionCount int64 `json:"execution_count"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`

	// MaxRetries bounds worker retries per execution; 0 uses the worker default.
	MaxRetries int `json:"max_retries"`
	// TimeoutSeconds overrides the worker soft timeout; 0 uses the default.
	TimeoutSeconds int `json:"timeout_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trigger parses the subscription's trigger config.
func (s *Subscription) Trigger() (Trigger, error) {
	return ParseTrigger(s.TriggerType, s.TriggerConfig)
}

// Validate checks the fields needed to schedule the subscription. It runs at
// create/update time so the periodic scan never sees a malformed config.
func (s *Subscription) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("subscription name required")
	}
	if s.UserID <= 0 {
		return fmt.Errorf("subscription user_id required")
	}
	if strings.TrimSpace(s.PromptTemplate) == "" {
		return fmt.Errorf("subscription prompt_template required")
	}
	if s.MaxRetries < 0 || s.TimeoutSeconds < 0 {
		return fmt.Errorf("subscription max_retries and timeout_seconds must be >= 0")
	}
	if _, err := s.Trigger(); err != nil {
		return err
	}
	return nil
}

// Schedule computes the first NextExecutionTime for a new or re-enabled
// subscription. Event subscriptions and past one-time subscriptions get nil.
func (s *Subscription) Schedule(now time.Time) error {
	tr, err := s.Trigger()
	if err != nil {
		return err
	}
	next, ok := tr.First(now)
	if !ok {
		s.NextExecutionTime = nil
		return nil
	}
	s.NextExecutionTime = &next
	return nil
}

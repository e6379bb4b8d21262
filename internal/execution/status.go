// Package execution models BackgroundExecution records and the state machine
// that governs their lifecycle.
//
//	PENDING  -> RUNNING | CANCELLED | FAILED
//	RUNNING  -> COMPLETED | COMPLETED_SILENT | FAILED | RETRYING | CANCELLED
//	RETRYING -> RUNNING | FAILED | CANCELLED | COMPLETED_SILENT
//
// COMPLETED, COMPLETED_SILENT, FAILED and CANCELLED are terminal. Every status
// may transition to itself.
package execution

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusRetrying        Status = "RETRYING"
	StatusCompleted       Status = "COMPLETED"
	StatusCompletedSilent Status = "COMPLETED_SILENT"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusRetrying,
	StatusCompleted,
	StatusCompletedSilent,
	StatusFailed,
	StatusCancelled,
}

var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCancelled: {},
		StatusFailed:    {},
	},
	StatusRunning: {
		StatusCompleted:       {},
		StatusCompletedSilent: {},
		StatusFailed:          {},
		StatusRetrying:        {},
		StatusCancelled:       {},
	},
	StatusRetrying: {
		StatusRunning:         {},
		StatusFailed:          {},
		StatusCancelled:       {},
		StatusCompletedSilent: {},
	},
}

// ParseStatus accepts the canonical upper-case names (case-insensitive).
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown execution status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transitions (except identity) exist.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCompletedSilent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsSilent reports whether the execution finished without notable output.
func IsSilent(s Status) bool { return s == StatusCompletedSilent }

// ValidateTransition reports whether current -> next is allowed.
func ValidateTransition(current, next Status) bool {
	if !current.Valid() || !next.Valid() {
		return false
	}
	if current == next {
		return true
	}
	_, ok := transitions[current][next]
	return ok
}

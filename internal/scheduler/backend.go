package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlreadyExists   = errors.New("job already exists")
	ErrNotSupported    = errors.New("operation not supported by backend")
	ErrJobNotFound     = errors.New("job not found")
	ErrBackendNotFound = errors.New("scheduler backend not registered")
	ErrInvalidJob      = errors.New("invalid job spec")
	ErrNotRunning      = errors.New("scheduler backend not running")
	// ErrOverlapSkip is reported when a run is skipped because the previous
	// run of the same job is still in flight.
	ErrOverlapSkip = errors.New("job skipped: previous run still in flight")
)

// JobFunc is the callable a job runs.
type JobFunc func(ctx context.Context) error

type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerDate     TriggerType = "date"
)

// JobSpec describes a job to schedule.
type JobSpec struct {
	ID          string
	Func        JobFunc
	TriggerType TriggerType

	Cron     string        // TriggerCron
	Interval time.Duration // TriggerInterval, at least one second
	RunAt    time.Time     // TriggerDate
	// Timezone overrides the backend timezone for cron jobs.
	Timezone string

	// Timeout bounds a single run. 0 means no limit.
	Timeout time.Duration
	// AllowOverlap lets a run start while the previous one is still going.
	AllowOverlap    bool
	ReplaceExisting bool
}

// ScheduledJob is a read-only view of a registered job.
type ScheduledJob struct {
	ID          string      `json:"id"`
	TriggerType TriggerType `json:"trigger_type"`
	Trigger     string      `json:"trigger"`
	NextRunTime *time.Time  `json:"next_run_time,omitempty"`
	LastRunTime *time.Time  `json:"last_run_time,omitempty"`
	Paused      bool        `json:"paused"`
	Timeout     string      `json:"timeout,omitempty"`
}

type Health struct {
	Healthy     bool           `json:"healthy"`
	BackendType string         `json:"backend_type"`
	State       string         `json:"state"`
	JobsCount   int            `json:"jobs_count"`
	Details     map[string]any `json:"details,omitempty"`
}

// Backend is a pluggable job trigger.
type Backend interface {
	Type() string
	Start(ctx context.Context) error
	// Stop halts triggering. With wait set, in-flight runs are allowed to finish
	// until ctx ends; otherwise their contexts are cancelled right away.
	Stop(ctx context.Context, wait bool) error

	ScheduleJob(spec JobSpec) (*ScheduledJob, error)
	// RemoveJob reports whether a job was removed. Unknown ids return false.
	RemoveJob(id string) bool
	PauseJob(id string) error
	ResumeJob(id string) error

	GetJob(id string) (*ScheduledJob, bool)
	GetJobs() []ScheduledJob
	GetNextRunTime(id string) (*time.Time, error)

	ExecuteJobNow(ctx context.Context, id string) (*RunHandle, error)
	HealthCheck(ctx context.Context) Health
}

// RunHandle tracks a run started by ExecuteJobNow.
type RunHandle struct {
	JobID string
	// Queued is set when the run was handed to a queue instead of started
	// locally; Done is then closed on hand-off.
	Queued bool

	done chan struct{}
	err  error
}

func newRunHandle(jobID string) *RunHandle {
	return &RunHandle{JobID: jobID, done: make(chan struct{})}
}

func (h *RunHandle) finish(err error) {
	h.err = err
	close(h.done)
}

func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Err returns the run result once Done is closed.
func (h *RunHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the run finished or ctx ended.
func (h *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

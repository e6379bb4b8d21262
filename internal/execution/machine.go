package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wegent/internal/metrics"
	logx "wegent/pkg/logx"
)

// Observer is called after every accepted, persisted transition.
type Observer func(ctx context.Context, from Status, e *Execution)

type Options struct {
	// MaxAttempts bounds reread-and-retry on version conflicts. Default 3.
	MaxAttempts int
	Now         func() time.Time
	Metrics     *metrics.Metrics
	Log         logx.Logger
}

// Machine applies validated, versioned transitions through a Repository.
type Machine struct {
	repo        Repository
	now         func() time.Time
	maxAttempts int
	metrics     *metrics.Metrics
	log         logx.Logger
	observers   []Observer
}

func NewMachine(repo Repository, opt Options) *Machine {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Machine{
		repo:        repo,
		now:         opt.Now,
		maxAttempts: opt.MaxAttempts,
		metrics:     opt.Metrics,
		log:         opt.Log,
	}
}

// OnTransition registers an observer. Not safe to call concurrently with transitions.
func (m *Machine) OnTransition(fn Observer) {
	if fn != nil {
		m.observers = append(m.observers, fn)
	}
}

func (m *Machine) Get(ctx context.Context, id int64) (*Execution, error) {
	return m.repo.GetExecution(ctx, id)
}

// Transition moves rec to next in a single attempt, expecting rec.Version to
// still be current. A stale rec yields *OptimisticLockError.
func (m *Machine) Transition(ctx context.Context, rec *Execution, next Status, p Patch) (*Execution, error) {
	if rec == nil {
		return nil, ErrNotFound
	}
	if !ValidateTransition(rec.Status, next) {
		return nil, &InvalidTransitionError{ID: rec.ID, From: rec.Status, To: next}
	}
	if rec.Status == next && IsTerminal(next) {
		return rec, nil
	}

	now := m.now()
	p.Status = next
	if next == StatusRunning && rec.StartedAt == nil && p.StartedAt == nil {
		p.StartedAt = Time(now)
	}
	if IsTerminal(next) && p.CompletedAt == nil {
		p.CompletedAt = Time(now)
	}

	updated, err := m.repo.UpdateVersioned(ctx, rec.ID, rec.Version, p, now)
	if err != nil {
		return nil, err
	}

	if rec.Status != next {
		m.metrics.Transition(string(rec.Status), string(next))
	}
	m.log.Debug("execution transitioned",
		logx.Int64("execution_id", updated.ID),
		logx.String("from", string(rec.Status)),
		logx.String("to", string(next)),
		logx.Int64("version", updated.Version),
	)
	for _, fn := range m.observers {
		fn(ctx, rec.Status, updated)
	}
	return updated, nil
}

// Mutator fills the patch from the freshly read record. Returning an error aborts.
type Mutator func(cur *Execution, p *Patch) error

// TransitionByID rereads the record and retries on version conflicts, up to
// MaxAttempts. Invalid transitions are returned immediately.
func (m *Machine) TransitionByID(ctx context.Context, id int64, next Status, mutate Mutator) (*Execution, error) {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		cur, err := m.repo.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		var p Patch
		if mutate != nil {
			if err := mutate(cur, &p); err != nil {
				return nil, err
			}
		}
		updated, err := m.Transition(ctx, cur, next, p)
		if err == nil {
			return updated, nil
		}
		if !IsVersionConflict(err) {
			return nil, err
		}
		lastErr = err
		m.log.Debug("execution version conflict, rereading",
			logx.Int64("execution_id", id),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)
		if attempt < m.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// Cancel records cancellation intent. A running worker observes it and stops
// cooperatively. Cancelling an already cancelled execution is a no-op.
func (m *Machine) Cancel(ctx context.Context, id int64, reason string) (*Execution, error) {
	return m.TransitionByID(ctx, id, StatusCancelled, func(cur *Execution, p *Patch) error {
		if cur.Status == StatusCancelled {
			return nil
		}
		if reason != "" {
			p.ErrorMessage = String(reason)
		}
		return nil
	})
}

// Fail marks the execution FAILED with msg, rereading on conflicts. A record
// that already reached another terminal state is returned unchanged.
func (m *Machine) Fail(ctx context.Context, id int64, msg string) (*Execution, error) {
	out, err := m.TransitionByID(ctx, id, StatusFailed, func(cur *Execution, p *Patch) error {
		p.ErrorMessage = String(msg)
		return nil
	})
	if err != nil {
		var inv *InvalidTransitionError
		if errors.As(err, &inv) && IsTerminal(inv.From) {
			return m.repo.GetExecution(ctx, id)
		}
	}
	return out, err
}

// Package trigger finds due subscriptions on every scheduler tick and turns
// each into a PENDING execution plus a queued job.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wegent/internal/execution"
	"wegent/internal/lock"
	"wegent/internal/metrics"
	"wegent/internal/observability/tracing"
	"wegent/internal/queue"
	"wegent/internal/scheduler"
	"wegent/internal/storage"
	"wegent/internal/subscription"
	logx "wegent/pkg/logx"
)

const (
	// LockName is the lease that makes one process scan per tick.
	LockName = "check_due_subscriptions"
	// JobID is the scheduler job running Tick.
	JobID = "check_due_subscriptions"
	// RequeueJobID is the scheduler job running RequeueStalePending.
	RequeueJobID = "requeue_stale_pending"
)

var (
	ErrNotEventSubscription = errors.New("subscription is not event triggered")
	ErrEventMismatch        = errors.New("event does not match subscription filter")
	ErrDisabled             = errors.New("subscription disabled")
)

type Options struct {
	Store storage.Store
	Lock  *lock.Lock
	Queue queue.Queue

	// Tick is the scan period. The lease TTL is Tick minus one second. Default 60s.
	Tick time.Duration
	// BatchSize bounds subscriptions read per query. Default 100.
	BatchSize int
	// MaxBatches bounds queries per tick. Default 10.
	MaxBatches int
	// StalePendingAfter is the age after which a PENDING execution is
	// re-enqueued by RequeueStalePending. Default 5m.
	StalePendingAfter time.Duration
	// Location renders prompt dates. Default UTC.
	Location *time.Location
	Now      func() time.Time
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

// TickReport summarizes one tick.
type TickReport struct {
	Skipped  bool `json:"skipped"`
	Due      int  `json:"due"`
	Fired    int  `json:"fired"`
	Stale    int  `json:"stale"`
	Failed   int  `json:"failed"`
	Enqueued int  `json:"enqueued"`
}

type Evaluator struct {
	store   storage.Store
	lock    *lock.Lock
	queue   queue.Queue
	opt     Options
	now     func() time.Time
	metrics *metrics.Metrics
	log     logx.Logger
}

func New(opt Options) (*Evaluator, error) {
	if opt.Store == nil || opt.Lock == nil || opt.Queue == nil {
		return nil, errors.New("trigger evaluator: store, lock and queue are required")
	}
	if opt.Tick <= 0 {
		opt.Tick = time.Minute
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = 100
	}
	if opt.MaxBatches <= 0 {
		opt.MaxBatches = 10
	}
	if opt.StalePendingAfter <= 0 {
		opt.StalePendingAfter = 5 * time.Minute
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{
		store:   opt.Store,
		lock:    opt.Lock,
		queue:   opt.Queue,
		opt:     opt,
		now:     opt.Now,
		metrics: opt.Metrics,
		log:     log.Component("trigger"),
	}, nil
}

// LeaseTTL is how long the scan lease lives: shorter than the tick so a
// crashed holder never blocks the next tick.
func (e *Evaluator) LeaseTTL() time.Duration {
	ttl := e.opt.Tick - time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Register schedules Tick and RequeueStalePending on the backend.
func (e *Evaluator) Register(b scheduler.Backend) error {
	_, err := b.ScheduleJob(scheduler.JobSpec{
		ID:              JobID,
		TriggerType:     scheduler.TriggerInterval,
		Interval:        e.opt.Tick,
		Timeout:         e.LeaseTTL(),
		ReplaceExisting: true,
		Func: func(ctx context.Context) error {
			_, err := e.Tick(ctx)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", JobID, err)
	}
	every := e.opt.StalePendingAfter
	if every > 5*time.Minute {
		every = 5 * time.Minute
	}
	_, err = b.ScheduleJob(scheduler.JobSpec{
		ID:              RequeueJobID,
		TriggerType:     scheduler.TriggerInterval,
		Interval:        every,
		ReplaceExisting: true,
		Func: func(ctx context.Context) error {
			_, err := e.RequeueStalePending(ctx)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", RequeueJobID, err)
	}
	return nil
}

// Tick scans due subscriptions once. It returns a skipped report when another
// process holds the lease.
func (e *Evaluator) Tick(ctx context.Context) (TickReport, error) {
	start := e.now()
	var rep TickReport
	if !e.lock.Acquire(ctx, LockName, e.LeaseTTL()) {
		rep.Skipped = true
		e.metrics.Tick("skipped", time.Since(start))
		return rep, nil
	}
	defer e.lock.Release(context.WithoutCancel(ctx), LockName)

	ctx, span := tracing.StartTickSpan(ctx)
	err := e.scan(ctx, start, &rep)
	tracing.End(span, err)

	result := "scanned"
	if err != nil {
		result = "error"
	}
	e.metrics.Tick(result, time.Since(start))
	if rep.Fired > 0 || rep.Failed > 0 || err != nil {
		e.log.Info("tick finished",
			logx.Int("due", rep.Due),
			logx.Int("fired", rep.Fired),
			logx.Int("stale", rep.Stale),
			logx.Int("failed", rep.Failed),
			logx.Int("enqueued", rep.Enqueued),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
	}
	return rep, err
}

// scan pages through due subscriptions with a keyset cursor, so rows that
// keep failing do not hide the ones ordered after them.
func (e *Evaluator) scan(ctx context.Context, now time.Time, rep *TickReport) error {
	var cursor storage.DueCursor
	for batch := 0; batch < e.opt.MaxBatches; batch++ {
		subs, err := e.store.ListDueSubscriptions(ctx, now, cursor, e.opt.BatchSize)
		if err != nil {
			return fmt.Errorf("list due subscriptions: %w", err)
		}
		for _, sub := range subs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.Due++
			e.fireDue(ctx, sub, now, rep)
		}
		if len(subs) < e.opt.BatchSize {
			return nil
		}
		last := subs[len(subs)-1]
		cursor = storage.DueCursor{ID: last.ID}
		if last.NextExecutionTime != nil {
			cursor.Next = *last.NextExecutionTime
		}
	}
	return nil
}

func (e *Evaluator) fireDue(ctx context.Context, sub *subscription.Subscription, now time.Time, rep *TickReport) {
	ctx, span := tracing.StartFireSpan(ctx, sub.ID, string(sub.TriggerType))
	ex, err := e.fire(ctx, sub, now, nil)
	tracing.End(span, err)

	switch {
	case err == nil:
		rep.Fired++
		if e.enqueue(ctx, ex) {
			rep.Enqueued++
		}
	case errors.Is(err, storage.ErrStaleSubscription):
		rep.Stale++
		e.log.Debug("subscription already fired or changed", logx.Int64("subscription_id", sub.ID))
	default:
		rep.Failed++
		e.log.Error("fire subscription failed", logx.Int64("subscription_id", sub.ID), logx.Err(err))
	}
}

// fire commits one firing of sub at now. event carries the payload for
// event triggered firings.
func (e *Evaluator) fire(ctx context.Context, sub *subscription.Subscription, now time.Time, event map[string]any) (*execution.Execution, error) {
	tr, err := sub.Trigger()
	if err != nil {
		// Configs are validated on write; one that fails here would be
		// rescanned forever, so take it out of the scan.
		if derr := e.store.SetSubscriptionEnabled(ctx, sub.ID, false, nil); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, fmt.Errorf("subscription %d disabled: %w", sub.ID, err)
	}

	adv := tr.Advance(now, sub.ExecutionCount+1)
	reason := tr.Reason()
	prompt := subscription.RenderPrompt(sub.PromptTemplate, subscription.PromptVars{
		Now:           now,
		Location:      e.opt.Location,
		Name:          sub.Name,
		TriggerReason: reason,
		Event:         event,
	})

	f := storage.Firing{
		SubscriptionID: sub.ID,
		ExpectedNext:   sub.NextExecutionTime,
		Next:           adv.Next,
		Enabled:        adv.Enabled,
		FiredAt:        now,
		UserID:         sub.UserID,
		TriggerType:    string(sub.TriggerType),
		TriggerReason:  reason,
		Prompt:         prompt,
	}
	ex, err := e.store.FireSubscription(ctx, f)
	if err != nil {
		return nil, err
	}
	e.metrics.ExecutionCreated(string(sub.TriggerType))
	e.log.Debug("execution created",
		logx.Int64("execution_id", ex.ID),
		logx.Int64("subscription_id", sub.ID),
		logx.String("reason", reason),
		logx.TimePtr("next", adv.Next),
		logx.Bool("enabled", adv.Enabled),
	)
	return ex, nil
}

// enqueue hands the execution to the workers. On failure the record stays
// PENDING and RequeueStalePending picks it up later.
func (e *Evaluator) enqueue(ctx context.Context, ex *execution.Execution) bool {
	job, err := queue.NewJob(execution.JobKind, execution.JobPayload{ExecutionID: ex.ID})
	if err == nil {
		err = e.queue.Enqueue(ctx, job)
	}
	if err != nil {
		e.log.Warn("enqueue execution failed; left pending for requeue", logx.Int64("execution_id", ex.ID), logx.Err(err))
		return false
	}
	return true
}

// FireEvent fires an event-triggered subscription with payload.
func (e *Evaluator) FireEvent(ctx context.Context, subscriptionID int64, eventType string, payload map[string]any) (*execution.Execution, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Enabled {
		return nil, fmt.Errorf("%w: %d", ErrDisabled, sub.ID)
	}
	tr, err := sub.Trigger()
	if err != nil {
		return nil, err
	}
	et, ok := tr.(*subscription.EventTrigger)
	if !ok {
		return nil, fmt.Errorf("%w: %d is %s", ErrNotEventSubscription, sub.ID, sub.TriggerType)
	}
	if !et.Matches(eventType, payload) {
		return nil, fmt.Errorf("%w: %s", ErrEventMismatch, eventType)
	}

	ctx, span := tracing.StartFireSpan(ctx, sub.ID, string(sub.TriggerType))
	ex, err := e.fire(ctx, sub, e.now(), payload)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	e.enqueue(ctx, ex)
	return ex, nil
}

// RequeueStalePending re-enqueues PENDING executions older than
// StalePendingAfter. Duplicates are harmless: workers only start PENDING or
// RETRYING records and the version check rejects a second start.
func (e *Evaluator) RequeueStalePending(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.opt.StalePendingAfter)
	stale, err := e.store.ListExecutions(ctx, storage.ExecutionFilter{
		Status:        execution.StatusPending,
		UpdatedBefore: cutoff,
		Limit:         e.opt.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale pending executions: %w", err)
	}
	n := 0
	for _, ex := range stale {
		if e.enqueue(ctx, ex) {
			n++
		}
	}
	if n > 0 {
		e.log.Info("requeued stale pending executions", logx.Int("count", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

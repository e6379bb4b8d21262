package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"wegent/internal/agent"
	"wegent/internal/breaker"
	"wegent/internal/execution"
	"wegent/internal/observability/tracing"
	"wegent/internal/storage"
	"wegent/internal/subscription"
	logx "wegent/pkg/logx"
)

type limits struct {
	attempts int
	soft     time.Duration
	hard     time.Duration
}

func (p *Pool) limitsFor(sub *subscription.Subscription) limits {
	l := limits{attempts: p.opt.MaxAttempts, soft: p.opt.Timeout}
	if sub.MaxRetries > 0 {
		l.attempts = sub.MaxRetries + 1
	}
	if sub.TimeoutSeconds > 0 {
		l.soft = time.Duration(sub.TimeoutSeconds) * time.Second
	}
	l.hard = l.soft + p.opt.CancelGrace
	return l
}

// result is a finished agent task. partial marks a result captured after a
// soft timeout.
type result struct {
	status  agent.TaskStatus
	partial bool
}

// execute runs execution id. It reports whether the delivery should be
// requeued instead of acked.
func (p *Pool) execute(ctx context.Context, id int64, rng *rand.Rand) bool {
	log := p.log.With(logx.Int64("execution_id", id))

	ex, err := p.machine.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			log.Warn("execution not found; dropping job")
			return false
		}
		log.Warn("load execution failed", logx.Err(err))
		return true
	}
	if ex.Terminal() {
		log.Debug("execution already finished", logx.String("status", string(ex.Status)))
		return false
	}

	sub, err := p.store.GetSubscription(ctx, ex.SubscriptionID)
	if err != nil {
		if isNotFound(err) {
			return p.fail(ctx, ex, "subscription deleted", time.Time{})
		}
		log.Warn("load subscription failed", logx.Err(err))
		return true
	}
	lim := p.limitsFor(sub)

	if ex.Status == execution.StatusRunning {
		// A RUNNING record is held by a live worker unless it went quiet for
		// longer than any attempt may take.
		age := p.now().Sub(ex.UpdatedAt)
		if age < lim.hard+p.opt.PollInterval {
			log.Debug("execution running elsewhere", logx.Duration("age", age))
			return false
		}
		ex, err = p.machine.Transition(ctx, ex, execution.StatusRetrying, execution.Patch{
			ErrorMessage: execution.String("worker lost while running"),
		})
		if err != nil {
			log.Debug("stale running execution taken by another worker", logx.Err(err))
			return false
		}
		log.Warn("recovered stale running execution", logx.Duration("age", age))
	}

	return p.run(ctx, ex, sub, lim, rng)
}

func (p *Pool) run(ctx context.Context, ex *execution.Execution, sub *subscription.Subscription, lim limits, rng *rand.Rand) bool {
	log := p.log.With(logx.Int64("execution_id", ex.ID), logx.Int64("subscription_id", ex.SubscriptionID))
	p.metrics.InFlight(1)
	defer p.metrics.InFlight(-1)
	start := p.now()

	cur := ex
	for {
		attempt := cur.RetryAttempt + 1
		running, err := p.machine.Transition(ctx, cur, execution.StatusRunning, execution.Patch{})
		if err != nil {
			if execution.IsVersionConflict(err) || execution.IsInvalidTransition(err) {
				log.Debug("execution taken by another worker", logx.Err(err))
				return false
			}
			log.Warn("start execution failed", logx.Err(err))
			return true
		}

		spanCtx, span := tracing.StartExecutionSpan(ctx, running.ID, attempt)
		res, err := p.attempt(spanCtx, running, sub, lim)
		tracing.End(span, err)

		if err == nil {
			return p.complete(ctx, running, res, lim, start)
		}

		switch {
		case errors.Is(err, errCancelled):
			log.Info("execution cancelled")
			p.recordOutcome(ctx, running.SubscriptionID, execution.StatusCancelled)
			p.metrics.ExecutionFinished(string(execution.StatusCancelled), p.now().Sub(start))
			return false

		case errors.Is(err, errLost):
			log.Debug("execution moved by another writer", logx.Err(err))
			return false

		case ctx.Err() != nil:
			// Shutdown: hand the execution to the next worker.
			p.retrying(context.WithoutCancel(ctx), running.ID, "worker stopped", false)
			return true

		case errors.Is(err, breaker.ErrOpen):
			msg := "service degraded: " + err.Error()
			if _, rerr := p.retrying(ctx, running.ID, msg, false); rerr != nil {
				return requeueAfter(rerr)
			}
			wait := p.opt.DegradedDelay
			var oe *breaker.OpenError
			if errors.As(err, &oe) && oe.RetryIn > 0 && oe.RetryIn < wait {
				wait = oe.RetryIn
			}
			log.Warn("agent unavailable; requeueing", logx.Duration("wait", wait), logx.Err(err))
			sleep(ctx, wait)
			return true

		case IsNoRetry(err) || agent.IsClientError(err) || attempt >= lim.attempts:
			return p.fail(ctx, running, err.Error(), start)
		}

		retrying, rerr := p.retrying(ctx, running.ID, err.Error(), true)
		if rerr != nil {
			return requeueAfter(rerr)
		}
		delay := p.backoff.delay(attempt, err, rng)
		log.Info("execution retry scheduled",
			logx.Int("attempt", attempt+1),
			logx.Int("max_attempts", lim.attempts),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if !sleep(ctx, delay) {
			// RETRYING records are picked up again after a requeue.
			return true
		}
		cur = retrying
	}
}

// attempt creates the agent task for rec and polls it to a result.
func (p *Pool) attempt(ctx context.Context, rec *execution.Execution, sub *subscription.Subscription, lim limits) (result, error) {
	hardCtx, cancel := context.WithTimeout(ctx, lim.hard)
	defer cancel()

	taskID, err := p.runner.Create(hardCtx, agent.Task{
		ExecutionID:    rec.ID,
		SubscriptionID: rec.SubscriptionID,
		UserID:         rec.UserID,
		TeamRef:        sub.TeamRef,
		Prompt:         rec.Prompt,
		TimeoutSeconds: int(lim.soft / time.Second),
	})
	if err != nil {
		if ctx.Err() == nil && hardCtx.Err() != nil {
			return result{}, fmt.Errorf("%w: create task: %w", ErrTimeout, err)
		}
		return result{}, err
	}

	// Identity transition records the task id and refreshes updated_at.
	_, err = p.machine.TransitionByID(ctx, rec.ID, execution.StatusRunning, func(cur *execution.Execution, pt *execution.Patch) error {
		if cur.Status != execution.StatusRunning {
			return statusErr(cur.Status)
		}
		pt.TaskID = execution.Int64(taskID)
		return nil
	})
	if err != nil {
		p.cancelTask(ctx, taskID)
		if execution.IsInvalidTransition(err) {
			return result{}, errLost
		}
		return result{}, err
	}

	soft := time.NewTimer(lim.soft)
	defer soft.Stop()
	poll := time.NewTicker(p.opt.PollInterval)
	defer poll.Stop()
	timedOut := false

	for {
		select {
		case <-hardCtx.Done():
			if ctx.Err() != nil {
				p.cancelTask(ctx, taskID)
				return result{}, ctx.Err()
			}
			return result{}, fmt.Errorf("%w: no result after %s", ErrTimeout, lim.hard)

		case <-soft.C:
			timedOut = true
			p.log.Warn("agent task timed out; cancelling",
				logx.Int64("execution_id", rec.ID),
				logx.Int64("task_id", taskID),
				logx.Duration("timeout", lim.soft),
			)
			p.cancelTask(ctx, taskID)

		case <-poll.C:
			cur, err := p.machine.Get(ctx, rec.ID)
			if err == nil && cur.Status != execution.StatusRunning {
				if cur.Status == execution.StatusCancelled {
					p.cancelTask(ctx, taskID)
				}
				return result{}, statusErr(cur.Status)
			}

			st, err := p.runner.Get(hardCtx, taskID)
			if err != nil {
				if agent.IsClientError(err) {
					return result{}, NoRetry(err)
				}
				p.log.Debug("poll agent task failed", logx.Int64("task_id", taskID), logx.Err(err))
				continue
			}
			if !st.State.Final() {
				continue
			}
			if st.ID == 0 {
				st.ID = taskID
			}
			switch st.State {
			case agent.TaskCompleted:
				return result{status: st, partial: timedOut}, nil
			case agent.TaskFailed:
				return result{}, fmt.Errorf("agent task %d failed: %s", taskID, st.Error)
			default:
				if timedOut {
					if st.Summary != "" {
						return result{status: st, partial: true}, nil
					}
					return result{}, fmt.Errorf("%w after %s", ErrTimeout, lim.soft)
				}
				return result{}, NoRetry(fmt.Errorf("agent task %d cancelled by agent", taskID))
			}
		}
	}
}

func statusErr(s execution.Status) error {
	if s == execution.StatusCancelled {
		return errCancelled
	}
	return fmt.Errorf("%w (now %s)", errLost, s)
}

func (p *Pool) cancelTask(ctx context.Context, taskID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.runner.Cancel(ctx, taskID); err != nil {
		p.log.Warn("cancel agent task failed", logx.Int64("task_id", taskID), logx.Err(err))
	}
}

// retrying moves a RUNNING record to RETRYING. countAttempt bumps retry_attempt.
func (p *Pool) retrying(ctx context.Context, id int64, msg string, countAttempt bool) (*execution.Execution, error) {
	rec, err := p.machine.TransitionByID(ctx, id, execution.StatusRetrying, func(cur *execution.Execution, pt *execution.Patch) error {
		if cur.Status != execution.StatusRunning {
			return statusErr(cur.Status)
		}
		pt.ErrorMessage = execution.String(msg)
		if countAttempt {
			pt.RetryAttempt = execution.Int(cur.RetryAttempt + 1)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errCancelled) {
			p.log.Warn("move to retrying failed", logx.Int64("execution_id", id), logx.Err(err))
		}
		return nil, err
	}
	return rec, nil
}

// complete records the result. When that write fails the execution is
// failed instead; it reports whether the delivery should be requeued.
func (p *Pool) complete(ctx context.Context, rec *execution.Execution, res result, lim limits, start time.Time) bool {
	ctx = context.WithoutCancel(ctx)
	status := execution.StatusCompleted
	if res.status.Silent {
		status = execution.StatusCompletedSilent
	}
	done, err := p.machine.TransitionByID(ctx, rec.ID, status, func(cur *execution.Execution, pt *execution.Patch) error {
		if cur.Status != execution.StatusRunning {
			return statusErr(cur.Status)
		}
		pt.TaskID = execution.Int64(res.status.ID)
		pt.ResultSummary = execution.String(res.status.Summary)
		if res.partial {
			pt.ErrorMessage = execution.String(fmt.Sprintf("timed out after %s; partial result", lim.soft))
		}
		return nil
	})
	if err != nil {
		if !requeueAfter(err) {
			p.log.Debug("execution moved before completion", logx.Int64("execution_id", rec.ID), logx.Err(err))
			return false
		}
		p.log.Warn("complete execution failed", logx.Int64("execution_id", rec.ID), logx.Err(err))
		return p.fail(ctx, rec, "record result: "+err.Error(), start)
	}
	p.recordOutcome(ctx, done.SubscriptionID, done.Status)
	took := p.now().Sub(start)
	p.metrics.ExecutionFinished(string(done.Status), took)
	p.log.Info("execution completed",
		logx.Int64("execution_id", done.ID),
		logx.String("status", string(done.Status)),
		logx.Int64("task_id", done.TaskID),
		logx.Bool("partial", res.partial),
		logx.Duration("took", took),
	)
	return false
}

// fail marks rec FAILED. It reports whether the delivery should be requeued,
// which is the case when the write itself failed.
func (p *Pool) fail(ctx context.Context, rec *execution.Execution, msg string, start time.Time) bool {
	ctx = context.WithoutCancel(ctx)
	done, err := p.machine.Fail(ctx, rec.ID, msg)
	if err != nil {
		p.log.Warn("fail execution failed", logx.Int64("execution_id", rec.ID), logx.Err(err))
		return !isNotFound(err) && !execution.IsInvalidTransition(err)
	}
	if done.Status != execution.StatusFailed {
		return false
	}
	p.recordOutcome(ctx, done.SubscriptionID, done.Status)
	var took time.Duration
	if !start.IsZero() {
		took = p.now().Sub(start)
	}
	p.metrics.ExecutionFinished(string(done.Status), took)
	p.log.Warn("execution failed",
		logx.Int64("execution_id", done.ID),
		logx.Int("attempts", done.RetryAttempt+1),
		logx.String("error", msg),
	)
	return false
}

func (p *Pool) recordOutcome(ctx context.Context, subscriptionID int64, status execution.Status) {
	ctx = context.WithoutCancel(ctx)
	err := p.store.RecordOutcome(ctx, subscriptionID, status, p.now())
	if err != nil && !isNotFound(err) {
		p.log.Warn("record subscription outcome failed", logx.Int64("subscription_id", subscriptionID), logx.Err(err))
	}
}

// requeueAfter reports whether a failed bookkeeping write leaves the
// execution for another delivery.
func requeueAfter(err error) bool {
	return !errors.Is(err, errCancelled) && !errors.Is(err, errLost)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, execution.ErrNotFound)
}

// Package worker consumes execution jobs and drives each execution through
// the agent service to a terminal state.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"wegent/internal/agent"
	"wegent/internal/execution"
	"wegent/internal/metrics"
	"wegent/internal/queue"
	"wegent/internal/storage"
	logx "wegent/pkg/logx"
)

type Options struct {
	Queue   queue.Queue
	Store   storage.Store
	Machine *execution.Machine
	Runner  agent.Runner

	// Concurrency is the number of consumers. Default 4.
	Concurrency int
	// MaxAttempts per execution when the subscription sets no max_retries. Default 3.
	MaxAttempts int
	// DequeueWait bounds one blocking dequeue. Default 1s.
	DequeueWait time.Duration
	// PollInterval is how often the agent task and the record are polled. Default 2s.
	PollInterval time.Duration
	// Timeout is the soft timeout when the subscription sets none. Default 10m.
	Timeout time.Duration
	// CancelGrace is how long after cancelling a timed out task the worker
	// waits for a partial result. The hard timeout is Timeout+CancelGrace. Default 30s.
	CancelGrace time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
	// DegradedDelay caps the pause before requeueing while the agent breaker is open. Default 30s.
	DegradedDelay time.Duration

	Now     func() time.Time
	Metrics *metrics.Metrics
	Log     logx.Logger
}

// Pool runs Concurrency consumers on the execution queue.
type Pool struct {
	opt     Options
	queue   queue.Queue
	store   storage.Store
	machine *execution.Machine
	runner  agent.Runner
	backoff backoff
	now     func() time.Time
	metrics *metrics.Metrics
	log     logx.Logger

	mu        sync.Mutex
	want      int
	running   bool
	runCtx    context.Context
	consumers []chan struct{}
	wg        sync.WaitGroup
	nextIdx   int
}

func New(opt Options) (*Pool, error) {
	if opt.Queue == nil || opt.Store == nil || opt.Machine == nil || opt.Runner == nil {
		return nil, errors.New("worker: queue, store, machine and runner are required")
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = 4
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}
	if opt.DequeueWait <= 0 {
		opt.DequeueWait = time.Second
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = 2 * time.Second
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Minute
	}
	if opt.CancelGrace <= 0 {
		opt.CancelGrace = 30 * time.Second
	}
	if opt.DegradedDelay <= 0 {
		opt.DegradedDelay = 30 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		opt:     opt,
		queue:   opt.Queue,
		store:   opt.Store,
		machine: opt.Machine,
		runner:  opt.Runner,
		backoff: backoff{base: opt.RetryBase, max: opt.RetryMaxDelay, jitter: opt.RetryJitter}.withDefaults(),
		now:     opt.Now,
		metrics: opt.Metrics,
		log:     log.Component("worker"),
		want:    opt.Concurrency,
	}, nil
}

// Run starts the consumers and blocks until ctx is done and every consumer
// has returned. Executions interrupted by ctx are moved to RETRYING and
// requeued.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("worker pool already running")
	}
	p.running = true
	p.runCtx = ctx
	p.scaleLocked(p.want)
	n := len(p.consumers)
	p.mu.Unlock()

	p.log.Info("worker pool started", logx.Int("consumers", n), logx.String("queue", p.queue.Name()))
	<-ctx.Done()

	p.mu.Lock()
	p.running = false
	p.consumers = nil
	p.mu.Unlock()
	p.wg.Wait()
	p.log.Info("worker pool stopped")
	return nil
}

// Resize changes the number of consumers. A removed consumer finishes the
// execution it holds before exiting.
func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.want == n {
		return
	}
	p.log.Info("worker pool resized", logx.Int("from", p.want), logx.Int("to", n))
	p.want = n
	if p.running {
		p.scaleLocked(n)
	}
}

// Size returns the target number of consumers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.want
}

func (p *Pool) scaleLocked(n int) {
	for len(p.consumers) < n {
		stop := make(chan struct{})
		p.consumers = append(p.consumers, stop)
		idx := p.nextIdx
		p.nextIdx++
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.consume(p.runCtx, stop, idx)
		}()
	}
	for len(p.consumers) > n {
		last := len(p.consumers) - 1
		close(p.consumers[last])
		p.consumers = p.consumers[:last]
	}
}

func (p *Pool) consume(ctx context.Context, stop <-chan struct{}, idx int) {
	// Per-consumer RNG avoids lock contention on retry jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		d, err := p.queue.Dequeue(ctx, p.opt.DequeueWait)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrEmpty):
				continue
			case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
				return
			}
			p.log.Warn("dequeue failed", logx.Int("consumer", idx), logx.Err(err))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		p.handle(ctx, d, rng)
	}
}

// Handle processes one delivery and settles it.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) {
	p.handle(ctx, d, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func (p *Pool) handle(ctx context.Context, d *queue.Delivery, rng *rand.Rand) {
	settleCtx := context.WithoutCancel(ctx)

	var job execution.JobPayload
	if d.Job.Kind != execution.JobKind || d.Job.Decode(&job) != nil || job.ExecutionID <= 0 {
		p.log.Warn("dropping malformed job", logx.String("job_id", d.Job.ID), logx.String("kind", d.Job.Kind))
		if err := d.Reject(settleCtx, false); err != nil {
			p.log.Warn("reject failed", logx.String("job_id", d.Job.ID), logx.Err(err))
		}
		return
	}

	if p.execute(ctx, job.ExecutionID, rng) {
		if err := d.Reject(settleCtx, true); err != nil {
			p.log.Warn("requeue failed", logx.Int64("execution_id", job.ExecutionID), logx.Err(err))
		}
		return
	}
	if err := d.Ack(settleCtx); err != nil {
		p.log.Warn("ack failed", logx.Int64("execution_id", job.ExecutionID), logx.Err(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wegent/internal/lock"
	"wegent/internal/queue"
	logx "wegent/pkg/logx"
)

const tickKind = "scheduler.tick"

type QueueOptions struct {
	// Queue carries tick messages. Use a redis queue to share ticks across processes.
	Queue queue.Queue
	// Lock deduplicates ticks when several processes run the beat. Optional.
	Lock     *lock.Lock
	Timezone string
	// Consumers is the number of local tick consumers. Default 1.
	Consumers int
	// BeatInterval is how often due jobs are checked. Default 1s.
	BeatInterval time.Duration
	// MaxAttempts bounds redeliveries of a failing tick. Default 3.
	MaxAttempts int
	Log         logx.Logger
}

type tickMessage struct {
	JobID  string    `json:"job_id"`
	Due    time.Time `json:"due"`
	Manual bool      `json:"manual,omitempty"`
}

// QueueBackend publishes due ticks on a queue and runs them from local
// consumers. Delivery is at-least-once: a failed or panicking run is
// requeued until MaxAttempts.
type QueueBackend struct {
	mu sync.Mutex

	opt QueueOptions
	log logx.Logger

	jobs map[string]*job
	// fired holds date jobs whose single tick is queued but not yet settled.
	fired map[string]*job

	running    bool
	startedAt  time.Time
	loopCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	loops      sync.WaitGroup
	lastBeat   time.Time

	report reporter
}

func NewQueueBackend(opt QueueOptions) (*QueueBackend, error) {
	if opt.Queue == nil {
		return nil, errors.New("queue backend: queue required")
	}
	if opt.Consumers <= 0 {
		opt.Consumers = 1
	}
	if opt.BeatInterval <= 0 {
		opt.BeatInterval = time.Second
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("scheduler.queue")
	return &QueueBackend{opt: opt, log: log, jobs: map[string]*job{}, fired: map[string]*job{}, report: reporter{log: log}}, nil
}

func (b *QueueBackend) Type() string { return "queue" }

func (b *QueueBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	loopCtx, loopCancel := context.WithCancel(ctx)
	b.loopCancel = loopCancel
	b.runCtx, b.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	b.running = true
	b.startedAt = time.Now()

	now := time.Now()
	for _, j := range b.jobs {
		j.next = j.sched.Next(now)
	}

	b.loops.Add(1 + b.opt.Consumers)
	go b.beatLoop(loopCtx)
	for i := 0; i < b.opt.Consumers; i++ {
		go b.consume(loopCtx)
	}
	b.log.Info("backend started", logx.String("queue", b.opt.Queue.Name()), logx.Int("consumers", b.opt.Consumers), logx.Int("jobs", len(b.jobs)))
	return nil
}

func (b *QueueBackend) Stop(ctx context.Context, wait bool) error {
	start := time.Now()
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	loopCancel, runCancel := b.loopCancel, b.runCancel
	b.mu.Unlock()

	loopCancel()
	if !wait {
		runCancel()
	}
	done := make(chan struct{})
	go func() {
		b.loops.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stop queue backend: %w", ctx.Err())
	}
	runCancel()
	b.log.Info("backend stopped", logx.Bool("wait", wait), logx.Duration("took", time.Since(start)))
	return err
}

func (b *QueueBackend) beatLoop(ctx context.Context) {
	defer b.loops.Done()
	t := time.NewTicker(b.opt.BeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			b.beat(ctx, now)
		}
	}
}

// beat enqueues a tick for every job due at now and advances its next time.
func (b *QueueBackend) beat(ctx context.Context, now time.Time) int {
	type due struct {
		id   string
		at   time.Time
		once *job
	}
	var ticks []due

	b.mu.Lock()
	b.lastBeat = now
	for id, j := range b.jobs {
		if j.paused || j.next.IsZero() || j.next.After(now) {
			continue
		}
		d := due{id: j.spec.ID, at: j.next}
		if j.spec.TriggerType == TriggerDate {
			// Date jobs fire once and leave the registry.
			delete(b.jobs, id)
			d.once = j
		} else {
			j.next = j.sched.Next(now)
		}
		ticks = append(ticks, d)
	}
	b.mu.Unlock()

	sent := 0
	for _, d := range ticks {
		if b.opt.Lock != nil && !b.opt.Lock.Claim(ctx, fmt.Sprintf("beat:%s:%d", d.id, d.at.Unix()), b.claimTTL()) {
			continue
		}
		if err := b.enqueue(ctx, tickMessage{JobID: d.id, Due: d.at}); err != nil {
			b.log.Warn("tick enqueue failed", logx.String("job", d.id), logx.Err(err))
			if d.once != nil {
				b.restore(d.once)
			}
			continue
		}
		if d.once != nil {
			b.mu.Lock()
			b.fired[d.id] = d.once
			b.mu.Unlock()
		}
		sent++
	}
	return sent
}

// restore puts back a date job whose tick could not be queued so the next
// beat tries again. A job registered meanwhile under the same id wins.
func (b *QueueBackend) restore(j *job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.jobs[j.spec.ID]; !taken {
		b.jobs[j.spec.ID] = j
	}
}

func (b *QueueBackend) claimTTL() time.Duration {
	ttl := 10 * b.opt.BeatInterval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (b *QueueBackend) enqueue(ctx context.Context, msg tickMessage) error {
	qj, err := queue.NewJob(tickKind, msg)
	if err != nil {
		return err
	}
	return b.opt.Queue.Enqueue(ctx, qj)
}

func (b *QueueBackend) consume(ctx context.Context) {
	defer b.loops.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := b.opt.Queue.Dequeue(ctx, time.Second)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			b.log.Warn("tick dequeue failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.handle(d)
	}
}

func (b *QueueBackend) handle(d *queue.Delivery) {
	// Acks use a detached context so a stopping backend still settles deliveries.
	settle := context.WithoutCancel(b.runContext())

	var msg tickMessage
	if d.Job.Kind != tickKind || d.Job.Decode(&msg) != nil {
		b.log.Warn("dropping unexpected message", logx.String("kind", d.Job.Kind), logx.String("id", d.Job.ID))
		_ = d.Reject(settle, false)
		return
	}

	b.mu.Lock()
	j, ok := b.jobs[msg.JobID]
	if !ok {
		j, ok = b.fired[msg.JobID]
	}
	b.mu.Unlock()
	if !ok {
		// Another process may own this job; give it a chance before dropping.
		requeue := d.Job.Attempts+1 < b.opt.MaxAttempts
		b.log.Debug("tick for unknown job", logx.String("job", msg.JobID), logx.Bool("requeue", requeue))
		_ = d.Reject(settle, requeue)
		return
	}

	start := time.Now()
	err := invoke(b.runContext(), j, b.log)
	b.mu.Lock()
	j.prev = start
	b.mu.Unlock()
	b.report.report(j.spec.ID, time.Since(start), err)

	settled := true
	switch {
	case err == nil, errors.Is(err, ErrOverlapSkip):
		if aerr := d.Ack(settle); aerr != nil {
			b.log.Warn("tick ack failed", logx.String("job", j.spec.ID), logx.Err(aerr))
		}
	default:
		requeue := d.Job.Attempts+1 < b.opt.MaxAttempts
		settled = !requeue
		if rerr := d.Reject(settle, requeue); rerr != nil {
			b.log.Warn("tick reject failed", logx.String("job", j.spec.ID), logx.Err(rerr))
		}
	}
	if settled {
		b.mu.Lock()
		if b.fired[j.spec.ID] == j {
			delete(b.fired, j.spec.ID)
		}
		b.mu.Unlock()
	}
}

func (b *QueueBackend) runContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx == nil {
		return context.Background()
	}
	return b.runCtx
}

func (b *QueueBackend) ScheduleJob(spec JobSpec) (*ScheduledJob, error) {
	sched, desc, err := compile(spec, b.opt.Timezone, true)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[spec.ID]; ok && !spec.ReplaceExisting {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, spec.ID)
	}
	j := &job{spec: spec, sched: sched, desc: desc, next: sched.Next(time.Now())}
	b.jobs[spec.ID] = j
	return j.view(j.next), nil
}

func (b *QueueBackend) RemoveJob(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[id]; !ok {
		return false
	}
	delete(b.jobs, id)
	return true
}

func (b *QueueBackend) PauseJob(string) error {
	return fmt.Errorf("%w: queue backend cannot pause single jobs", ErrNotSupported)
}

func (b *QueueBackend) ResumeJob(string) error {
	return fmt.Errorf("%w: queue backend cannot resume single jobs", ErrNotSupported)
}

func (b *QueueBackend) GetJob(id string) (*ScheduledJob, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, false
	}
	return j.view(j.next), true
}

func (b *QueueBackend) GetJobs() []ScheduledJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ScheduledJob, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, *j.view(j.next))
	}
	sort.Slice(out, func(x, y int) bool { return out[x].ID < out[y].ID })
	return out
}

func (b *QueueBackend) GetNextRunTime(id string) (*time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.next.IsZero() {
		return nil, nil
	}
	next := j.next
	return &next, nil
}

// ExecuteJobNow enqueues a manual tick; the handle is done once queued.
func (b *QueueBackend) ExecuteJobNow(ctx context.Context, id string) (*RunHandle, error) {
	b.mu.Lock()
	_, ok := b.jobs[id]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	h := newRunHandle(id)
	h.Queued = true
	err := b.enqueue(ctx, tickMessage{JobID: id, Due: time.Now().UTC(), Manual: true})
	h.finish(err)
	if err != nil {
		return nil, fmt.Errorf("execute %s now: %w", id, err)
	}
	return h, nil
}

func (b *QueueBackend) HealthCheck(ctx context.Context) Health {
	b.mu.Lock()
	h := Health{
		Healthy:     b.running,
		BackendType: b.Type(),
		State:       "stopped",
		JobsCount:   len(b.jobs),
		Details:     map[string]any{"queue": b.opt.Queue.Name(), "consumers": b.opt.Consumers},
	}
	if b.running {
		h.State = "running"
		h.Details["uptime"] = time.Since(b.startedAt).Round(time.Second).String()
		if !b.lastBeat.IsZero() {
			h.Details["last_beat"] = b.lastBeat.UTC().Format(time.RFC3339)
		}
	}
	b.mu.Unlock()

	n, err := b.opt.Queue.Len(ctx)
	if err != nil {
		h.Healthy = false
		h.Details["queue_error"] = err.Error()
	} else {
		h.Details["queue_len"] = n
	}
	return h
}

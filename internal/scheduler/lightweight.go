package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"wegent/internal/subscription"
	logx "wegent/pkg/logx"
)

type LightweightOptions struct {
	// Timezone is the IANA zone for cron jobs without their own. Default Local.
	Timezone string
	// StartupSpread delays the first run of interval jobs by a per-job offset.
	StartupSpread bool
	Log           logx.Logger
}

// Lightweight is the in-process backend: a robfig/cron runner for cron and
// interval jobs and timers for date jobs.
type Lightweight struct {
	mu sync.Mutex

	opt LightweightOptions
	log logx.Logger
	loc *time.Location
	// salt varies the startup spread between backend instances.
	salt string

	c    *cron.Cron
	jobs map[string]*job

	running   bool
	startedAt time.Time
	runCtx    context.Context
	runCancel context.CancelFunc
	// wg tracks runs not owned by cron (date timers, run-now).
	wg sync.WaitGroup

	report reporter
}

func NewLightweight(opt LightweightOptions) *Lightweight {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("scheduler.lightweight")
	return &Lightweight{
		opt:    opt,
		log:    log,
		salt:   uuid.NewString(),
		jobs:   map[string]*job{},
		report: reporter{log: log},
	}
}

func (l *Lightweight) Type() string { return "lightweight" }

func (l *Lightweight) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	l.loc = loadLocation(l.opt.Timezone, l.log)
	l.c = cron.New(cron.WithParser(subscription.CronParser()), cron.WithLocation(l.loc))
	// Runs outlive the caller's cancellation until Stop decides otherwise.
	l.runCtx, l.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	l.running = true
	l.startedAt = time.Now()

	for _, j := range l.jobs {
		if err := l.registerLocked(j); err != nil {
			l.log.Error("schedule register failed", logx.String("job", j.spec.ID), logx.Err(err))
		}
	}
	l.c.Start()
	l.log.Info("backend started", logx.String("tz", l.loc.String()), logx.Int("jobs", len(l.jobs)))
	return nil
}

func (l *Lightweight) Stop(ctx context.Context, wait bool) error {
	start := time.Now()
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	c := l.c
	l.c = nil
	for _, j := range l.jobs {
		l.unscheduleLocked(j, nil)
	}
	cancel := l.runCancel
	l.mu.Unlock()

	if !wait {
		cancel()
	}
	cronDone := c.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		l.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stop lightweight backend: %w", ctx.Err())
	}
	cancel()
	l.log.Info("backend stopped", logx.Bool("wait", wait), logx.Duration("took", time.Since(start)))
	return err
}

func (l *Lightweight) ScheduleJob(spec JobSpec) (*ScheduledJob, error) {
	sched, desc, err := compile(spec, l.opt.Timezone, false)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.jobs[spec.ID]; ok {
		if !spec.ReplaceExisting {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, spec.ID)
		}
		l.unscheduleLocked(old, l.c)
	}
	j := &job{spec: spec, sched: sched, desc: desc}
	l.jobs[spec.ID] = j
	if l.running {
		if err := l.registerLocked(j); err != nil {
			delete(l.jobs, spec.ID)
			return nil, err
		}
	}
	l.log.Debug("job scheduled", logx.String("job", spec.ID), logx.String("trigger", desc), logx.String("next", l.previewLocked(j, 3)))
	return j.view(l.nextLocked(j)), nil
}

func (l *Lightweight) registerLocked(j *job) error {
	if j.paused {
		return nil
	}
	switch j.spec.TriggerType {
	case TriggerDate:
		j.ver++
		ver := j.ver
		delay := time.Until(j.spec.RunAt)
		if delay < 0 {
			delay = 0
		}
		j.timer = time.AfterFunc(delay, func() { l.fireDate(j, ver) })
		return nil
	default:
		sched := j.sched
		if j.spec.TriggerType == TriggerInterval && l.opt.StartupSpread {
			var offset time.Duration
			sched, offset = spreadInterval(j.spec.Interval, time.Now().In(l.loc), l.salt, j.spec.ID)
			l.log.Debug("startup spread applied", logx.String("job", j.spec.ID), logx.Duration("offset", offset))
		}
		j.entryID = l.c.Schedule(sched, cron.FuncJob(func() { l.run(j) }))
		return nil
	}
}

// unscheduleLocked detaches j from the runner; c may be nil when the runner
// is already stopped.
func (l *Lightweight) unscheduleLocked(j *job, c *cron.Cron) {
	if j.entryID != 0 && c != nil {
		c.Remove(j.entryID)
	}
	j.entryID = 0
	if j.timer != nil {
		_ = j.timer.Stop()
		j.timer = nil
	}
	j.ver++
}

func (l *Lightweight) run(j *job) {
	l.mu.Lock()
	ctx := l.runCtx
	l.mu.Unlock()

	start := time.Now()
	err := invoke(ctx, j, l.log)

	l.mu.Lock()
	j.prev = start
	l.mu.Unlock()
	l.report.report(j.spec.ID, time.Since(start), err)
}

func (l *Lightweight) fireDate(j *job, ver uint64) {
	l.mu.Lock()
	if !l.running || l.jobs[j.spec.ID] != j || j.ver != ver {
		l.mu.Unlock()
		return
	}
	// Date jobs run once; drop the definition first so a restart cannot repeat it.
	delete(l.jobs, j.spec.ID)
	j.timer = nil
	ctx := l.runCtx
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	start := time.Now()
	err := invoke(ctx, j, l.log)
	l.report.report(j.spec.ID, time.Since(start), err)
}

func (l *Lightweight) RemoveJob(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return false
	}
	l.unscheduleLocked(j, l.c)
	delete(l.jobs, id)
	l.log.Debug("job removed", logx.String("job", id))
	return true
}

func (l *Lightweight) PauseJob(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.paused {
		return nil
	}
	l.unscheduleLocked(j, l.c)
	j.paused = true
	return nil
}

func (l *Lightweight) ResumeJob(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !j.paused {
		return nil
	}
	j.paused = false
	if l.running {
		return l.registerLocked(j)
	}
	return nil
}

func (l *Lightweight) GetJob(id string) (*ScheduledJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return nil, false
	}
	return j.view(l.nextLocked(j)), true
}

func (l *Lightweight) GetJobs() []ScheduledJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ScheduledJob, 0, len(l.jobs))
	for _, j := range l.jobs {
		out = append(out, *j.view(l.nextLocked(j)))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (l *Lightweight) GetNextRunTime(id string) (*time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	next := l.nextLocked(j)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

func (l *Lightweight) nextLocked(j *job) time.Time {
	if j.paused {
		return time.Time{}
	}
	if j.spec.TriggerType == TriggerDate {
		return j.spec.RunAt
	}
	if l.c != nil && j.entryID != 0 {
		if e := l.c.Entry(j.entryID); !e.Next.IsZero() {
			return e.Next
		}
	}
	loc := l.loc
	if loc == nil {
		loc = loadLocation(l.opt.Timezone, l.log)
	}
	return j.sched.Next(time.Now().In(loc))
}

// previewLocked returns a short list of upcoming run times for debug logs.
func (l *Lightweight) previewLocked(j *job, n int) string {
	if !l.log.Enabled(logx.LevelDebug) || j.spec.TriggerType == TriggerDate {
		return ""
	}
	t := time.Now()
	if l.loc != nil {
		t = t.In(l.loc)
	}
	out := ""
	for i := 0; i < n; i++ {
		t = j.sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			out += ", "
		}
		out += t.Format("2006-01-02 15:04:05")
	}
	return out
}

func (l *Lightweight) ExecuteJobNow(_ context.Context, id string) (*RunHandle, error) {
	l.mu.Lock()
	j, ok := l.jobs[id]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !l.running {
		l.mu.Unlock()
		return nil, ErrNotRunning
	}
	ctx := l.runCtx
	l.wg.Add(1)
	l.mu.Unlock()

	h := newRunHandle(id)
	go func() {
		defer l.wg.Done()
		start := time.Now()
		err := invoke(ctx, j, l.log)
		l.report.report(id, time.Since(start), err)
		h.finish(err)
	}()
	return h, nil
}

func (l *Lightweight) HealthCheck(context.Context) Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	paused := 0
	for _, j := range l.jobs {
		if j.paused {
			paused++
		}
	}
	h := Health{
		Healthy:     l.running,
		BackendType: l.Type(),
		State:       "stopped",
		JobsCount:   len(l.jobs),
		Details:     map[string]any{"paused": paused},
	}
	if l.running {
		h.State = "running"
		h.Details["timezone"] = l.loc.String()
		h.Details["uptime"] = time.Since(l.startedAt).Round(time.Second).String()
	}
	return h
}

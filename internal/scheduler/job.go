package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"wegent/internal/subscription"
	logx "wegent/pkg/logx"
)

type job struct {
	spec  JobSpec
	sched cron.Schedule
	desc  string

	inflight atomic.Int32

	paused  bool
	entryID cron.EntryID
	timer   *time.Timer
	ver     uint64

	// next is tracked by backends that compute fire times themselves.
	next time.Time
	prev time.Time
}

func (j *job) view(next time.Time) *ScheduledJob {
	sj := &ScheduledJob{
		ID:          j.spec.ID,
		TriggerType: j.spec.TriggerType,
		Trigger:     j.desc,
		Paused:      j.paused,
	}
	if !next.IsZero() {
		n := next
		sj.NextRunTime = &n
	}
	if !j.prev.IsZero() {
		p := j.prev
		sj.LastRunTime = &p
	}
	if j.spec.Timeout > 0 {
		sj.Timeout = j.spec.Timeout.String()
	}
	return sj
}

// dateSchedule fires once at a fixed time.
type dateSchedule struct{ at time.Time }

func (d dateSchedule) Next(t time.Time) time.Time {
	if t.Before(d.at) {
		return d.at
	}
	return time.Time{}
}

// alignedEvery fires on multiples of every since the unix epoch, so processes
// computing it independently agree on fire times.
type alignedEvery struct{ every time.Duration }

func (a alignedEvery) Next(t time.Time) time.Time {
	return t.Truncate(a.every).Add(a.every)
}

// compile validates spec and builds its schedule. aligned selects epoch
// aligned interval schedules.
func compile(spec JobSpec, defaultTZ string, aligned bool) (cron.Schedule, string, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, "", fmt.Errorf("%w: id required", ErrInvalidJob)
	}
	if spec.Func == nil {
		return nil, "", fmt.Errorf("%w: %s: func required", ErrInvalidJob, spec.ID)
	}
	switch spec.TriggerType {
	case TriggerCron:
		expr := strings.TrimSpace(spec.Cron)
		if expr == "" {
			return nil, "", fmt.Errorf("%w: %s: cron expression required", ErrInvalidJob, spec.ID)
		}
		tz := strings.TrimSpace(spec.Timezone)
		if tz == "" {
			tz = strings.TrimSpace(defaultTZ)
		}
		full := expr
		if tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
			if _, err := time.LoadLocation(tz); err != nil {
				return nil, "", fmt.Errorf("%w: %s: timezone %q: %w", ErrInvalidJob, spec.ID, tz, err)
			}
			full = "CRON_TZ=" + tz + " " + expr
		}
		sched, err := subscription.CronParser().Parse(full)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s: %w", ErrInvalidJob, spec.ID, err)
		}
		return sched, "cron[" + full + "]", nil
	case TriggerInterval:
		if spec.Interval < time.Second {
			return nil, "", fmt.Errorf("%w: %s: interval must be at least 1s", ErrInvalidJob, spec.ID)
		}
		desc := "interval[" + spec.Interval.String() + "]"
		if aligned {
			return alignedEvery{every: spec.Interval}, desc, nil
		}
		return cron.Every(spec.Interval), desc, nil
	case TriggerDate:
		if spec.RunAt.IsZero() {
			return nil, "", fmt.Errorf("%w: %s: run time required", ErrInvalidJob, spec.ID)
		}
		return dateSchedule{at: spec.RunAt}, "date[" + spec.RunAt.Format(time.RFC3339) + "]", nil
	default:
		return nil, "", fmt.Errorf("%w: %s: unknown trigger type %q", ErrInvalidJob, spec.ID, spec.TriggerType)
	}
}

// invoke runs one job call with overlap gating, timeout and panic recovery.
func invoke(ctx context.Context, j *job, log logx.Logger) (err error) {
	if j.spec.AllowOverlap {
		j.inflight.Add(1)
		defer j.inflight.Add(-1)
	} else {
		if !j.inflight.CompareAndSwap(0, 1) {
			return ErrOverlapSkip
		}
		defer j.inflight.Store(0)
	}
	if j.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.spec.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", j.spec.ID, r)
			log.Error("job panic", logx.String("job", j.spec.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return j.spec.Func(ctx)
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

const runWarnThrottle = 5 * time.Second

// reporter logs job failures, throttled per job.
type reporter struct {
	log logx.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

func (r *reporter) report(id string, took time.Duration, err error) {
	if err == nil {
		if took >= 750*time.Millisecond {
			r.log.Info("job completed", logx.String("job", id), logx.Duration("dur", took))
		} else {
			r.log.Debug("job completed", logx.String("job", id), logx.Duration("dur", took))
		}
		return
	}
	if errors.Is(err, ErrOverlapSkip) {
		r.log.Debug("job skipped", logx.String("job", id), logx.Err(err))
		return
	}

	now := time.Now()
	r.mu.Lock()
	if r.last == nil {
		r.last = make(map[string]time.Time)
	}
	last := r.last[id]
	if !last.IsZero() && now.Sub(last) < runWarnThrottle {
		r.mu.Unlock()
		return
	}
	r.last[id] = now
	r.mu.Unlock()

	r.log.Warn("job failed", logx.String("job", id), logx.Duration("dur", took), logx.Err(err))
}

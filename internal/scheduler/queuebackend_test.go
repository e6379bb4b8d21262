package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wegent/internal/lock"
	"wegent/internal/queue"
	logx "wegent/pkg/logx"
)

func newQueueBackend(t *testing.T, q queue.Queue, l *lock.Lock) *QueueBackend {
	t.Helper()
	b, err := NewQueueBackend(QueueOptions{Queue: q, Lock: l, BeatInterval: 50 * time.Millisecond, Log: logx.Nop()})
	require.NoError(t, err)
	return b
}

func TestQueueBackendRunsDueTicks(t *testing.T) {
	b := newQueueBackend(t, queue.NewMemory("scheduler", 16, nil), nil)
	var runs atomic.Int32
	_, err := b.ScheduleJob(JobSpec{ID: "tick", TriggerType: TriggerInterval, Interval: time.Second, Func: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background(), false) })
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	h := b.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "queue", h.BackendType)
	assert.Equal(t, "scheduler", h.Details["queue"])
}

func TestQueueBackendDateJobRunsOnceAndIsRemoved(t *testing.T) {
	q := queue.NewMemory("scheduler", 16, nil)
	b := newQueueBackend(t, q, nil)
	var runs atomic.Int32
	_, err := b.ScheduleJob(JobSpec{ID: "once", TriggerType: TriggerDate, RunAt: time.Now().Add(100 * time.Millisecond), Func: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background(), false) })

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	_, ok := b.GetJob("once")
	assert.False(t, ok)
	assert.Empty(t, b.GetJobs())

	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.fired) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestQueueBackendRequeuesFailuresUntilMaxAttempts(t *testing.T) {
	q := queue.NewMemory("scheduler", 16, nil)
	b := newQueueBackend(t, q, nil)
	var runs atomic.Int32
	_, err := b.ScheduleJob(JobSpec{ID: "flaky", TriggerType: TriggerInterval, Interval: time.Hour, Func: func(context.Context) error {
		if runs.Add(1) == 2 {
			panic("second attempt panics")
		}
		return errors.New("downstream unavailable")
	}})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background(), false) })

	h, err := b.ExecuteJobNow(context.Background(), "flaky")
	require.NoError(t, err)
	assert.True(t, h.Queued)
	require.NoError(t, h.Wait(context.Background()))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, runs.Load())
	assert.Zero(t, q.InFlight())
}

func TestQueueBackendBeatDeduplicatesAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory("scheduler", 16, nil)
	shared := lock.NewMemoryStore(nil)
	a := newQueueBackend(t, q, lock.New(shared, lock.Options{Holder: "a"}))
	b := newQueueBackend(t, q, lock.New(shared, lock.Options{Holder: "b"}))

	for _, be := range []*QueueBackend{a, b} {
		_, err := be.ScheduleJob(JobSpec{ID: "check_due", Func: nopJob, TriggerType: TriggerInterval, Interval: time.Minute})
		require.NoError(t, err)
	}
	nextA, err := a.GetNextRunTime("check_due")
	require.NoError(t, err)
	nextB, err := b.GetNextRunTime("check_due")
	require.NoError(t, err)
	require.Equal(t, *nextA, *nextB)

	due := nextA.Add(10 * time.Millisecond)
	assert.Equal(t, 1, a.beat(ctx, due)+b.beat(ctx, due))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	after, err := a.GetNextRunTime("check_due")
	require.NoError(t, err)
	assert.Equal(t, nextA.Add(time.Minute), *after)
}

func TestQueueBackendUnsupportedOperations(t *testing.T) {
	b := newQueueBackend(t, queue.NewMemory("scheduler", 1, nil), nil)
	_, err := b.ScheduleJob(JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerCron, Cron: "@hourly"})
	require.NoError(t, err)

	require.ErrorIs(t, b.PauseJob("a"), ErrNotSupported)
	require.ErrorIs(t, b.ResumeJob("a"), ErrNotSupported)

	_, err = b.ExecuteJobNow(context.Background(), "missing")
	require.ErrorIs(t, err, ErrJobNotFound)

	_, err = b.ScheduleJob(JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerCron, Cron: "@hourly"})
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.True(t, b.RemoveJob("a"))
	assert.False(t, b.RemoveJob("a"))

	_, err = NewQueueBackend(QueueOptions{})
	require.Error(t, err)
}

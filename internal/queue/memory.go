package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wegent/internal/metrics"
)

// Memory is an in-process queue backed by a buffered channel.
type Memory struct {
	name    string
	ch      chan Job
	metrics *metrics.Metrics

	inflight atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemory(name string, size int, m *metrics.Metrics) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{name: name, ch: make(chan Job, size), metrics: m, closed: make(chan struct{})}
}

func (q *Memory) Name() string { return q.name }

func (q *Memory) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.ch <- job:
		q.metrics.QueueOp(q.name, "enqueue")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

func (q *Memory) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case job := <-q.ch:
		q.metrics.QueueOp(q.name, "dequeue")
		q.inflight.Add(1)
		return q.delivery(job), nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrEmpty
	}
}

func (q *Memory) delivery(job Job) *Delivery {
	var done atomic.Bool
	return &Delivery{
		Job: job,
		ack: func(context.Context) error {
			if done.CompareAndSwap(false, true) {
				q.inflight.Add(-1)
				q.metrics.QueueOp(q.name, "ack")
			}
			return nil
		},
		reject: func(ctx context.Context, requeue bool) error {
			if !done.CompareAndSwap(false, true) {
				return nil
			}
			q.inflight.Add(-1)
			q.metrics.QueueOp(q.name, "reject")
			if !requeue {
				return nil
			}
			job.Attempts++
			return q.Enqueue(ctx, job)
		},
	}
}

func (q *Memory) Len(context.Context) (int64, error) { return int64(len(q.ch)), nil }

// InFlight reports delivered but unacknowledged jobs.
func (q *Memory) InFlight() int64 { return q.inflight.Load() }

func (q *Memory) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

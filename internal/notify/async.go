package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"wegent/internal/metrics"
	logx "wegent/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify queue stopped")
)

type AsyncOptions struct {
	// QueueSize bounds pending events. Default 256.
	QueueSize int
	// Workers is the number of senders. Default 1 keeps per-topic order.
	Workers int
	Log     logx.Logger
	Metrics *metrics.Metrics
}

type asyncItem struct {
	topic string
	event Event
}

// Async hands events to a slow emitter (redis, webhook) from background
// workers. Publish never blocks; events beyond the queue capacity are dropped.
type Async struct {
	next    Emitter
	workers int
	log     logx.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	q         chan asyncItem
	accepting bool
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	dropped atomic.Uint64
}

func NewAsync(next Emitter, opt AsyncOptions) *Async {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Async{
		next:      next,
		workers:   opt.Workers,
		log:       opt.Log,
		metrics:   opt.Metrics,
		q:         make(chan asyncItem, opt.QueueSize),
		accepting: true,
	}
}

// Start launches the workers. Events published before Start wait in the queue.
func (a *Async) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || !a.accepting {
		return
	}
	a.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.loop(runCtx)
	}
}

func (a *Async) loop(ctx context.Context) {
	defer a.wg.Done()
	for it := range a.q {
		if ctx.Err() != nil {
			a.dropped.Add(1)
			continue
		}
		a.send(ctx, it)
	}
}

func (a *Async) send(ctx context.Context, it asyncItem) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("notify sink panicked", logx.String("topic", it.topic), logx.Any("panic", r))
		}
	}()
	if err := a.next.Publish(ctx, it.topic, it.event); err != nil {
		a.log.Warn("async publish failed", logx.Err(fmt.Errorf("publish %s: %w", it.topic, err)))
	}
}

// Publish queues e and returns at once.
func (a *Async) Publish(_ context.Context, topic string, e Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.accepting {
		return ErrStopped
	}
	select {
	case a.q <- asyncItem{topic: topic, event: e}:
		return nil
	default:
		a.dropped.Add(1)
		a.metrics.PublishResult("async", ErrQueueFull)
		return ErrQueueFull
	}
}

// Stop refuses new events and drains the queue until ctx ends. Events still
// pending at the deadline are dropped.
func (a *Async) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.accepting {
		a.mu.Unlock()
		return nil
	}
	a.accepting = false
	close(a.q)
	started := a.started
	cancel := a.cancel
	a.mu.Unlock()

	if !started {
		a.dropped.Add(uint64(len(a.q)))
		return nil
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Dropped counts events lost to a full queue or to shutdown.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

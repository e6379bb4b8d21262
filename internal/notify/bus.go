package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wegent/internal/metrics"
)

// Message is what Bus subscribers receive.
type Message struct {
	Topic string
	Event Event
}

// Bus is an in-memory, non-blocking fan-out emitter.
//
// Contract:
//   - Publish never blocks.
//   - Slow subscribers drop messages (bounded backpressure).
//   - A subscription on topic "" receives every topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	dropped atomic.Uint64
	metrics *metrics.Metrics
}

type subscriber struct {
	topic string
	ch    chan Message
}

func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{subs: map[uint64]*subscriber{}, metrics: m}
}

func (b *Bus) Publish(_ context.Context, topic string, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == topic {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Event: e}
	for _, s := range targets {
		// A subscriber may unsubscribe concurrently and close its channel.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- msg:
			default:
				b.dropped.Add(1)
			}
		}()
	}
	b.metrics.PublishResult("bus", nil)
	return nil
}

// Subscribe registers a buffered subscriber for topic ("" for all).
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{topic: topic, ch: make(chan Message, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Dropped counts messages lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

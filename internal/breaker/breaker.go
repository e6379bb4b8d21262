// Package breaker isolates calls to flaky dependencies (agent API, webhooks)
// behind a consecutive-failure circuit breaker.
//
// CLOSED counts consecutive failures; reaching FailMax opens the circuit.
// OPEN rejects calls with ErrOpen until ResetTimeout elapsed, then the next
// caller runs a single HALF_OPEN trial: success closes, failure re-opens.
// State is process-local and resets to CLOSED on restart.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wegent/internal/metrics"
	logx "wegent/pkg/logx"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = StateClosed
	case "HALF_OPEN":
		*s = StateHalfOpen
	case "OPEN":
		*s = StateOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

// ErrOpen is matched (errors.Is) by every rejection.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned instead of invoking the operation while the circuit is
// open or a half-open trial is already in flight.
type OpenError struct {
	Name    string
	State   State
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("circuit breaker %q %s (retry in %s)", e.Name, e.State, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %q %s", e.Name, e.State)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

type Config struct {
	FailMax      int
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailMax <= 0 {
		c.FailMax = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	return c
}

// Status is the diagnostic view of one breaker.
type Status struct {
	Name              string        `json:"name"`
	State             State         `json:"state"`
	FailCounter       int           `json:"fail_counter"`
	FailMax           int           `json:"fail_max"`
	ResetTimeout      time.Duration `json:"reset_timeout"`
	LastStateChangeAt time.Time     `json:"last_state_change_at"`
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(b *Breaker) { b.metrics = m } }

func WithLogger(log logx.Logger) Option { return func(b *Breaker) { b.log = log } }

// WithExclude marks errors that are the caller's fault (bad request, canceled
// context). They are returned unchanged and count as success for the circuit.
func WithExclude(fn func(error) bool) Option { return func(b *Breaker) { b.exclude = fn } }

type Breaker struct {
	name    string
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	log     logx.Logger
	exclude func(error) bool

	mu        sync.Mutex
	state     State
	fails     int
	openedAt  time.Time
	changedAt time.Time
	trial     bool
	// gen advances on every state change. Outcomes of calls admitted under
	// an older gen are ignored.
	gen uint64
}

// admission is what allow hands a call; record uses it to settle the outcome.
type admission struct {
	trial bool
	gen   uint64
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.exclude == nil {
		b.exclude = func(err error) bool { return errors.Is(err, context.Canceled) }
	}
	b.changedAt = b.now()
	b.metrics.SetBreakerState(name, int(StateClosed))
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state. An OPEN circuit whose timeout elapsed is
// reported as HALF_OPEN since the next call would be a trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	st := Status{
		Name:              b.name,
		State:             b.state,
		FailCounter:       b.fails,
		FailMax:           b.cfg.FailMax,
		ResetTimeout:      b.cfg.ResetTimeout,
		LastStateChangeAt: b.changedAt,
	}
	b.mu.Unlock()
	return st
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.fails = 0
	b.trial = false
	b.setState(StateClosed)
	b.mu.Unlock()
}

// allow decides whether a call may proceed. A HALF_OPEN call is admitted as
// the trial.
func (b *Breaker) allow() (admission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return admission{gen: b.gen}, nil
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			return admission{}, &OpenError{Name: b.name, State: StateOpen, RetryIn: b.cfg.ResetTimeout - elapsed}
		}
		b.setState(StateHalfOpen)
		b.trial = true
		return admission{trial: true, gen: b.gen}, nil
	default: // half-open
		if b.trial {
			return admission{}, &OpenError{Name: b.name, State: StateHalfOpen}
		}
		b.trial = true
		return admission{trial: true, gen: b.gen}, nil
	}
}

func (b *Breaker) record(adm admission, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if adm.gen != b.gen {
		// Admitted under an earlier state.
		return
	}
	if adm.trial {
		b.trial = false
	}
	if !failed {
		b.fails = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.fails++
	switch {
	case b.state == StateHalfOpen:
		b.open()
	case b.state == StateClosed && b.fails >= b.cfg.FailMax:
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

// setState must be called with mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	b.gen++
	b.changedAt = b.now()
	b.metrics.SetBreakerState(b.name, int(s))
	lvl := b.log.Info
	if s == StateOpen {
		lvl = b.log.Warn
	}
	lvl("circuit breaker state changed",
		logx.String("breaker", b.name),
		logx.String("from", prev.String()),
		logx.String("to", s.String()),
		logx.Int("fail_counter", b.fails),
	)
}

// CallOption tunes a single call.
type CallOption func(*callCfg)

type callCfg struct {
	fallback func(ctx context.Context, err error) error
}

// WithFallback runs fn instead of returning ErrOpen when the call is rejected.
func WithFallback(fn func(ctx context.Context, err error) error) CallOption {
	return func(c *callCfg) { c.fallback = fn }
}

// Call runs fn through the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error, opts ...CallOption) error {
	var cc callCfg
	for _, o := range opts {
		o(&cc)
	}
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, func(ctx context.Context, err error) (struct{}, error) {
		if cc.fallback == nil {
			return struct{}{}, err
		}
		return struct{}{}, cc.fallback(ctx, err)
	})
	return err
}

// Do runs fn through b and returns its typed result. When the circuit rejects
// the call and a fallback is given, the fallback result is returned instead.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback ...func(ctx context.Context, err error) (T, error)) (out T, err error) {
	adm, err := b.allow()
	if err != nil {
		b.metrics.BreakerCall(b.name, "rejected")
		if len(fallback) > 0 && fallback[0] != nil {
			return fallback[0](ctx, err)
		}
		return out, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.metrics.BreakerCall(b.name, "failure")
			b.record(adm, true)
			panic(r)
		}
	}()

	out, err = fn(ctx)
	failed := err != nil && !b.exclude(err)
	if failed {
		b.metrics.BreakerCall(b.name, "failure")
	} else {
		b.metrics.BreakerCall(b.name, "success")
	}
	b.record(adm, failed)
	return out, err
}

// CallAsync runs fn through the breaker in its own goroutine. The channel
// receives exactly one value and is then closed.
func (b *Breaker) CallAsync(ctx context.Context, fn func(ctx context.Context) error, opts ...CallOption) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- b.Call(ctx, fn, opts...)
	}()
	return ch
}

// Wrap returns fn guarded by the breaker, with the same signature.
func (b *Breaker) Wrap(fn func(ctx context.Context) error, opts ...CallOption) func(ctx context.Context) error {
	return func(ctx context.Context) error { return b.Call(ctx, fn, opts...) }
}

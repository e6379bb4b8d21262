package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wegent/internal/agent"
	"wegent/internal/breaker"
	"wegent/internal/execution"
	"wegent/internal/queue"
	"wegent/internal/storage"
	"wegent/internal/subscription"
	logx "wegent/pkg/logx"
)

type fakeRunner struct {
	mu      sync.Mutex
	create  func(n int, t agent.Task) (int64, error)
	get     func(id int64, cancelled bool) (agent.TaskStatus, error)
	creates int
	tasks   []agent.Task
	cancels map[int64]bool
}

func (f *fakeRunner) Create(_ context.Context, t agent.Task) (int64, error) {
	f.mu.Lock()
	f.creates++
	n := f.creates
	f.tasks = append(f.tasks, t)
	fn := f.create
	f.mu.Unlock()
	if fn == nil {
		return int64(100 + n), nil
	}
	return fn(n, t)
}

func (f *fakeRunner) Get(_ context.Context, id int64) (agent.TaskStatus, error) {
	f.mu.Lock()
	cancelled := f.cancels[id]
	fn := f.get
	f.mu.Unlock()
	if fn == nil {
		return agent.TaskStatus{ID: id, State: agent.TaskCompleted, Summary: "done"}, nil
	}
	return fn(id, cancelled)
}

func (f *fakeRunner) Cancel(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancels == nil {
		f.cancels = map[int64]bool{}
	}
	f.cancels[id] = true
	return nil
}

func (f *fakeRunner) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeRunner) cancelled(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[id]
}

type harness struct {
	store   storage.Store
	queue   *queue.Memory
	machine *execution.Machine
	runner  *fakeRunner
	pool    *Pool
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "wegent.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:   st,
		queue:   queue.NewMemory("executions", 16, nil),
		machine: execution.NewMachine(st, execution.Options{}),
		runner:  &fakeRunner{},
	}
	opt := Options{
		Queue:         h.queue,
		Store:         st,
		Machine:       h.machine,
		Runner:        h.runner,
		Concurrency:   2,
		MaxAttempts:   3,
		DequeueWait:   10 * time.Millisecond,
		PollInterval:  2 * time.Millisecond,
		Timeout:       time.Second,
		CancelGrace:   time.Second,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DegradedDelay: time.Millisecond,
	}
	if tweak != nil {
		tweak(&opt)
	}
	h.pool, err = New(opt)
	require.NoError(t, err)
	return h
}

// pending creates a subscription and fires it once, returning the PENDING execution.
func (h *harness) pending(t *testing.T, mod func(*subscription.Subscription)) *execution.Execution {
	t.Helper()
	ctx := context.Background()
	next := time.Now().UTC().Add(-time.Second).Truncate(time.Millisecond)
	sub := &subscription.Subscription{
		UserID:            3,
		Name:              "digest",
		TeamRef:           "research-team",
		TriggerType:       subscription.TriggerInterval,
		TriggerConfig:     json.RawMessage(`{"interval_seconds":60}`),
		PromptTemplate:    "summarize",
		Enabled:           true,
		NextExecutionTime: &next,
	}
	if mod != nil {
		mod(sub)
	}
	require.NoError(t, h.store.CreateSubscription(ctx, sub))
	later := next.Add(time.Minute)
	ex, err := h.store.FireSubscription(ctx, storage.Firing{
		SubscriptionID: sub.ID,
		ExpectedNext:   &next,
		Next:           &later,
		Enabled:        true,
		FiredAt:        time.Now().UTC(),
		UserID:         sub.UserID,
		TriggerType:    string(sub.TriggerType),
		TriggerReason:  "Scheduled (every 1m0s)",
		Prompt:         "summarize the news",
	})
	require.NoError(t, err)
	return ex
}

func (h *harness) deliver(t *testing.T, id int64) *queue.Delivery {
	t.Helper()
	job, err := queue.NewJob(execution.JobKind, execution.JobPayload{ExecutionID: id})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
	d, err := h.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	return d
}

func (h *harness) handle(t *testing.T, id int64) {
	t.Helper()
	h.pool.Handle(context.Background(), h.deliver(t, id))
}

func (h *harness) reload(t *testing.T, id int64) *execution.Execution {
	t.Helper()
	ex, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return ex
}

func (h *harness) queued(t *testing.T) int64 {
	t.Helper()
	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestCompletesExecution(t *testing.T) {
	h := newHarness(t, nil)
	ex := h.pending(t, nil)

	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, int64(101), got.TaskID)
	assert.Equal(t, "done", got.ResultSummary)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Zero(t, h.queue.InFlight())

	require.Len(t, h.runner.tasks, 1)
	assert.Equal(t, "research-team", h.runner.tasks[0].TeamRef)
	assert.Equal(t, "summarize the news", h.runner.tasks[0].Prompt)

	sub, err := h.store.GetSubscription(context.Background(), ex.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.SuccessCount)
	assert.Equal(t, string(execution.StatusCompleted), sub.LastExecutionStatus)
}

func TestSilentResult(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.get = func(id int64, _ bool) (agent.TaskStatus, error) {
		return agent.TaskStatus{ID: id, State: agent.TaskCompleted, Silent: true}, nil
	}
	ex := h.pending(t, nil)
	h.handle(t, ex.ID)
	assert.Equal(t, execution.StatusCompletedSilent, h.reload(t, ex.ID).Status)
}

func TestRetriesTemporaryFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.create = func(n int, _ agent.Task) (int64, error) {
		if n == 1 {
			return 0, &agent.StatusError{Op: "create", Code: http.StatusServiceUnavailable}
		}
		return 7, nil
	}
	ex := h.pending(t, nil)
	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryAttempt)
	assert.Equal(t, int64(7), got.TaskID)
	assert.Equal(t, 2, h.runner.createCount())
}

func TestExhaustedAttemptsFail(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.create = func(int, agent.Task) (int64, error) {
		return 0, &agent.StatusError{Op: "create", Code: http.StatusBadGateway}
	}
	ex := h.pending(t, func(s *subscription.Subscription) { s.MaxRetries = 1 })
	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "status 502")
	assert.Equal(t, 2, h.runner.createCount())

	sub, err := h.store.GetSubscription(context.Background(), ex.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.FailureCount)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.create = func(int, agent.Task) (int64, error) {
		return 0, &agent.StatusError{Op: "create", Code: http.StatusBadRequest, Body: "unknown team"}
	}
	ex := h.pending(t, nil)
	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "unknown team")
	assert.Equal(t, 1, h.runner.createCount())
}

func TestAgentTaskFailureIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.get = func(id int64, _ bool) (agent.TaskStatus, error) {
		if id == 101 {
			return agent.TaskStatus{ID: id, State: agent.TaskFailed, Error: "model overloaded"}, nil
		}
		return agent.TaskStatus{ID: id, State: agent.TaskCompleted, Summary: "second try"}, nil
	}
	ex := h.pending(t, nil)
	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "second try", got.ResultSummary)
	assert.Equal(t, int64(102), got.TaskID)
}

func TestBreakerOpenRequeuesAsDegraded(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.create = func(int, agent.Task) (int64, error) {
		return 0, &breaker.OpenError{Name: agent.BreakerName, State: breaker.StateOpen, RetryIn: time.Millisecond}
	}
	ex := h.pending(t, nil)
	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusRetrying, got.Status)
	assert.Contains(t, got.ErrorMessage, "service degraded")
	assert.Zero(t, got.RetryAttempt)

	require.Equal(t, int64(1), h.queued(t))
	d, err := h.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Job.Attempts)

	// Agent back: the requeued delivery finishes the execution.
	h.runner.mu.Lock()
	h.runner.create = nil
	h.runner.mu.Unlock()
	h.pool.Handle(context.Background(), d)
	assert.Equal(t, execution.StatusCompleted, h.reload(t, ex.ID).Status)
}

func TestTerminalExecutionIsAcked(t *testing.T) {
	h := newHarness(t, nil)
	ex := h.pending(t, nil)
	_, err := h.machine.Cancel(context.Background(), ex.ID, "user cancelled")
	require.NoError(t, err)

	h.handle(t, ex.ID)
	assert.Zero(t, h.runner.createCount())
	assert.Zero(t, h.queued(t))
	assert.Zero(t, h.queue.InFlight())
}

func TestMissingExecutionIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, 424242)
	assert.Zero(t, h.runner.createCount())
	assert.Zero(t, h.queued(t))
}

func TestRunningExecutionHeldElsewhere(t *testing.T) {
	h := newHarness(t, nil)
	ex := h.pending(t, nil)
	_, err := h.machine.Transition(context.Background(), ex, execution.StatusRunning, execution.Patch{})
	require.NoError(t, err)

	h.handle(t, ex.ID)
	assert.Zero(t, h.runner.createCount())
	assert.Equal(t, execution.StatusRunning, h.reload(t, ex.ID).Status)
}

func TestStaleRunningExecutionIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	ex := h.pending(t, nil)
	crashed := execution.NewMachine(h.store, execution.Options{Now: func() time.Time { return time.Now().Add(-time.Hour) }})
	_, err := crashed.Transition(context.Background(), ex, execution.StatusRunning, execution.Patch{})
	require.NoError(t, err)

	h.handle(t, ex.ID)
	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, 1, h.runner.createCount())
}

func TestDuplicateDeliveriesRunOnce(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.runner.get = func(id int64, _ bool) (agent.TaskStatus, error) {
		<-release
		return agent.TaskStatus{ID: id, State: agent.TaskCompleted}, nil
	}
	ex := h.pending(t, nil)
	first, second := h.deliver(t, ex.ID), h.deliver(t, ex.ID)

	var wg sync.WaitGroup
	for _, d := range []*queue.Delivery{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.pool.Handle(context.Background(), d)
		}()
	}
	require.Eventually(t, func() bool { return h.runner.createCount() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, h.runner.createCount())
	assert.Equal(t, execution.StatusCompleted, h.reload(t, ex.ID).Status)
}

func TestCancellationIsCooperative(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.get = func(id int64, _ bool) (agent.TaskStatus, error) {
		return agent.TaskStatus{ID: id, State: agent.TaskRunning}, nil
	}
	ex := h.pending(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.handle(t, ex.ID)
	}()
	require.Eventually(t, func() bool { return h.reload(t, ex.ID).TaskID != 0 }, time.Second, time.Millisecond)
	_, err := h.machine.Cancel(context.Background(), ex.ID, "user cancelled")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe cancellation")
	}
	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusCancelled, got.Status)
	assert.True(t, h.runner.cancelled(got.TaskID))
}

func TestSoftTimeoutCapturesPartialResult(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.CancelGrace = time.Second
	})
	h.runner.get = func(id int64, cancelled bool) (agent.TaskStatus, error) {
		if cancelled {
			return agent.TaskStatus{ID: id, State: agent.TaskCancelled, Summary: "half done"}, nil
		}
		return agent.TaskStatus{ID: id, State: agent.TaskRunning}, nil
	}
	ex := h.pending(t, nil)
	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "half done", got.ResultSummary)
	assert.Contains(t, got.ErrorMessage, "partial result")
}

func TestHardTimeoutAbandonsTask(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.MaxAttempts = 1
		o.Timeout = 10 * time.Millisecond
		o.CancelGrace = 20 * time.Millisecond
	})
	h.runner.get = func(id int64, _ bool) (agent.TaskStatus, error) {
		return agent.TaskStatus{ID: id, State: agent.TaskRunning}, nil
	}
	ex := h.pending(t, nil)
	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, ErrTimeout.Error())
	assert.True(t, h.runner.cancelled(got.TaskID))
}

func TestMalformedJobIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	job, err := queue.NewJob("something.else", map[string]int{"x": 1})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
	d, err := h.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)

	h.pool.Handle(context.Background(), d)
	assert.Zero(t, h.queued(t))
	assert.Zero(t, h.queue.InFlight())
}

func TestShutdownRequeuesRunningExecution(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.get = func(id int64, _ bool) (agent.TaskStatus, error) {
		return agent.TaskStatus{ID: id, State: agent.TaskRunning}, nil
	}
	ex := h.pending(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d := h.deliver(t, ex.ID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pool.Handle(ctx, d)
	}()
	require.Eventually(t, func() bool { return h.reload(t, ex.ID).TaskID != 0 }, time.Second, time.Millisecond)
	cancel()
	<-done

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusRetrying, got.Status)
	assert.Equal(t, "worker stopped", got.ErrorMessage)
	assert.Equal(t, int64(1), h.queued(t))
}

func TestPoolRunDrainsQueue(t *testing.T) {
	h := newHarness(t, nil)
	var ids []int64
	for i := 0; i < 5; i++ {
		ex := h.pending(t, nil)
		ids = append(ids, ex.ID)
		job, err := queue.NewJob(execution.JobKind, execution.JobPayload{ExecutionID: ex.ID})
		require.NoError(t, err)
		require.NoError(t, h.queue.Enqueue(context.Background(), job))
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if h.reload(t, id).Status != execution.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	h.pool.Resize(4)
	assert.Equal(t, 4, h.pool.Size())
	h.pool.Resize(0)
	assert.Equal(t, 1, h.pool.Size())

	cancel()
	require.NoError(t, <-runDone)
}

func TestBackoffDelay(t *testing.T) {
	b := backoff{base: 100 * time.Millisecond, max: time.Second}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, b.delay(1, errors.New("x"), nil))
	assert.Equal(t, 400*time.Millisecond, b.delay(3, errors.New("x"), nil))
	assert.Equal(t, time.Second, b.delay(10, errors.New("x"), nil))

	assert.Equal(t, 300*time.Millisecond, b.delay(1, RetryAfter(errors.New("x"), 300*time.Millisecond), nil))
	assert.Equal(t, time.Second, b.delay(1, RetryAfter(errors.New("x"), time.Hour), nil))
	assert.Equal(t, 500*time.Millisecond, b.delay(1, &agent.StatusError{Code: 429, RetryAfter: 500 * time.Millisecond}, nil))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := b.delay(2, errors.New("x"), rng)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestNoRetryWrapping(t *testing.T) {
	base := errors.New("bad input")
	err := NoRetry(base)
	assert.True(t, IsNoRetry(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, NoRetry(nil))
	assert.False(t, IsNoRetry(base))
}

// failingRepo rejects writes that move an execution into one of the fail statuses.
type failingRepo struct {
	execution.Repository
	fail map[execution.Status]bool
}

func (r *failingRepo) UpdateVersioned(ctx context.Context, id, expected int64, p execution.Patch, now time.Time) (*execution.Execution, error) {
	if r.fail[p.Status] {
		return nil, errors.New("disk I/O error")
	}
	return r.Repository.UpdateVersioned(ctx, id, expected, p, now)
}

func newFailingHarness(t *testing.T, fail ...execution.Status) *harness {
	t.Helper()
	repo := &failingRepo{fail: map[execution.Status]bool{}}
	for _, s := range fail {
		repo.fail[s] = true
	}
	return newHarness(t, func(o *Options) {
		repo.Repository = o.Store
		o.Machine = execution.NewMachine(repo, execution.Options{})
	})
}

func TestCompletionWriteFailureFailsExecution(t *testing.T) {
	h := newFailingHarness(t, execution.StatusCompleted)
	ex := h.pending(t, nil)

	h.handle(t, ex.ID)

	got := h.reload(t, ex.ID)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "record result")
	assert.Contains(t, got.ErrorMessage, "disk I/O error")
	assert.Zero(t, h.queued(t))
	assert.Zero(t, h.queue.InFlight())
}

func TestUnrecordableResultIsRequeued(t *testing.T) {
	h := newFailingHarness(t, execution.StatusCompleted, execution.StatusFailed)
	ex := h.pending(t, nil)

	h.handle(t, ex.ID)

	assert.Equal(t, execution.StatusRunning, h.reload(t, ex.ID).Status)
	assert.Equal(t, int64(1), h.queued(t))
}

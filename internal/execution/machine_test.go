package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu sync.Mutex
	m  map[int64]*Execution

	// conflicts injects version bumps before the next N updates.
	conflicts int
}

func newMemRepo(recs ...*Execution) *memRepo {
	r := &memRepo{m: map[int64]*Execution{}}
	for _, e := range recs {
		cp := *e
		r.m[e.ID] = &cp
	}
	return r
}

func (r *memRepo) GetExecution(_ context.Context, id int64) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) UpdateVersioned(_ context.Context, id, expected int64, p Patch, now time.Time) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.conflicts > 0 {
		r.conflicts--
		e.Version++
	}
	if e.Version != expected {
		return nil, &OptimisticLockError{ID: id, Expected: expected, Actual: e.Version}
	}
	p.Apply(e)
	e.Version++
	e.UpdatedAt = now
	cp := *e
	return &cp, nil
}

func TestTransitionTableAllPairs(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:  {StatusRunning, StatusCancelled, StatusFailed},
		StatusRunning:  {StatusCompleted, StatusCompletedSilent, StatusFailed, StatusRetrying, StatusCancelled},
		StatusRetrying: {StatusRunning, StatusFailed, StatusCancelled, StatusCompletedSilent},
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := from == to
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, ValidateTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, ValidateTransition("BOGUS", StatusRunning))
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusCompleted || s == StatusCompletedSilent || s == StatusFailed || s == StatusCancelled
		assert.Equal(t, want, IsTerminal(s), s)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("completed_silent")
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedSilent, s)
	_, err = ParseStatus("done")
	require.Error(t, err)
}

func TestTransitionBumpsVersionAndStamps(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	repo := newMemRepo(&Execution{ID: 1, Status: StatusPending, Version: 0})
	m := NewMachine(repo, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	rec, err := repo.GetExecution(ctx, 1)
	require.NoError(t, err)

	running, err := m.Transition(ctx, rec, StatusRunning, Patch{})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, int64(1), running.Version)
	require.NotNil(t, running.StartedAt)
	assert.Equal(t, now, *running.StartedAt)
	assert.Equal(t, now, running.UpdatedAt)

	done, err := m.Transition(ctx, running, StatusCompleted, Patch{ResultSummary: String("3 new issues"), TaskID: Int64(42)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), done.Version)
	assert.Equal(t, "3 new issues", done.ResultSummary)
	assert.Equal(t, int64(42), done.TaskID)
	require.NotNil(t, done.CompletedAt)
}

func TestInvalidTransitionLeavesRecordUntouched(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 1, Status: StatusCompleted, Version: 4})
	m := NewMachine(repo, Options{})
	ctx := context.Background()

	_, err := m.TransitionByID(ctx, 1, StatusRunning, nil)
	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, StatusCompleted, inv.From)
	assert.Equal(t, StatusRunning, inv.To)

	rec, _ := repo.GetExecution(ctx, 1)
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestTerminalIdentityIsNoop(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 1, Status: StatusFailed, Version: 3})
	m := NewMachine(repo, Options{})

	rec, err := m.TransitionByID(context.Background(), 1, StatusFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)
}

func TestConcurrentUpdatesAtSameVersion(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 7, Status: StatusRunning, Version: 3})
	m := NewMachine(repo, Options{})
	ctx := context.Background()
	stale, _ := repo.GetExecution(ctx, 7)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, next := range []Status{StatusCompleted, StatusFailed} {
		wg.Add(1)
		go func(i int, next Status) {
			defer wg.Done()
			rec := *stale
			_, errs[i] = m.Transition(ctx, &rec, next, Patch{})
		}(i, next)
	}
	wg.Wait()

	var okCount, conflictCount int
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case IsVersionConflict(err):
			var ol *OptimisticLockError
			require.ErrorAs(t, err, &ol)
			assert.Equal(t, int64(3), ol.Expected)
			assert.Equal(t, int64(4), ol.Actual)
			conflictCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, conflictCount)

	final, _ := repo.GetExecution(ctx, 7)
	assert.Equal(t, int64(4), final.Version)
}

func TestRedeliveredStaleVersionConflicts(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 9, Status: StatusRunning, Version: 3})
	m := NewMachine(repo, Options{})
	ctx := context.Background()
	held, _ := repo.GetExecution(ctx, 9)

	_, err := m.Transition(ctx, held, StatusCompleted, Patch{})
	require.NoError(t, err)

	_, err = m.Transition(ctx, held, StatusCompleted, Patch{})
	var ol *OptimisticLockError
	require.ErrorAs(t, err, &ol)
	assert.Equal(t, int64(3), ol.Expected)
	assert.Equal(t, int64(4), ol.Actual)
}

func TestTransitionByIDRereadsOnConflict(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 1, Status: StatusPending})
	repo.conflicts = 2
	m := NewMachine(repo, Options{MaxAttempts: 3})

	rec, err := m.TransitionByID(context.Background(), 1, StatusRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, int64(3), rec.Version)
}

func TestTransitionByIDExhausts(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 1, Status: StatusPending})
	repo.conflicts = 10
	m := NewMachine(repo, Options{MaxAttempts: 2})

	_, err := m.TransitionByID(context.Background(), 1, StatusRunning, nil)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.True(t, IsVersionConflict(err))
}

func TestMutatorAbort(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 1, Status: StatusPending})
	m := NewMachine(repo, Options{})
	errStop := errors.New("stop")

	_, err := m.TransitionByID(context.Background(), 1, StatusRunning, func(*Execution, *Patch) error { return errStop })
	require.ErrorIs(t, err, errStop)
}

func TestObserversSeeEveryTransition(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 1, Status: StatusPending})
	m := NewMachine(repo, Options{})
	var seen []string
	m.OnTransition(func(_ context.Context, from Status, e *Execution) {
		seen = append(seen, string(from)+">"+string(e.Status))
	})
	ctx := context.Background()

	_, err := m.TransitionByID(ctx, 1, StatusRunning, nil)
	require.NoError(t, err)
	_, err = m.Cancel(ctx, 1, "user requested")
	require.NoError(t, err)

	assert.Equal(t, []string{"PENDING>RUNNING", "RUNNING>CANCELLED"}, seen)
	rec, _ := repo.GetExecution(ctx, 1)
	assert.Equal(t, "user requested", rec.ErrorMessage)
}

func TestFailKeepsOtherTerminalState(t *testing.T) {
	repo := newMemRepo(&Execution{ID: 1, Status: StatusCompleted, Version: 2})
	m := NewMachine(repo, Options{})

	rec, err := m.Fail(context.Background(), 1, "late failure")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, int64(2), rec.Version)
}

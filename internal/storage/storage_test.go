package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wegent/internal/execution"
	"wegent/internal/subscription"
	logx "wegent/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "wegent.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newSub(next time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:            1,
		Name:              "digest",
		TeamRef:           "research-team",
		TriggerType:       subscription.TriggerInterval,
		TriggerConfig:     json.RawMessage(`{"interval_seconds":60}`),
		PromptTemplate:    "Summarize news for {{date}}",
		Enabled:           true,
		NextExecutionTime: &next,
	}
}

// runStoreSuite exercises the Store contract; the postgres test reuses it.
func runStoreSuite(t *testing.T, st Store) {
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	t.Run("subscription CRUD", func(t *testing.T) {
		s := newSub(base)
		require.NoError(t, st.CreateSubscription(ctx, s))
		require.NotZero(t, s.ID)

		got, err := st.GetSubscription(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "digest", got.Name)
		assert.Equal(t, subscription.TriggerInterval, got.TriggerType)
		assert.JSONEq(t, `{"interval_seconds":60}`, string(got.TriggerConfig))
		require.NotNil(t, got.NextExecutionTime)
		assert.True(t, base.Equal(*got.NextExecutionTime))
		assert.True(t, got.Enabled)

		got.Name = "renamed"
		require.NoError(t, st.UpdateSubscription(ctx, got))
		again, err := st.GetSubscription(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", again.Name)

		_, err = st.GetSubscription(ctx, 999999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid trigger config is rejected at create", func(t *testing.T) {
		s := newSub(base)
		s.TriggerConfig = json.RawMessage(`{"interval_seconds":0}`)
		assert.ErrorIs(t, st.CreateSubscription(ctx, s), subscription.ErrInvalidTriggerConfig)
	})

	t.Run("due scan and firing", func(t *testing.T) {
		due := newSub(base.Add(-time.Minute))
		due.UserID = 2
		require.NoError(t, st.CreateSubscription(ctx, due))
		future := newSub(base.Add(time.Hour))
		future.UserID = 2
		require.NoError(t, st.CreateSubscription(ctx, future))
		disabled := newSub(base.Add(-time.Hour))
		disabled.UserID = 2
		disabled.Enabled = false
		require.NoError(t, st.CreateSubscription(ctx, disabled))

		list, err := st.ListDueSubscriptions(ctx, base, DueCursor{}, 100)
		require.NoError(t, err)
		ids := map[int64]bool{}
		for _, s := range list {
			ids[s.ID] = true
		}
		assert.True(t, ids[due.ID])
		assert.False(t, ids[future.ID])
		assert.False(t, ids[disabled.ID])

		next := base.Add(time.Minute)
		e, err := st.FireSubscription(ctx, Firing{
			SubscriptionID: due.ID,
			ExpectedNext:   due.NextExecutionTime,
			Next:           &next,
			Enabled:        true,
			FiredAt:        base,
			UserID:         due.UserID,
			TriggerType:    string(due.TriggerType),
			TriggerReason:  "Scheduled (every 1m0s)",
			Prompt:         "Summarize news for 2026-10-14",
		})
		require.NoError(t, err)
		assert.NotZero(t, e.ID)
		assert.Equal(t, execution.StatusPending, e.Status)
		assert.Equal(t, int64(0), e.Version)

		got, err := st.GetSubscription(ctx, due.ID)
		require.NoError(t, err)
		assert.True(t, next.Equal(*got.NextExecutionTime))
		assert.True(t, base.Equal(*got.LastExecutionTime))
		assert.Equal(t, int64(1), got.ExecutionCount)

		// A second scan holding the old next time must not fire again.
		_, err = st.FireSubscription(ctx, Firing{
			SubscriptionID: due.ID,
			ExpectedNext:   due.NextExecutionTime,
			Next:           &next,
			Enabled:        true,
			FiredAt:        base,
			UserID:         due.UserID,
			TriggerType:    string(due.TriggerType),
		})
		assert.ErrorIs(t, err, ErrStaleSubscription)

		execs, err := st.ListExecutions(ctx, ExecutionFilter{SubscriptionID: due.ID})
		require.NoError(t, err)
		require.Len(t, execs, 1)
		assert.Equal(t, "Summarize news for 2026-10-14", execs[0].Prompt)

		// Firing that disables (one-time semantics).
		_, err = st.FireSubscription(ctx, Firing{
			SubscriptionID: due.ID,
			ExpectedNext:   &next,
			Enabled:        false,
			FiredAt:        next,
			UserID:         due.UserID,
			TriggerType:    string(due.TriggerType),
		})
		require.NoError(t, err)
		got, err = st.GetSubscription(ctx, due.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Nil(t, got.NextExecutionTime)
	})

	t.Run("versioned updates", func(t *testing.T) {
		s := newSub(base)
		require.NoError(t, st.CreateSubscription(ctx, s))
		e, err := st.FireSubscription(ctx, Firing{SubscriptionID: s.ID, Enabled: true, FiredAt: base, UserID: 1, TriggerType: "interval"})
		require.NoError(t, err)

		now := base.Add(time.Second)
		up, err := st.UpdateVersioned(ctx, e.ID, 0, execution.Patch{Status: execution.StatusRunning, StartedAt: &now}, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), up.Version)
		assert.Equal(t, execution.StatusRunning, up.Status)
		require.NotNil(t, up.StartedAt)
		assert.True(t, now.Equal(*up.StartedAt))

		_, err = st.UpdateVersioned(ctx, e.ID, 0, execution.Patch{Status: execution.StatusFailed}, now)
		var ol *execution.OptimisticLockError
		require.ErrorAs(t, err, &ol)
		assert.Equal(t, int64(0), ol.Expected)
		assert.Equal(t, int64(1), ol.Actual)

		_, err = st.UpdateVersioned(ctx, 999999, 0, execution.Patch{Status: execution.StatusFailed}, now)
		assert.ErrorIs(t, err, execution.ErrNotFound)

		require.NoError(t, st.RecordOutcome(ctx, s.ID, execution.StatusCompleted, now))
		require.NoError(t, st.RecordOutcome(ctx, s.ID, execution.StatusFailed, now))
		got, err := st.GetSubscription(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.SuccessCount)
		assert.Equal(t, int64(1), got.FailureCount)
		assert.Equal(t, "FAILED", got.LastExecutionStatus)
	})

	t.Run("concurrent updates at one version", func(t *testing.T) {
		s := newSub(base)
		require.NoError(t, st.CreateSubscription(ctx, s))
		e, err := st.FireSubscription(ctx, Firing{SubscriptionID: s.ID, Enabled: true, FiredAt: base, UserID: 1, TriggerType: "interval"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i, st2 := range []execution.Status{execution.StatusRunning, execution.StatusCancelled} {
			wg.Add(1)
			go func(i int, next execution.Status) {
				defer wg.Done()
				_, results[i] = st.UpdateVersioned(ctx, e.ID, 0, execution.Patch{Status: next}, base)
			}(i, st2)
		}
		wg.Wait()

		ok, conflicts := 0, 0
		for _, err := range results {
			if err == nil {
				ok++
			} else if execution.IsVersionConflict(err) {
				conflicts++
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, conflicts)
	})

	t.Run("list executions filters", func(t *testing.T) {
		old := base.Add(-time.Hour)
		s := newSub(base)
		s.UserID = 77
		require.NoError(t, st.CreateSubscription(ctx, s))
		_, err := st.FireSubscription(ctx, Firing{SubscriptionID: s.ID, Enabled: true, FiredAt: old, UserID: 77, TriggerType: "interval"})
		require.NoError(t, err)

		stale, err := st.ListExecutions(ctx, ExecutionFilter{UserID: 77, Status: execution.StatusPending, CreatedBefore: base, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, stale, 1)

		none, err := st.ListExecutions(ctx, ExecutionFilter{UserID: 77, Status: execution.StatusRunning})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("execution machine over store", func(t *testing.T) {
		s := newSub(base)
		require.NoError(t, st.CreateSubscription(ctx, s))
		e, err := st.FireSubscription(ctx, Firing{SubscriptionID: s.ID, Enabled: true, FiredAt: base, UserID: 1, TriggerType: "interval"})
		require.NoError(t, err)

		m := execution.NewMachine(st, execution.Options{})
		running, err := m.Transition(ctx, e, execution.StatusRunning, execution.Patch{})
		require.NoError(t, err)
		held := *running

		_, err = m.Transition(ctx, running, execution.StatusCompleted, execution.Patch{ResultSummary: execution.String("done")})
		require.NoError(t, err)
		_, err = m.Transition(ctx, &held, execution.StatusCompleted, execution.Patch{})
		assert.True(t, execution.IsVersionConflict(err))
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openTestSQLite(t))
}

func TestSQLiteSetEnabled(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()
	s := newSub(time.Now())
	require.NoError(t, st.CreateSubscription(ctx, s))

	require.NoError(t, st.SetSubscriptionEnabled(ctx, s.ID, false, nil))
	got, err := st.GetSubscription(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextExecutionTime)

	assert.ErrorIs(t, st.SetSubscriptionEnabled(ctx, 424242, true, nil), ErrNotFound)

	all, err := st.ListSubscriptions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	runStoreSuite(t, st)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}

func TestRebindPostgres(t *testing.T) {
	s := newSQLStore(nil, dialectPostgres, logx.Nop())
	assert.Equal(t, "UPDATE t SET a=$1 WHERE id=$2 AND version=$3", s.q("UPDATE t SET a=? WHERE id=? AND version=?"))
	s.dialect = dialectSQLite
	assert.Equal(t, "SELECT ?", s.q("SELECT ?"))
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wegent/internal/config"
	"wegent/internal/execution"
	"wegent/internal/scheduler"
	"wegent/internal/storage"
	"wegent/internal/subscription"
	"wegent/internal/trigger"
	logx "wegent/pkg/logx"
)

func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id": 41, "status": "PENDING"}`))
	})
	mux.HandleFunc("GET /api/tasks/41", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id": 41, "status": "COMPLETED", "result_summary": "3 new papers"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, agentURL string) string {
	t.Helper()
	body := fmt.Sprintf(`{
  "logging": {"level": "warn", "console": true},
  "storage": {"driver": "sqlite", "path": %q},
  "scheduler": {"tick": "1s", "timezone": "UTC"},
  "worker": {"concurrency": 2, "poll_interval": "20ms", "retry_base": "10ms"},
  "agent": {"base_url": %q},
  "status": {"enabled": true, "addr": "127.0.0.1:0"}
}`, filepath.Join(dir, "wegent.db"), agentURL)
	p := filepath.Join(dir, "wegent.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppRunsSubscriptionEndToEnd(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, fakeAgent(t).URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	assert.Equal(t, scheduler.BackendLightweight, a.backends.ActiveName())
	_, ok := a.Backend().GetJob(trigger.JobID)
	assert.True(t, ok)

	due := time.Now().Add(-time.Second)
	sub := &subscription.Subscription{
		UserID:            3,
		Name:              "papers",
		TeamRef:           "research",
		TriggerType:       subscription.TriggerInterval,
		TriggerConfig:     json.RawMessage(`{"interval_seconds":3600}`),
		PromptTemplate:    "Summarize {{subscription_name}}",
		Enabled:           true,
		NextExecutionTime: &due,
	}
	require.NoError(t, a.store.CreateSubscription(ctx, sub))

	_, err = a.Evaluator().Tick(ctx)
	require.NoError(t, err)

	var done []*execution.Execution
	require.Eventually(t, func() bool {
		done, err = a.store.ListExecutions(ctx, storage.ExecutionFilter{SubscriptionID: sub.ID})
		return err == nil && len(done) == 1 && done[0].Status == execution.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "3 new papers", done[0].ResultSummary)
	assert.Equal(t, int64(41), done[0].TaskID)

	require.Eventually(t, func() bool { return a.Status().Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + a.Status().Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.Empty(t, a.lock.Held())
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after Stop")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "wegent.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"agent": {"base_url": "http://a"}, "scheduler": {"backend": "celery"}}`), 0o600))
	_, err := NewApp(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, defaultSQLitePath, sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres", DSN: " postgres://db/wegent ", MaxConns: 8}})
	require.NoError(t, err)
	assert.Equal(t, storage.Config{Driver: "postgres", DSN: "postgres://db/wegent", MaxConns: 8}, sc)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres"}})
	assert.Error(t, err)
	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "bolt"}})
	assert.Error(t, err)
}

func TestMapSchedulerConfig(t *testing.T) {
	s, err := mapSchedulerConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, scheduler.BackendLightweight, s.Backend)
	assert.Equal(t, 60*time.Second, s.Tick)
	assert.Equal(t, 5*time.Minute, s.StalePendingAfter)
	assert.Equal(t, "UTC", s.Location.String())
	assert.True(t, s.StopWait)
	assert.Equal(t, "wegent", s.Admin.AppName)

	no := false
	s, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		Backend:  " Queue ",
		Tick:     "15s",
		Timezone: "Asia/Jakarta",
		StopWait: &no,
		Queue:    config.SchedulerQueueConfig{Consumers: 3, BeatInterval: "500ms"},
		Admin:    config.AdminConfig{HeartbeatInterval: "10s"},
	}})
	require.NoError(t, err)
	assert.Equal(t, scheduler.BackendQueue, s.Backend)
	assert.Equal(t, 15*time.Second, s.Tick)
	assert.Equal(t, "Asia/Jakarta", s.Admin.Timezone)
	assert.False(t, s.StopWait)
	assert.Equal(t, 3, s.Consumers)
	assert.Equal(t, 500*time.Millisecond, s.BeatInterval)
	assert.Equal(t, 10*time.Second, s.Admin.HeartbeatInterval)

	_, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Timezone: "Nowhere/City"}})
	assert.Error(t, err)
}

func TestMapBreakersAndWorker(t *testing.T) {
	cfg := &config.Config{
		Breakers: config.BreakersConfig{
			FailMax:      5,
			ResetTimeout: "1m",
			Overrides:    map[string]config.BreakerOverride{"webhook": {FailMax: 2, ResetTimeout: "10s"}},
		},
		Worker: config.WorkerConfig{Concurrency: 6, Timeout: "5m", CancelGrace: "15s"},
	}
	def, over, err := mapBreakersConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, def.FailMax)
	assert.Equal(t, time.Minute, def.ResetTimeout)
	assert.Equal(t, 10*time.Second, over["webhook"].ResetTimeout)

	wo, err := mapWorkerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, wo.Concurrency)
	assert.Equal(t, 5*time.Minute, wo.Timeout)
	assert.Equal(t, 15*time.Second, wo.CancelGrace)

	cfg.Worker.PollInterval = "often"
	_, err = mapWorkerConfig(cfg)
	assert.Error(t, err)
}

func TestRedisPrefixAndLockStore(t *testing.T) {
	assert.Equal(t, "wegent:", redisPrefix(&config.Config{}))
	assert.Equal(t, "team:", redisPrefix(&config.Config{Redis: &config.RedisConfig{Prefix: "team"}}))

	assert.Equal(t, "memory", lockStore(&config.Config{}))
	assert.Equal(t, "redis", lockStore(&config.Config{Redis: &config.RedisConfig{Addr: "r:6379"}}))
	assert.Equal(t, "memory", lockStore(&config.Config{Redis: &config.RedisConfig{Addr: "r:6379"}, Lock: config.LockConfig{Store: "memory"}}))
}

func TestRunStepBoundsSlowStep(t *testing.T) {
	start := time.Now()
	release := make(chan struct{})
	defer close(release)
	runStep(context.Background(), logx.Nop(), "slow", 50*time.Millisecond, func(c context.Context) error {
		<-release
		return nil
	})
	assert.Less(t, time.Since(start), time.Second)

	// A panicking step is recovered.
	runStep(context.Background(), logx.Nop(), "panics", time.Second, func(context.Context) error { panic("boom") })
}

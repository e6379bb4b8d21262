package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "wegent/pkg/logx"
)

type fakeConsole struct {
	mu       sync.Mutex
	calls    map[string]int
	results  []adminRunResult
	lastAuth string
	lastReg  adminRegistration
}

func newFakeConsole(t *testing.T) (*fakeConsole, *httptest.Server) {
	fc := &fakeConsole{calls: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		fc.calls[r.URL.Path]++
		fc.lastAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/registry", "/api/registryRemove":
			_ = json.NewDecoder(r.Body).Decode(&fc.lastReg)
		case "/api/callback":
			var res adminRunResult
			_ = json.NewDecoder(r.Body).Decode(&res)
			fc.results = append(fc.results, res)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeConsole) count(path string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.calls[path]
}

func TestAdminBackendRegistersAndRunsOnCallback(t *testing.T) {
	fc, console := newFakeConsole(t)
	a := NewAdmin(AdminOptions{
		ConsoleURL: console.URL,
		AppName:    "wegent-test",
		Address:    "http://127.0.0.1:9000",
		Token:      "s3cret",
		Instance:   "node-1",
		Log:        logx.Nop(),
	})

	var runs atomic.Int32
	_, err := a.ScheduleJob(JobSpec{ID: "check_due", TriggerType: TriggerInterval, Interval: time.Minute, Func: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	assert.Equal(t, 1, fc.count("/api/registry"))
	fc.mu.Lock()
	assert.Equal(t, "Bearer s3cret", fc.lastAuth)
	require.Len(t, fc.lastReg.Jobs, 1)
	assert.Equal(t, "check_due", fc.lastReg.Jobs[0].ID)
	assert.Equal(t, "node-1", fc.lastReg.Instance)
	fc.mu.Unlock()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	post := func(token, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+AdminRunPath, strings.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post("wrong", `{"job_id":"check_due"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("s3cret", `{}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, post("s3cret", `{"job_id":"missing"}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post("s3cret", `{"job_id":"check_due","run_id":"r-1"}`).StatusCode)

	require.Eventually(t, func() bool { return fc.count("/api/callback") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
	fc.mu.Lock()
	assert.Equal(t, "r-1", fc.results[0].RunID)
	assert.True(t, fc.results[0].Success)
	fc.mu.Unlock()

	h := a.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "admin", h.BackendType)

	require.NoError(t, a.Stop(context.Background(), true))
	assert.Equal(t, 1, fc.count("/api/registryRemove"))
	assert.Equal(t, http.StatusServiceUnavailable, post("s3cret", `{"job_id":"check_due"}`).StatusCode)
}

func TestAdminBackendDropsDateJobAfterConsoleRun(t *testing.T) {
	a := NewAdmin(AdminOptions{Log: logx.Nop()})
	var runs atomic.Int32
	_, err := a.ScheduleJob(JobSpec{ID: "once", TriggerType: TriggerDate, RunAt: time.Now().Add(time.Hour), Func: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background(), true) })

	// A manual run keeps the job registered.
	h, err := a.ExecuteJobNow(context.Background(), "once")
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	_, ok := a.GetJob("once")
	require.True(t, ok)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Post(srv.URL+AdminRunPath, "application/json", strings.NewReader(`{"job_id":"once"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	_, ok = a.GetJob("once")
	assert.False(t, ok)
	assert.Empty(t, a.GetJobs())
}

func TestAdminBackendUnsupportedOperations(t *testing.T) {
	a := NewAdmin(AdminOptions{Log: logx.Nop()})
	_, err := a.ScheduleJob(JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerCron, Cron: "@daily"})
	require.NoError(t, err)

	require.ErrorIs(t, a.PauseJob("a"), ErrNotSupported)
	require.ErrorIs(t, a.ResumeJob("a"), ErrNotSupported)

	next, err := a.GetNextRunTime("a")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))

	_, err = a.ExecuteJobNow(context.Background(), "a")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestAdminBackendUnreachableConsoleIsUnhealthy(t *testing.T) {
	a := NewAdmin(AdminOptions{ConsoleURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, Log: logx.Nop()})
	a.client.SetRetryCount(0)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), false) }()

	h := a.HealthCheck(context.Background())
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Details, "console_error")
}

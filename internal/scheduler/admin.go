package scheduler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	logx "wegent/pkg/logx"
)

// AdminRunPath is the callback path the admin console posts run requests to.
const AdminRunPath = "/scheduler/admin/run"

type AdminOptions struct {
	// ConsoleURL is the admin console base URL. Empty disables registration.
	ConsoleURL string
	AppName    string
	// Address is the base URL the console reaches this process on.
	Address string
	// Token authenticates both directions as a bearer token.
	Token    string
	Instance string
	// HeartbeatInterval re-registers this executor. Default 30s.
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	Timezone          string
	Client            *resty.Client
	Log               logx.Logger
}

type adminJob struct {
	ID          string     `json:"id"`
	Trigger     string     `json:"trigger"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
}

type adminRegistration struct {
	App      string     `json:"app"`
	Address  string     `json:"address"`
	Instance string     `json:"instance"`
	Jobs     []adminJob `json:"jobs"`
}

type adminRunRequest struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id,omitempty"`
}

type adminRunResult struct {
	App        string `json:"app"`
	Instance   string `json:"instance"`
	JobID      string `json:"job_id"`
	RunID      string `json:"run_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Admin is driven by an external admin console: jobs are registered locally
// as handlers, the console decides when they run and calls AdminRunPath.
type Admin struct {
	mu sync.Mutex

	opt    AdminOptions
	log    logx.Logger
	client *resty.Client

	jobs map[string]*job

	running    bool
	startedAt  time.Time
	loopCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	loops      sync.WaitGroup
	runs       sync.WaitGroup

	lastHeartbeat    time.Time
	lastHeartbeatErr error

	report reporter
}

func NewAdmin(opt AdminOptions) *Admin {
	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = 30 * time.Second
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	if strings.TrimSpace(opt.AppName) == "" {
		opt.AppName = "wegent"
	}
	if strings.TrimSpace(opt.Instance) == "" {
		opt.Instance = uuid.NewString()
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("scheduler.admin")

	client := opt.Client
	if client == nil {
		client = resty.New()
	}
	client.SetTimeout(opt.Timeout).SetRetryCount(2).SetHeader("Content-Type", "application/json")
	if opt.ConsoleURL != "" {
		client.SetBaseURL(strings.TrimRight(opt.ConsoleURL, "/"))
	}
	if opt.Token != "" {
		client.SetAuthToken(opt.Token)
	}
	return &Admin{opt: opt, log: log, client: client, jobs: map[string]*job{}, report: reporter{log: log}}
}

func (a *Admin) Type() string { return "admin" }

func (a *Admin) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	loopCtx, loopCancel := context.WithCancel(ctx)
	a.loopCancel = loopCancel
	a.runCtx, a.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	a.running = true
	a.startedAt = time.Now()
	a.mu.Unlock()

	if a.opt.ConsoleURL != "" {
		// First registration is synchronous so a misconfigured console shows up at start.
		if err := a.register(ctx, "/api/registry"); err != nil {
			a.log.Warn("admin console registration failed", logx.String("console", a.opt.ConsoleURL), logx.Err(err))
		}
		a.loops.Add(1)
		go a.heartbeatLoop(loopCtx)
	}
	a.log.Info("backend started", logx.String("console", a.opt.ConsoleURL), logx.String("instance", a.opt.Instance))
	return nil
}

func (a *Admin) Stop(ctx context.Context, wait bool) error {
	start := time.Now()
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	loopCancel, runCancel := a.loopCancel, a.runCancel
	a.mu.Unlock()

	loopCancel()
	if !wait {
		runCancel()
	}
	done := make(chan struct{})
	go func() {
		a.loops.Wait()
		a.runs.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stop admin backend: %w", ctx.Err())
	}
	runCancel()

	if a.opt.ConsoleURL != "" {
		if derr := a.register(context.WithoutCancel(ctx), "/api/registryRemove"); derr != nil {
			a.log.Debug("admin console deregistration failed", logx.Err(derr))
		}
	}
	a.log.Info("backend stopped", logx.Bool("wait", wait), logx.Duration("took", time.Since(start)))
	return err
}

func (a *Admin) heartbeatLoop(ctx context.Context) {
	defer a.loops.Done()
	t := time.NewTicker(a.opt.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.register(ctx, "/api/registry"); err != nil {
				a.log.Warn("admin console heartbeat failed", logx.Err(err))
			}
		}
	}
}

func (a *Admin) register(ctx context.Context, path string) error {
	body := adminRegistration{App: a.opt.AppName, Address: a.opt.Address, Instance: a.opt.Instance}
	for _, sj := range a.GetJobs() {
		body.Jobs = append(body.Jobs, adminJob{ID: sj.ID, Trigger: sj.Trigger, NextRunTime: sj.NextRunTime})
	}
	resp, err := a.client.R().SetContext(ctx).SetBody(body).Post(path)
	if err == nil && resp.IsError() {
		err = fmt.Errorf("admin console %s: status %d", path, resp.StatusCode())
	}
	a.mu.Lock()
	a.lastHeartbeatErr = err
	if err == nil {
		a.lastHeartbeat = time.Now()
	}
	a.mu.Unlock()
	return err
}

// Handler serves AdminRunPath.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(AdminRunPath, a.serveRun)
	return mux
}

func (a *Admin) serveRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.opt.Token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.opt.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	var req adminRunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&req); err != nil || strings.TrimSpace(req.JobID) == "" {
		http.Error(w, "job_id required", http.StatusBadRequest)
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	_, err := a.start(req.JobID, req.RunID, true)
	switch {
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrNotRunning):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"job_id": req.JobID, "run_id": req.RunID, "accepted": true})
}

// start runs a job asynchronously and reports the result to the console.
// Date jobs leave the registry once the console fires them.
func (a *Admin) start(id, runID string, fired bool) (*RunHandle, error) {
	a.mu.Lock()
	j, ok := a.jobs[id]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !a.running {
		a.mu.Unlock()
		return nil, ErrNotRunning
	}
	if fired && j.spec.TriggerType == TriggerDate {
		delete(a.jobs, id)
	}
	ctx := a.runCtx
	a.runs.Add(1)
	a.mu.Unlock()

	h := newRunHandle(id)
	go func() {
		defer a.runs.Done()
		start := time.Now()
		err := invoke(ctx, j, a.log)
		took := time.Since(start)
		a.mu.Lock()
		j.prev = start
		a.mu.Unlock()
		a.report.report(id, took, err)
		a.callback(context.WithoutCancel(ctx), id, runID, took, err)
		h.finish(err)
	}()
	return h, nil
}

func (a *Admin) callback(ctx context.Context, id, runID string, took time.Duration, runErr error) {
	if a.opt.ConsoleURL == "" {
		return
	}
	res := adminRunResult{
		App:        a.opt.AppName,
		Instance:   a.opt.Instance,
		JobID:      id,
		RunID:      runID,
		Success:    runErr == nil,
		DurationMS: took.Milliseconds(),
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	resp, err := a.client.R().SetContext(ctx).SetBody(res).Post("/api/callback")
	if err == nil && resp.IsError() {
		err = fmt.Errorf("status %d", resp.StatusCode())
	}
	if err != nil {
		a.log.Warn("admin console callback failed", logx.String("job", id), logx.String("run", runID), logx.Err(err))
	}
}

func (a *Admin) ScheduleJob(spec JobSpec) (*ScheduledJob, error) {
	sched, desc, err := compile(spec, a.opt.Timezone, false)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[spec.ID]; ok && !spec.ReplaceExisting {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, spec.ID)
	}
	j := &job{spec: spec, sched: sched, desc: desc}
	a.jobs[spec.ID] = j
	return j.view(j.sched.Next(time.Now())), nil
}

func (a *Admin) RemoveJob(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[id]; !ok {
		return false
	}
	delete(a.jobs, id)
	return true
}

func (a *Admin) PauseJob(string) error {
	return fmt.Errorf("%w: pause jobs in the admin console", ErrNotSupported)
}

func (a *Admin) ResumeJob(string) error {
	return fmt.Errorf("%w: resume jobs in the admin console", ErrNotSupported)
}

func (a *Admin) GetJob(id string) (*ScheduledJob, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return nil, false
	}
	return j.view(j.sched.Next(time.Now())), true
}

func (a *Admin) GetJobs() []ScheduledJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	out := make([]ScheduledJob, 0, len(a.jobs))
	for _, j := range a.jobs {
		out = append(out, *j.view(j.sched.Next(now)))
	}
	sort.Slice(out, func(x, y int) bool { return out[x].ID < out[y].ID })
	return out
}

// GetNextRunTime is computed locally for display; the console decides.
func (a *Admin) GetNextRunTime(id string) (*time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	next := j.sched.Next(time.Now())
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

func (a *Admin) ExecuteJobNow(_ context.Context, id string) (*RunHandle, error) {
	return a.start(id, uuid.NewString(), false)
}

func (a *Admin) HealthCheck(context.Context) Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := Health{
		Healthy:     a.running,
		BackendType: a.Type(),
		State:       "stopped",
		JobsCount:   len(a.jobs),
		Details:     map[string]any{"console": a.opt.ConsoleURL, "instance": a.opt.Instance},
	}
	if a.running {
		h.State = "running"
		h.Details["uptime"] = time.Since(a.startedAt).Round(time.Second).String()
	}
	if !a.lastHeartbeat.IsZero() {
		h.Details["last_heartbeat"] = a.lastHeartbeat.UTC().Format(time.RFC3339)
	}
	if a.lastHeartbeatErr != nil {
		h.Healthy = false
		h.Details["console_error"] = a.lastHeartbeatErr.Error()
	}
	return h
}

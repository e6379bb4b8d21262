package app

import (
	"fmt"
	"strings"
	"time"

	"wegent/internal/agent"
	"wegent/internal/breaker"
	"wegent/internal/config"
	"wegent/internal/notify"
	"wegent/internal/observability/status"
	"wegent/internal/observability/tracing"
	"wegent/internal/scheduler"
	"wegent/internal/storage"
	"wegent/internal/worker"
	logx "wegent/pkg/logx"
)

const defaultSQLitePath = "./wegent.db"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// schedulerSettings is the resolved scheduler section.
type schedulerSettings struct {
	Backend           string
	Tick              time.Duration
	Timezone          string
	Location          *time.Location
	BatchSize         int
	StalePendingAfter time.Duration
	StartupSpread     bool
	StopWait          bool

	Consumers    int
	BeatInterval time.Duration
	MaxAttempts  int

	Admin scheduler.AdminOptions
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	out := schedulerSettings{
		Backend:       strings.ToLower(strings.TrimSpace(sc.Backend)),
		Timezone:      strings.TrimSpace(sc.Timezone),
		BatchSize:     sc.BatchSize,
		StartupSpread: sc.StartupSpread,
		StopWait:      sc.StopWait == nil || *sc.StopWait,
		Consumers:     sc.Queue.Consumers,
		MaxAttempts:   sc.Queue.MaxAttempts,
	}
	if out.Backend == "" {
		out.Backend = scheduler.BackendLightweight
	}
	if out.Timezone == "" {
		out.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(out.Timezone)
	if err != nil {
		return schedulerSettings{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", out.Timezone, err)
	}
	out.Location = loc

	if out.Tick, err = config.ParseDurationOrDefault("scheduler.tick", sc.Tick, 60*time.Second); err != nil {
		return schedulerSettings{}, err
	}
	if out.StalePendingAfter, err = config.ParseDurationOrDefault("scheduler.stale_pending_after", sc.StalePendingAfter, 5*time.Minute); err != nil {
		return schedulerSettings{}, err
	}
	if out.BeatInterval, err = config.ParseDurationField("scheduler.queue.beat_interval", sc.Queue.BeatInterval); err != nil {
		return schedulerSettings{}, err
	}

	ad := sc.Admin
	out.Admin = scheduler.AdminOptions{
		ConsoleURL: strings.TrimSpace(ad.ConsoleURL),
		AppName:    strings.TrimSpace(ad.AppName),
		Address:    strings.TrimSpace(ad.Address),
		Token:      ad.Token,
		Timezone:   out.Timezone,
	}
	if out.Admin.AppName == "" {
		out.Admin.AppName = "wegent"
	}
	if out.Admin.HeartbeatInterval, err = config.ParseDurationField("scheduler.admin.heartbeat_interval", ad.HeartbeatInterval); err != nil {
		return schedulerSettings{}, err
	}
	if out.Admin.Timeout, err = config.ParseDurationField("scheduler.admin.timeout", ad.Timeout); err != nil {
		return schedulerSettings{}, err
	}
	return out, nil
}

func mapBreakersConfig(cfg *config.Config) (breaker.Config, map[string]breaker.Config, error) {
	bc := cfg.Breakers
	defaults := breaker.Config{FailMax: bc.FailMax}
	var err error
	if defaults.ResetTimeout, err = config.ParseDurationField("breakers.reset_timeout", bc.ResetTimeout); err != nil {
		return breaker.Config{}, nil, err
	}
	if len(bc.Overrides) == 0 {
		return defaults, nil, nil
	}
	overrides := make(map[string]breaker.Config, len(bc.Overrides))
	for name, o := range bc.Overrides {
		rt, err := config.ParseDurationField("breakers.overrides."+name+".reset_timeout", o.ResetTimeout)
		if err != nil {
			return breaker.Config{}, nil, err
		}
		overrides[name] = breaker.Config{FailMax: o.FailMax, ResetTimeout: rt}
	}
	return defaults, overrides, nil
}

// mapWorkerConfig fills the tunables of worker.Options; the caller adds deps.
func mapWorkerConfig(cfg *config.Config) (worker.Options, error) {
	wc := cfg.Worker
	opt := worker.Options{Concurrency: wc.Concurrency, MaxAttempts: wc.MaxAttempts}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"worker.poll_interval", wc.PollInterval, &opt.PollInterval},
		{"worker.timeout", wc.Timeout, &opt.Timeout},
		{"worker.cancel_grace", wc.CancelGrace, &opt.CancelGrace},
		{"worker.retry_base", wc.RetryBase, &opt.RetryBase},
		{"worker.retry_max_delay", wc.RetryMaxDelay, &opt.RetryMaxDelay},
		{"worker.degraded_delay", wc.DegradedDelay, &opt.DegradedDelay},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return worker.Options{}, err
		}
		*f.dst = d
	}
	return opt, nil
}

func mapAgentConfig(cfg *config.Config) (agent.Options, error) {
	ac := cfg.Agent
	timeout, err := config.ParseDurationField("agent.timeout", ac.Timeout)
	if err != nil {
		return agent.Options{}, err
	}
	return agent.Options{
		BaseURL:       strings.TrimRight(strings.TrimSpace(ac.BaseURL), "/"),
		Token:         ac.Token,
		Timeout:       timeout,
		RatePerSecond: ac.RatePerSecond,
		Burst:         ac.Burst,
	}, nil
}

// mapWebhookConfig reports false when no webhook is configured.
func mapWebhookConfig(cfg *config.Config) (notify.WebhookOptions, bool, error) {
	wh := cfg.Notify.Webhook
	if wh == nil || strings.TrimSpace(wh.URL) == "" {
		return notify.WebhookOptions{}, false, nil
	}
	timeout, err := config.ParseDurationField("notify.webhook.timeout", wh.Timeout)
	if err != nil {
		return notify.WebhookOptions{}, false, err
	}
	return notify.WebhookOptions{URL: strings.TrimSpace(wh.URL), Secret: wh.Secret, Timeout: timeout}, true, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	out := status.Config{
		Enabled:              sc.Enabled,
		Addr:                 strings.TrimSpace(sc.Addr),
		Token:                strings.TrimSpace(sc.Token),
		AllowInsecure:        sc.AllowInsecure,
		Pprof:                sc.Pprof,
		MutexProfileFraction: sc.MutexProfileFraction,
		BlockProfileRate:     sc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 5*time.Second); err != nil {
		return status.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("status.write_timeout", sc.WriteTimeout); err != nil {
		return status.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return status.Config{}, err
	}
	return out, nil
}

func mapTracingConfig(cfg *config.Config) tracing.Config {
	tc := cfg.Tracing
	name := strings.TrimSpace(tc.ServiceName)
	if name == "" {
		name = "wegentd"
	}
	return tracing.Config{
		Endpoint:    strings.TrimSpace(tc.Endpoint),
		Insecure:    tc.Insecure,
		ServiceName: name,
		SampleRatio: tc.SampleRatio,
	}
}

// redisPrefix returns the shared key prefix, always ending in ":".
func redisPrefix(cfg *config.Config) string {
	p := "wegent:"
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Prefix) != "" {
		p = strings.TrimSpace(cfg.Redis.Prefix)
	}
	if !strings.HasSuffix(p, ":") {
		p += ":"
	}
	return p
}

// lockStore resolves lock.store: redis when redis is configured, unless set.
func lockStore(cfg *config.Config) string {
	s := strings.ToLower(strings.TrimSpace(cfg.Lock.Store))
	if s != "" {
		return s
	}
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) != "" {
		return "redis"
	}
	return "memory"
}

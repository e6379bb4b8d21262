package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("invalid config")

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks field syntax and cross-section requirements. It does not
// touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	redis := cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) != ""
	if cfg.Redis != nil && !redis {
		add(errors.New("redis.addr: required when redis is set"))
	}

	sc := cfg.Scheduler
	switch strings.ToLower(strings.TrimSpace(sc.Backend)) {
	case "", "lightweight":
	case "queue":
		if !redis && strings.TrimSpace(cfg.Lock.Store) != "memory" {
			add(errors.New("scheduler.backend: queue needs redis (or lock.store=memory for a single process)"))
		}
	case "admin":
		if strings.TrimSpace(sc.Admin.ConsoleURL) == "" {
			add(errors.New("scheduler.admin.console_url: required for admin backend"))
		}
	default:
		add(fmt.Errorf("scheduler.backend: unknown backend %q", sc.Backend))
	}
	if tick, err := ParseDurationField("scheduler.tick", sc.Tick); err != nil {
		add(err)
	} else if tick > 0 && tick < time.Second {
		add(errors.New("scheduler.tick: must be >= 1s"))
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if sc.BatchSize < 0 {
		add(errors.New("scheduler.batch_size: must be >= 0"))
	}
	dur("scheduler.stale_pending_after", sc.StalePendingAfter)
	dur("scheduler.queue.beat_interval", sc.Queue.BeatInterval)
	dur("scheduler.admin.heartbeat_interval", sc.Admin.HeartbeatInterval)
	dur("scheduler.admin.timeout", sc.Admin.Timeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Lock.Store)) {
	case "", "memory":
	case "redis":
		if !redis {
			add(errors.New("lock.store: redis needs the redis section"))
		}
	default:
		add(fmt.Errorf("lock.store: unknown store %q", cfg.Lock.Store))
	}

	if cfg.Breakers.FailMax < 0 {
		add(errors.New("breakers.fail_max: must be >= 0"))
	}
	dur("breakers.reset_timeout", cfg.Breakers.ResetTimeout)
	for name, o := range cfg.Breakers.Overrides {
		dur("breakers.overrides."+name+".reset_timeout", o.ResetTimeout)
	}

	w := cfg.Worker
	if w.Concurrency < 0 || w.QueueSize < 0 || w.MaxAttempts < 0 {
		add(errors.New("worker: counts must be >= 0"))
	}
	dur("worker.poll_interval", w.PollInterval)
	dur("worker.timeout", w.Timeout)
	dur("worker.cancel_grace", w.CancelGrace)
	dur("worker.retry_base", w.RetryBase)
	dur("worker.retry_max_delay", w.RetryMaxDelay)
	dur("worker.degraded_delay", w.DegradedDelay)

	if err := checkURL("agent.base_url", cfg.Agent.BaseURL, true); err != nil {
		add(err)
	}
	dur("agent.timeout", cfg.Agent.Timeout)
	if cfg.Agent.RatePerSecond < 0 || cfg.Agent.Burst < 0 {
		add(errors.New("agent: rate_per_second and burst must be >= 0"))
	}

	if cfg.Notify.Redis && !redis {
		add(errors.New("notify.redis: needs the redis section"))
	}
	if wh := cfg.Notify.Webhook; wh != nil {
		add(checkURL("notify.webhook.url", wh.URL, true))
		dur("notify.webhook.timeout", wh.Timeout)
	}

	st := cfg.Status
	dur("status.read_timeout", st.ReadTimeout)
	dur("status.write_timeout", st.WriteTimeout)
	dur("status.idle_timeout", st.IdleTimeout)

	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		add(errors.New("tracing.sample_ratio: must be within [0,1]"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func checkURL(path, raw string, required bool) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		if required {
			return fmt.Errorf("%s: required", path)
		}
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", path)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host", path)
	}
	return nil
}

package config

// Config is the wegentd config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero values fall back to the component defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Redis     *RedisConfig    `json:"redis,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Lock      LockConfig      `json:"lock,omitempty"`
	Breakers  BreakersConfig  `json:"breakers,omitempty"`
	Worker    WorkerConfig    `json:"worker"`
	Agent     AgentConfig     `json:"agent"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Status    StatusConfig    `json:"status,omitempty"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistent store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wegent.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://wegent@db/wegent" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// RedisConfig is shared by the lock store, the reliable queue and the
// pub/sub emitter. Omit it to run single-process with in-memory equivalents.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"` // default "wegent:"
}

// SchedulerConfig selects and tunes the trigger backend.
//
// Defaults:
//   - backend: "lightweight"
//   - tick: "60s"
//   - timezone: "UTC"
//   - batch_size: 100
//   - stale_pending_after: "5m"
type SchedulerConfig struct {
	Backend           string `json:"backend,omitempty"`
	Tick              string `json:"tick,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
	StalePendingAfter string `json:"stale_pending_after,omitempty"`
	StartupSpread     bool   `json:"startup_spread,omitempty"`
	// StopWait makes shutdown wait for running jobs. Default true.
	StopWait *bool `json:"stop_wait,omitempty"`

	Queue SchedulerQueueConfig `json:"queue,omitempty"`
	Admin AdminConfig          `json:"admin,omitempty"`
}

// SchedulerQueueConfig tunes the queue backend (durable ticks over redis).
type SchedulerQueueConfig struct {
	Consumers    int    `json:"consumers,omitempty"`
	BeatInterval string `json:"beat_interval,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
}

// AdminConfig registers this process with a remote scheduler console.
type AdminConfig struct {
	ConsoleURL        string `json:"console_url,omitempty"`
	AppName           string `json:"app_name,omitempty"`
	Address           string `json:"address,omitempty"` // callback base URL reachable by the console
	Token             string `json:"token,omitempty"`   // do not log
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
}

// LockConfig selects the lease store. "redis" (default when redis is
// configured) or "memory".
type LockConfig struct {
	Store  string `json:"store,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

type BreakersConfig struct {
	FailMax      int                        `json:"fail_max,omitempty"`
	ResetTimeout string                     `json:"reset_timeout,omitempty"`
	Overrides    map[string]BreakerOverride `json:"overrides,omitempty"`
}

type BreakerOverride struct {
	FailMax      int    `json:"fail_max,omitempty"`
	ResetTimeout string `json:"reset_timeout,omitempty"`
}

// WorkerConfig tunes the execution worker pool. Concurrency is hot-reloadable.
type WorkerConfig struct {
	Concurrency   int    `json:"concurrency,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"` // in-memory queue only
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	CancelGrace   string `json:"cancel_grace,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DegradedDelay string `json:"degraded_delay,omitempty"`
}

type AgentConfig struct {
	BaseURL       string  `json:"base_url"`
	Token         string  `json:"token,omitempty"` // do not log
	Timeout       string  `json:"timeout,omitempty"`
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
	Burst         int     `json:"burst,omitempty"`
}

// NotifyConfig selects execution event sinks. The in-process bus is always on.
type NotifyConfig struct {
	Redis   bool           `json:"redis,omitempty"`
	Webhook *WebhookConfig `json:"webhook,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"` // do not log
	Timeout string `json:"timeout,omitempty"`
}

// StatusConfig controls the status HTTP server (/healthz, /readyz, /status,
// /metrics, optional pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// TracingConfig exports spans over OTLP/HTTP. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

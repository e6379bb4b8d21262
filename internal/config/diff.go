package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wegent/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging. Secrets (tokens, passwords, webhook
// secrets, DSNs) are reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log the DSN, it may carry a password)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.DSN) != strings.TrimSpace(nS.DSN) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxConns != nS.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.Int("storage.max_conns", nS.MaxConns),
		)
	}

	// Redis (never log password)
	oR, nR := derefRedis(oldCfg.Redis), derefRedis(newCfg.Redis)
	if (oldCfg.Redis != nil) != (newCfg.Redis != nil) || oR != nR {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.Bool("redis.present", newCfg.Redis != nil),
			logx.String("redis.addr", strings.TrimSpace(nR.Addr)),
			logx.Int("redis.db", nR.DB),
			logx.Bool("redis.password_set", nR.Password != ""),
		)
	}

	// Scheduler (never log admin token)
	oSc, nSc := oldCfg.Scheduler, newCfg.Scheduler
	oTok, nTok := oSc.Admin.Token, nSc.Admin.Token
	oSc.Admin.Token, nSc.Admin.Token = "", ""
	if !reflect.DeepEqual(oSc, nSc) || (oTok != "") != (nTok != "") || oTok != nTok {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.backend", strings.TrimSpace(nSc.Backend)),
			logx.String("scheduler.tick", strings.TrimSpace(nSc.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(nSc.Timezone)),
			logx.Int("scheduler.batch_size", nSc.BatchSize),
			logx.Bool("scheduler.admin_token_set", nTok != ""),
		)
	}

	if oldCfg.Lock != newCfg.Lock {
		changed = append(changed, "lock")
		attrs = append(attrs,
			logx.String("lock.store", strings.TrimSpace(newCfg.Lock.Store)),
			logx.String("lock.prefix", strings.TrimSpace(newCfg.Lock.Prefix)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Breakers, newCfg.Breakers) {
		changed = append(changed, "breakers")
		attrs = append(attrs,
			logx.Int("breakers.fail_max", newCfg.Breakers.FailMax),
			logx.String("breakers.reset_timeout", strings.TrimSpace(newCfg.Breakers.ResetTimeout)),
			logx.Int("breakers.override_count", len(newCfg.Breakers.Overrides)),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.concurrency", newCfg.Worker.Concurrency),
			logx.Int("worker.max_attempts", newCfg.Worker.MaxAttempts),
			logx.String("worker.timeout", strings.TrimSpace(newCfg.Worker.Timeout)),
		)
	}

	// Agent (never log token)
	if oldCfg.Agent != newCfg.Agent {
		changed = append(changed, "agent")
		attrs = append(attrs,
			logx.String("agent.base_url", strings.TrimSpace(newCfg.Agent.BaseURL)),
			logx.Bool("agent.token_set", strings.TrimSpace(newCfg.Agent.Token) != ""),
			logx.Float64("agent.rate_per_second", newCfg.Agent.RatePerSecond),
		)
	}

	// Notify (never log webhook secret)
	oW, nW := derefWebhook(oldCfg.Notify.Webhook), derefWebhook(newCfg.Notify.Webhook)
	if oldCfg.Notify.Redis != newCfg.Notify.Redis ||
		(oldCfg.Notify.Webhook != nil) != (newCfg.Notify.Webhook != nil) || oW != nW {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.redis", newCfg.Notify.Redis),
			logx.Bool("notify.webhook", newCfg.Notify.Webhook != nil),
			logx.Bool("notify.webhook_secret_set", nW.Secret != ""),
		)
	}

	// Status (never log token)
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.allow_insecure", newCfg.Status.AllowInsecure),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs,
			logx.Bool("tracing.enabled", strings.TrimSpace(newCfg.Tracing.Endpoint) != ""),
			logx.Float64("tracing.sample_ratio", newCfg.Tracing.SampleRatio),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefRedis(r *RedisConfig) RedisConfig {
	if r == nil {
		return RedisConfig{}
	}
	return *r
}

func derefWebhook(w *WebhookConfig) WebhookConfig {
	if w == nil {
		return WebhookConfig{}
	}
	return *w
}

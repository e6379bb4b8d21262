package app

import (
	"context"
	"slices"
	"strings"

	"wegent/internal/config"
	logx "wegent/pkg/logx"
)

// restartSections need a process restart to take effect.
var restartSections = []string{"storage", "redis", "scheduler", "lock", "breakers", "agent", "notify", "tracing"}

// reloadLoop applies accepted config reloads until ctx ends: logging,
// worker concurrency and the status server are live; other sections are
// reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var restart []string
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if newCfg.Worker.Concurrency > 0 {
		a.pool.Resize(newCfg.Worker.Concurrency)
	}

	if a.status != nil {
		if sc, err := mapStatusConfig(newCfg); err != nil {
			a.log.Warn("invalid status config; keeping previous", logx.Err(err))
		} else {
			a.status.Reconfigure(ctx, sc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Reload re-reads the config file now (e.g. on SIGHUP). Accepted changes
// are applied by the reload loop.
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	return err
}

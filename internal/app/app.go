package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"wegent/internal/agent"
	"wegent/internal/breaker"
	"wegent/internal/config"
	"wegent/internal/execution"
	"wegent/internal/lock"
	"wegent/internal/metrics"
	"wegent/internal/notify"
	"wegent/internal/observability/status"
	"wegent/internal/observability/tracing"
	"wegent/internal/queue"
	"wegent/internal/runtime/supervisor"
	"wegent/internal/scheduler"
	"wegent/internal/storage"
	"wegent/internal/trigger"
	"wegent/internal/worker"
	logx "wegent/pkg/logx"
)

const (
	executionQueue = "executions"
	tickQueue      = "scheduler.ticks"

	// OrphanJobID is the backend job that returns jobs held by dead consumers.
	OrphanJobID    = "recover_orphaned_jobs"
	orphanInterval = time.Minute
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root     logx.Logger
	log      logx.Logger
	logs     *logx.Service
	metrics  *metrics.Metrics
	instance string

	store    storage.Store
	rdb      redis.UniversalClient
	lock     *lock.Lock
	jobs     queue.Queue
	ticks    queue.Queue
	breakers *breaker.Registry
	agent    *agent.Client
	bus      *notify.Bus
	remote   *notify.Async
	machine  *execution.Machine

	backends *scheduler.Registry
	backend  scheduler.Backend
	sched    schedulerSettings
	eval     *trigger.Evaluator
	pool     *worker.Pool
	status   *status.Service

	statusCfg  status.Config
	poolCancel context.CancelFunc
	poolDone   chan struct{}
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a = &App{
		cfgm:     cfgm,
		logs:     logSvc,
		root:     log,
		log:      log.Component("app"),
		metrics:  metrics.New(),
		instance: instanceID(),
	}
	// Release what was opened so far when a later step fails.
	defer func() {
		if err != nil {
			a.closeResources()
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log.Component("storage")); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(cfg.Redis.Addr),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	prefix := redisPrefix(cfg)

	var ls lock.Store
	switch lockStore(cfg) {
	case "redis":
		if a.rdb == nil {
			return nil, errors.New("lock.store=redis requires the redis section")
		}
		ls = lock.NewRedisStore(a.rdb)
	default:
		ls = lock.NewMemoryStore(nil)
	}
	a.lock = lock.New(ls, lock.Options{
		Prefix:  strings.TrimSpace(cfg.Lock.Prefix),
		Holder:  a.instance,
		Metrics: a.metrics,
		Log:     log.Component("lock"),
	})

	if a.rdb != nil {
		qo := queue.RedisOptions{Prefix: prefix + "queue:", Consumer: a.instance, Metrics: a.metrics, Log: log.Component("queue")}
		a.jobs = queue.NewRedis(a.rdb, executionQueue, qo)
		a.ticks = queue.NewRedis(a.rdb, tickQueue, qo)
	} else {
		a.jobs = queue.NewMemory(executionQueue, cfg.Worker.QueueSize, a.metrics)
		a.ticks = queue.NewMemory(tickQueue, 0, a.metrics)
	}

	bdef, bover, err := mapBreakersConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.breakers = breaker.NewRegistry(bdef, bover, a.metrics, log.Component("breaker"))

	ao, err := mapAgentConfig(cfg)
	if err != nil {
		return nil, err
	}
	ao.Log = log.Component("agent")
	a.agent = agent.New(ao, a.breakers)

	a.machine = execution.NewMachine(a.store, execution.Options{Metrics: a.metrics, Log: log.Component("execution")})
	a.bus = notify.NewBus(a.metrics)
	emitters := notify.Multi{a.bus}
	var remote notify.Multi
	if cfg.Notify.Redis {
		if a.rdb == nil {
			return nil, errors.New("notify.redis requires the redis section")
		}
		remote = append(remote, notify.NewRedisEmitter(a.rdb, prefix+"events:", a.metrics))
	}
	wo, ok, err := mapWebhookConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		wo.Metrics = a.metrics
		remote = append(remote, notify.NewWebhookEmitter(wo, a.breakers))
	}
	if len(remote) > 0 {
		a.remote = notify.NewAsync(remote, notify.AsyncOptions{Log: log.Component("notify"), Metrics: a.metrics})
		emitters = append(emitters, a.remote)
	}
	a.machine.OnTransition(notify.Observer(emitters, log.Component("notify")))

	if a.sched, err = mapSchedulerConfig(cfg); err != nil {
		return nil, err
	}
	a.backends = scheduler.NewDefaultRegistry(log)
	admin := a.sched.Admin
	admin.Instance = a.instance
	admin.Log = log.Component("scheduler.admin")
	a.backend, err = a.backends.New(a.sched.Backend, scheduler.Deps{
		Log:           log.Component("scheduler." + a.sched.Backend),
		Timezone:      a.sched.Timezone,
		Queue:         a.ticks,
		Lock:          a.lock,
		Consumers:     a.sched.Consumers,
		BeatInterval:  a.sched.BeatInterval,
		StartupSpread: a.sched.StartupSpread,
		Admin:         admin,
	})
	if err != nil {
		return nil, err
	}

	a.eval, err = trigger.New(trigger.Options{
		Store:             a.store,
		Lock:              a.lock,
		Queue:             a.jobs,
		Tick:              a.sched.Tick,
		BatchSize:         a.sched.BatchSize,
		StalePendingAfter: a.sched.StalePendingAfter,
		Location:          a.sched.Location,
		Metrics:           a.metrics,
		Log:               log.Component("trigger"),
	})
	if err != nil {
		return nil, err
	}

	po, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	po.Queue = a.jobs
	po.Store = a.store
	po.Machine = a.machine
	po.Runner = a.agent
	po.Metrics = a.metrics
	po.Log = log.Component("worker")
	if a.pool, err = worker.New(po); err != nil {
		return nil, err
	}

	if a.statusCfg, err = mapStatusConfig(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "wegent"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Evaluator exposes the trigger evaluator (event-trigger firing).
func (a *App) Evaluator() *trigger.Evaluator { return a.eval }

// Machine exposes the execution state machine (cancellation).
func (a *App) Machine() *execution.Machine { return a.machine }

func (a *App) Bus() *notify.Bus { return a.bus }

func (a *App) Backend() scheduler.Backend { return a.backend }

// Status returns the status server, or nil before Start.
func (a *App) Status() *status.Service { return a.status }

func (a *App) Config() *config.Manager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	shutdown, err := tracing.Setup(ctx, mapTracingConfig(a.cfgm.Get()))
	if err != nil {
		// Tracing is optional; run without it.
		a.log.Warn("tracing disabled", logx.Err(err))
		shutdown = func(context.Context) error { return nil }
	}
	// Hooks run in reverse order: resources close before the trace flush.
	a.sup.OnShutdown("tracing.flush", shutdown)
	a.sup.OnShutdown("resources.close", func(context.Context) error { return a.closeResources() })

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}
	if a.remote != nil {
		a.remote.Start(ctx)
	}

	if rq, ok := a.jobs.(*queue.Redis); ok {
		if n, err := rq.RecoverOwn(ctx); err != nil {
			a.log.Warn("recover own jobs failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("recovered own jobs", logx.Int("moved", n))
		}
		a.sup.Go("queue.heartbeat", rq.RunHeartbeat)
		if _, err := a.backend.ScheduleJob(scheduler.JobSpec{
			ID:              OrphanJobID,
			TriggerType:     scheduler.TriggerInterval,
			Interval:        orphanInterval,
			ReplaceExisting: true,
			Func: func(c context.Context) error {
				_, err := rq.RecoverOrphans(c)
				return err
			},
		}); err != nil {
			return err
		}
	}

	if err := a.eval.Register(a.backend); err != nil {
		return err
	}
	if err := a.backend.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start %s backend: %w", a.sched.Backend, err)
	}
	a.backends.SetActive(a.sched.Backend, a.backend)

	// Workers get their own context so Stop can halt triggering first.
	poolCtx, cancel := context.WithCancel(a.sup.Context())
	a.poolCancel = cancel
	a.poolDone = make(chan struct{})
	a.sup.Go("worker.pool", func(c context.Context) error {
		defer close(a.poolDone)
		return a.pool.Run(poolCtx)
	})

	a.status = status.New(a.statusCfg, status.Sources{
		Backends:   a.backends,
		Store:      a.store,
		Breakers:   a.breakers,
		Lock:       a.lock,
		Metrics:    a.metrics,
		Supervisor: a.sup,
	}, a.root)
	if ad, ok := a.backend.(*scheduler.Admin); ok {
		a.status.Mount(scheduler.AdminRunPath, ad.Handler())
	}
	a.status.Start(a.sup.Context())

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(validateConfig)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("backend", a.sched.Backend),
		logx.String("instance", a.instance),
		logx.Duration("tick", a.sched.Tick),
		logx.Int("workers", a.pool.Size()),
	)
	return nil
}

// CheckConfig loads path and runs every component mapping without opening
// anything.
func CheckConfig(ctx context.Context, path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig rejects a config whose component mappings fail.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapBreakersConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAgentConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapWebhookConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.closeResources()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	// Halt triggering first so no new executions are queued.
	step("scheduler", 5*time.Second, func(c context.Context) error {
		return a.backend.Stop(c, a.sched.StopWait)
	})
	step("locks", time.Second, func(c context.Context) error {
		if n := a.lock.ReleaseAll(c); n > 0 {
			a.log.Info("released held locks", logx.Int("count", n))
		}
		return nil
	})
	step("workers", 5*time.Second, func(c context.Context) error {
		if a.poolCancel == nil {
			return nil
		}
		a.poolCancel()
		select {
		case <-a.poolDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("notify", 2*time.Second, func(c context.Context) error {
		if a.remote == nil {
			return nil
		}
		return a.remote.Stop(c)
	})
	step("status", time.Second, func(c context.Context) error {
		if a.status != nil {
			a.status.Stop(c)
		}
		return nil
	})

	// Cancel remaining background loops (config watch/reload, heartbeat) and
	// run the shutdown hooks.
	step("supervisor", 4*time.Second, a.sup.Shutdown)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources closes the queues, redis and the store.
func (a *App) closeResources() error {
	var errs []error
	for _, q := range []queue.Queue{a.jobs, a.ticks} {
		if q != nil {
			errs = append(errs, q.Close())
		}
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
		a.rdb = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

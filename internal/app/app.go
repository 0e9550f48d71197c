// Package app wires the daemon: config, logging, store, bus, queue manager,
// worker pool, scheduler, pprof. It owns startup order and graceful shutdown.
package app

import (
	"context"
	"time"

	"renderq/internal/config"
	"renderq/internal/eventbus"
	"renderq/internal/observability/pprof"
	"renderq/internal/queue"
	"renderq/internal/runtime/supervisor"
	"renderq/internal/sched"
	"renderq/internal/store"
	"renderq/internal/worker"
	"renderq/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store store.Store
	queue *queue.Manager
	pool  *worker.Pool
	sched *sched.Scheduler
	pprof *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(cfg *config.Config) error {
		// A config the builders can't translate never gets committed.
		if _, err := cfg.StoreConfig(); err != nil {
			return err
		}
		if _, err := cfg.PoolConfig(); err != nil {
			return err
		}
		if _, err := cfg.QueueConfig(0); err != nil {
			return err
		}
		if _, err := cfg.SchedConfig(); err != nil {
			return err
		}
		return nil
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	poolCfg, err := cfg.PoolConfig()
	if err != nil {
		return nil, err
	}
	capacity := 0
	for _, tc := range poolCfg.Types {
		capacity += tc.MaxConcurrent
	}
	queueCfg, err := cfg.QueueConfig(capacity)
	if err != nil {
		return nil, err
	}
	schedCfg, err := cfg.SchedConfig()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	qm := queue.NewManager(queueCfg, st, log.With(logx.String("comp", "queue")), bus)
	pool := worker.NewPool(poolCfg, st, qm, log.With(logx.String("comp", "worker")))
	scheduler := sched.New(schedCfg, qm, log.With(logx.String("comp", "sched")))
	pp := pprof.New(pprof.Config{Enabled: cfg.Pprof.Enabled, Addr: cfg.Pprof.Addr},
		log.With(logx.String("comp", "pprof")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: st,
		queue: qm,
		pool:  pool,
		sched: scheduler,
		pprof: pp,
	}, nil
}

// Queue exposes the job queue manager for producers embedded in the process.
func (a *App) Queue() *queue.Manager { return a.queue }

// Pool exposes the worker pool for handler registration and direct execution.
func (a *App) Pool() *worker.Pool { return a.pool }

// Scheduler exposes the recurring job scheduler.
func (a *App) Scheduler() *sched.Scheduler { return a.sched }

// Bus exposes the lifecycle event bus for external subscribers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Start brings every subsystem up. It returns once everything is running;
// the caller blocks on its own signal context and then calls Stop.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.pool.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if cfg != nil && cfg.Scheduler.Enabled {
		a.sup.GoRestart("sched", a.sched.Run)
	}
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	a.sup.Go0("config.apply", a.applyReloads)
	a.sup.Go0("bus.log", a.logBusEvents)

	if err := a.pprof.Start(); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	a.log.Info("daemon started")
	return nil
}

// Stop shuts down in reverse dependency order: intake first, then workers,
// then everything else.
func (a *App) Stop(ctx context.Context) {
	a.log.Info("shutting down")
	a.queue.Close()
	if err := a.pool.Shutdown(ctx); err != nil {
		a.log.Warn("pool shutdown", logx.Err(err))
	}
	a.pprof.Stop(ctx)
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("shutdown complete")
	if a.logs != nil {
		a.logs.Close()
	}
}

// applyReloads fans committed config changes out to the subsystems that can
// take them live: logging and worker limits; everything else logs a restart
// hint.
func (a *App) applyReloads(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(cfg.LogxConfig())
			a.log.Info("logging configuration applied")
			// The validator already accepted this config, so PoolConfig
			// cannot fail here.
			if poolCfg, err := cfg.PoolConfig(); err == nil {
				a.pool.ApplyWorkerLimits(poolCfg.Types)
			}
			// Store driver and other pool settings need a restart; say so
			// instead of silently ignoring them.
			a.log.Warn("store and remaining pool config changes take effect on next restart")
		}
	}
}

// logBusEvents mirrors task lifecycle events into the debug log. It is also
// a live example of how external collaborators consume the bus.
func (a *App) logBusEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			je, _ := e.Data.(eventbus.JobEvent)
			log.Debug(e.Type,
				logx.String("job_id", je.JobID),
				logx.String("type", je.Type),
				logx.String("status", je.Status),
				logx.Int("attempt", je.Attempt),
				logx.Duration("duration", je.Duration),
			)
		}
	}
}

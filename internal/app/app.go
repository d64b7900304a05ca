package app

import (
	"context"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"cronhub/internal/clock"
	"cronhub/internal/config"
	"cronhub/internal/eventbus"
	"cronhub/internal/jobs"
	"cronhub/internal/observability/pprof"
	rtsup "cronhub/internal/runtime/supervisor"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/executor"
	"cronhub/internal/task/scheduler"
	logx "cronhub/pkg/logx"
	"cronhub/pkg/systemd"
)

type Option func(*options)

type options struct {
	clock clock.Clock
	quiet bool
}

// WithClock replaces the wall clock used by the executor, scheduler and job service.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithQuietConsole disables console logging regardless of config, so CLI
// output stays clean. File logging is unaffected.
func WithQuietConsole() Option { return func(o *options) { o.quiet = true } }

type App struct {
	cfgm *config.ConfigManager
	opts options

	mu      sync.Mutex
	applied *config.Config
	drain   time.Duration

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	repo storage.Repository

	engine *engine.Service
	exec   *executor.Executor
	sched  *scheduler.Service
	jobs   *jobs.Service
	debug  *pprof.Service

	sup *rtsup.Supervisor
}

// Open loads the config at path and builds the app. When optional is set a
// missing file means defaults.
func Open(path string, optional bool, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(path)
	if _, err := cfgm.Load(); err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, "load config")
		}
		cfgm.Commit(config.Default())
	}
	return New(cfgm, opts...)
}

// New wires every component from the manager's current config:
// logging, storage, event bus, dispatch engine, executor, scheduler, job service.
func New(cfgm *config.ConfigManager, opts ...Option) (*App, error) {
	o := options{clock: clock.System()}
	for _, fn := range opts {
		fn(&o)
	}

	cfg := cfgm.Get()
	if cfg == nil {
		cfg = config.Default()
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}
	if o.quiet {
		set.logging.Console = false
	}

	logSvc, root := logx.New(set.logging)
	log := root.With(logx.String("comp", "app"))

	repo, err := storage.Open(set.storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, errors.Wrap(err, "open storage")
	}

	bus := eventbus.New()
	eng := engine.New(set.engine, root)
	exec := executor.New(set.executor, repo, root, executor.WithClock(o.clock), executor.WithBus(bus))
	sched := scheduler.New(set.scheduler, repo, eng, exec, o.clock, root, bus)
	js := jobs.New(repo, root,
		jobs.WithClock(o.clock),
		jobs.WithLocation(set.scheduler.Location),
		jobs.WithWaker(sched),
		jobs.WithRunner(eng, exec),
	)

	a := &App{
		cfgm:    cfgm,
		opts:    o,
		applied: cfg,
		drain:   set.drainTimeout,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		repo:    repo,
		engine:  eng,
		exec:    exec,
		sched:   sched,
		jobs:    js,
	}
	a.debug = pprof.New(set.debug, root, func() any { return a.Status() })
	log.Debug("app.wired", logx.String("storage", set.storage.Driver), logx.String("tz", set.scheduler.Location.String()))
	return a, nil
}

func (a *App) Jobs() *jobs.Service    { return a.jobs }
func (a *App) Log() logx.Logger       { return a.log }
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Status is the snapshot served by the debug server's /status.
type Status struct {
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Engine     engine.Snapshot    `json:"engine"`
	Supervisor *rtsup.Snapshot    `json:"supervisor,omitempty"`
}

func (a *App) Status() Status {
	st := Status{Scheduler: a.sched.Snapshot(), Engine: a.engine.Snapshot()}
	if a.sup != nil {
		s := a.sup.Snapshot()
		st.Supervisor = &s
	}
	return st
}

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

// Start runs the scheduler, the optional debug server and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sched.Start(a.sup.Context())
	a.watchEvents()

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd.notify_failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd.ready", logx.Duration("watchdog", systemd.WatchdogInterval()))
	}
	a.log.Info("app.started", logx.String("config", a.cfgm.Path()))
	return nil
}

// watchEvents logs bus events at debug level and turns scheduler passes
// into systemd watchdog pings.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(128)
	watchdog := systemd.WatchdogInterval() > 0
	a.sup.Go0("eventbus.watch", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if e.Type != eventbus.TypePassCompleted {
					continue
				}
				if watchdog {
					_, _ = systemd.Watchdog()
				}
				if p, ok := e.Data.(eventbus.PassEvent); ok {
					_, _ = systemd.Status("last pass: %d due, %d dispatched, %d deferred", p.Due, p.Dispatched, p.Deferred)
				}
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	set, err := mapConfig(cfg)
	if err != nil {
		a.log.Warn("config.invalid", logx.Err(err))
		return
	}
	if a.opts.quiet {
		set.logging.Console = false
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.mu.Lock()
	prev := a.applied
	a.applied = cfg
	a.drain = set.drainTimeout
	a.mu.Unlock()

	changed, attrs, restart := config.SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		a.log.Info("config.reloaded", logx.String("changed", "none"))
		return
	}

	a.logs.Apply(set.logging)
	a.engine.Apply(set.engine)
	a.exec.Apply(set.executor)
	a.jobs.SetLocation(set.scheduler.Location)
	a.sched.Apply(set.scheduler)
	switch {
	case set.scheduler.Enabled && !a.sched.Running():
		a.sched.Start(a.sup.Context())
	case !set.scheduler.Enabled && a.sched.Running():
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if err := a.debug.Reconfigure(ctx, set.debug); err != nil {
		a.log.Warn("debug.reconfigure_failed", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config.restart_required", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config.reloaded", fields...)
}

// Stop shuts down in order: debug server, scheduler loop, dispatched
// executions (bounded by scheduler.drain_timeout), supervised loops, storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("app.stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	a.mu.Lock()
	drain := a.drain
	a.mu.Unlock()

	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", drain, a.engine.Drain)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.repo.Close() })

	a.log.Info("app.stopped")
	return a.logs.Close()
}

// StopTimeout bounds a whole Stop: the engine drain plus the other steps.
func (a *App) StopTimeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drain + 10*time.Second
}

// Close releases storage and log files for one-shot CLI use without Start.
func (a *App) Close() error {
	err := a.repo.Close()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}

// step runs one shutdown step bounded by max and the caller's deadline, so
// one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("app.stop_step_error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("app.stop_step", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("app.stop_step", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("app.stop_step_deadline", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("app.stop_step_late", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cronhub/internal/config"
	"cronhub/internal/observability/pprof"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/executor"
	"cronhub/internal/task/scheduler"
	logx "cronhub/pkg/logx"
)

// settings is a config file mapped onto component configs. Building one
// validates every section, so a bad hot reload is rejected as a whole.
type settings struct {
	logging   logx.Config
	engine    engine.Config
	scheduler scheduler.Config
	executor  executor.Config
	storage   storage.Config
	debug     pprof.Config

	drainTimeout time.Duration
}

func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var out settings
	var err error

	out.logging = mapLogging(cfg.Logging)

	if out.scheduler, out.engine, out.drainTimeout, err = mapScheduler(cfg.Scheduler); err != nil {
		return settings{}, err
	}
	if out.executor, err = mapExecutor(cfg.Executor); err != nil {
		return settings{}, err
	}
	out.executor.LeaseGrace = out.scheduler.LeaseGrace
	out.executor.Location = out.scheduler.Location

	if out.storage, err = mapStorage(cfg.Storage); err != nil {
		return settings{}, err
	}
	out.debug = pprof.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
	return out, nil
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		Pretty:  c.Pretty,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapScheduler(c config.SchedulerConfig) (scheduler.Config, engine.Config, time.Duration, error) {
	cadence, err := config.ParseDurationOrDefault("scheduler.cadence", c.Cadence, scheduler.DefaultCadence)
	if err != nil {
		return scheduler.Config{}, engine.Config{}, 0, err
	}
	if cadence < time.Second {
		return scheduler.Config{}, engine.Config{}, 0, errors.Newf("scheduler.cadence must be at least 1s, got %s", cadence)
	}
	grace, err := config.ParseDurationOrDefault("scheduler.lease_grace", c.LeaseGrace, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, engine.Config{}, 0, err
	}
	drain, err := config.ParseDurationOrDefault("scheduler.drain_timeout", c.DrainTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, engine.Config{}, 0, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, engine.Config{}, 0, errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}

	switch {
	case c.MaxConcurrent < 0:
		return scheduler.Config{}, engine.Config{}, 0, errors.New("scheduler.max_concurrent must be >= 0")
	case c.DispatchRate < 0:
		return scheduler.Config{}, engine.Config{}, 0, errors.New("scheduler.dispatch_rate must be >= 0")
	case c.DispatchBurst < 0:
		return scheduler.Config{}, engine.Config{}, 0, errors.New("scheduler.dispatch_burst must be >= 0")
	}

	sc := scheduler.Config{
		Enabled:    c.Enabled,
		Cadence:    cadence,
		Location:   loc,
		LeaseGrace: grace,
	}
	ec := engine.Config{
		MaxConcurrent: c.MaxConcurrent,
		DispatchRate:  c.DispatchRate,
		DispatchBurst: c.DispatchBurst,
	}
	return sc, ec, drain, nil
}

func mapExecutor(c config.ExecutorConfig) (executor.Config, error) {
	timeout, err := config.ParseDurationOrDefault("executor.default_timeout", c.DefaultTimeout, 30*time.Second)
	if err != nil {
		return executor.Config{}, err
	}
	if c.MaxResponseChars < 0 {
		return executor.Config{}, errors.New("executor.max_response_chars must be >= 0")
	}
	if c.HistoryLimit < 0 {
		return executor.Config{}, errors.New("executor.history_limit must be >= 0")
	}
	return executor.Config{
		DefaultTimeout:      timeout,
		UserAgent:           strings.TrimSpace(c.UserAgent),
		MaxResponseChars:    c.MaxResponseChars,
		StrictRequestConfig: c.StrictRequestConfig,
		HistoryLimit:        c.HistoryLimit,
	}, nil
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	sc := storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(c.Path),
		DSN:          strings.TrimSpace(c.DSN),
		MaxOpenConns: c.MaxOpenConns,
	}
	switch driver {
	case "memory", "mem":
	case "sqlite", "sqlite3":
		if sc.Path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		sc.BusyTimeout = busy
	case "postgres", "postgresql", "pgx":
		if sc.DSN == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %q", c.Driver)
	}
	if sc.MaxOpenConns < 0 {
		return storage.Config{}, errors.New("storage.max_open_conns must be >= 0")
	}
	return sc, nil
}

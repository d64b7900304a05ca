package config

import (
	"sort"
	"strings"

	logx "cronhub/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. The postgres DSN is reported only as set/unset.
// restart lists sections whose changes only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.pretty", newCfg.Logging.Pretty),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if o != n {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", n.Enabled),
			logx.String("scheduler.cadence", strings.TrimSpace(n.Cadence)),
			logx.String("scheduler.timezone", strings.TrimSpace(n.Timezone)),
			logx.Int("scheduler.max_concurrent", n.MaxConcurrent),
			logx.Float64("scheduler.dispatch_rate", n.DispatchRate),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.default_timeout", strings.TrimSpace(newCfg.Executor.DefaultTimeout)),
			logx.Int("executor.max_response_chars", newCfg.Executor.MaxResponseChars),
			logx.Bool("executor.strict_request_config", newCfg.Executor.StrictRequestConfig),
			logx.Int("executor.history_limit", newCfg.Executor.HistoryLimit),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, restart
}

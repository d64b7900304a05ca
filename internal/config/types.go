package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "30s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   StorageConfig   `json:"storage"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Pretty  bool        `json:"pretty,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the polling loop and the dispatch pool behind it.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Cadence is the longest gap between passes.
	Cadence string `json:"cadence,omitempty"`
	// Timezone is an IANA name used to evaluate schedules; empty means local time.
	Timezone string `json:"timezone,omitempty"`

	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// DispatchRate is dispatches per second; 0 disables the limiter.
	DispatchRate  float64 `json:"dispatch_rate,omitempty"`
	DispatchBurst int     `json:"dispatch_burst,omitempty"`

	LeaseGrace   string `json:"lease_grace,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

type ExecutorConfig struct {
	DefaultTimeout      string `json:"default_timeout,omitempty"`
	UserAgent           string `json:"user_agent,omitempty"`
	MaxResponseChars    int    `json:"max_response_chars,omitempty"`
	StrictRequestConfig bool   `json:"strict_request_config,omitempty"`
	HistoryLimit        int    `json:"history_limit,omitempty"`
}

// StorageConfig selects the repository driver.
//
// Example:
//
//	storage:
//	  driver: sqlite
//	  path: ./cronhub.db
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// DebugConfig controls the optional pprof/status HTTP server.
// A non-loopback Addr requires Token unless AllowInsecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Default is the configuration used for omitted keys, and when no config
// file exists at the default path.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Cadence:       "30s",
			MaxConcurrent: 8,
			LeaseGrace:    "30s",
			DrainTimeout:  "30s",
		},
		Executor: ExecutorConfig{
			DefaultTimeout:   "30s",
			UserAgent:        "cronhub/1",
			MaxResponseChars: 1000,
			HistoryLimit:     100,
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./cronhub.db", BusyTimeout: "5s"},
		Debug:   DebugConfig{Addr: "127.0.0.1:6060"},
	}
}

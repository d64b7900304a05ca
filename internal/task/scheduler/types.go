package scheduler

import (
	"context"
	"time"

	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/executor"
)

// DefaultCadence is the pass interval used when Cadence is unset.
const DefaultCadence = 30 * time.Second

type Config struct {
	Enabled bool
	// Cadence is the longest the loop sleeps between passes. <=0 means DefaultCadence.
	Cadence time.Duration
	// Location evaluates schedules when a pass reschedules a job.
	Location *time.Location
	// LeaseGrace matches the executor's grace; it is used to back-date the
	// start of an abandoned execution.
	LeaseGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cadence <= 0 {
		c.Cadence = DefaultCadence
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 30 * time.Second
	}
	return c
}

// minSleep keeps a past-due soonest nextRun from spinning the loop.
const minSleep = time.Second

// Dispatcher admits tasks without blocking. engine.Service implements it.
type Dispatcher interface {
	TryDispatch(t engine.Task) error
	InFlight(key string) bool
}

// Executor performs one job execution. executor.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, job storage.Job) executor.Outcome
}

// PassReport counts what one pass did.
type PassReport struct {
	At         time.Time     `json:"at"`
	Took       time.Duration `json:"took"`
	Jobs       int           `json:"jobs"`
	Due        int           `json:"due"`
	Dispatched int           `json:"dispatched"`
	Skipped    int           `json:"skipped"`
	Deferred   int           `json:"deferred"`
	Failed     int           `json:"failed"`
	Reconciled int           `json:"reconciled"`
	// Soonest is the earliest future nextRun among idle active jobs.
	Soonest *time.Time `json:"soonest,omitempty"`
	// Overlapped is set when the pass was refused because another was running.
	Overlapped bool  `json:"overlapped,omitempty"`
	Err        error `json:"-"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Enabled  bool          `json:"enabled"`
	Cadence  time.Duration `json:"cadence"`
	Timezone string        `json:"timezone"`
	Passes   uint64        `json:"passes"`
	LastPass *PassReport   `json:"last_pass,omitempty"`
}

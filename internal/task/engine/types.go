package engine

import (
	"context"
	"time"
)

// Config controls how many executions may run at once and how fast new ones start.
type Config struct {
	// MaxConcurrent bounds simultaneous dispatched executions. <=0 means 8.
	MaxConcurrent int
	// DispatchRate is the number of dispatches allowed per second. 0 disables the limiter.
	DispatchRate  float64
	DispatchBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.DispatchRate < 0 {
		c.DispatchRate = 0
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = max(1, c.MaxConcurrent)
	}
	return c
}

// Task is one unit of work keyed by the job it belongs to.
// Two tasks with the same Key never run at the same time.
type Task struct {
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

type Snapshot struct {
	MaxConcurrent int            `json:"max_concurrent"`
	Held          int            `json:"held"`
	InFlight      []InFlightTask `json:"in_flight"`
	Stopping      bool           `json:"stopping"`

	Dispatched  uint64 `json:"dispatched"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Panics      uint64 `json:"panics"`
	Skipped     uint64 `json:"skipped"`
	Saturated   uint64 `json:"saturated"`
	RateLimited uint64 `json:"rate_limited"`
}

type InFlightTask struct {
	Key     string    `json:"key"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
	Manual  bool      `json:"manual"`
}

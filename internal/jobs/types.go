package jobs

import (
	"time"

	"cronhub/internal/storage"
)

const (
	DefaultMethod         = "GET"
	DefaultSchedule       = "0 * * * *"
	DefaultTimeoutSeconds = 300
	DefaultHistoryLimit   = 100
	MaxErrorLogs          = 1000
	DefaultTrendDays      = 7
)

// Spec describes a job to create. Zero values take the defaults above.
type Spec struct {
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Schedule       string            `json:"schedule"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Enabled        bool              `json:"enabled"`
}

// Patch edits a job. Nil fields are kept; a non-nil empty Headers map clears them.
type Patch struct {
	Name           *string
	URL            *string
	Method         *string
	Schedule       *string
	Headers        *map[string]string
	Body           *string
	TimeoutSeconds *int
}

type Dashboard struct {
	TotalJobs    int   `json:"total_jobs"`
	ActiveJobs   int   `json:"active_jobs"`
	SuccessToday int64 `json:"success_today"`
	FailedToday  int64 `json:"failed_today"`
	// SuccessRate is a percentage over every job's counters, 0 before any run.
	SuccessRate float64 `json:"success_rate"`
}

// DayTrend counts one calendar day of executions.
type DayTrend struct {
	Day     time.Time `json:"day"`
	Success int64     `json:"success"`
	Failed  int64     `json:"failed"`
}

type Distribution = storage.ExecutionCounts

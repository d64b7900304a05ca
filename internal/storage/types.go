package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrNotClaimable means the stored job no longer matches the Claim.
	ErrNotClaimable = errors.New("storage: job not claimable")
)

// JobStatus is the job state machine: paused jobs are never evaluated for
// due-ness; idle, success and failed jobs are active and may be dispatched.
type JobStatus string

const (
	StatusPaused  JobStatus = "paused"
	StatusIdle    JobStatus = "idle"
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusFailed  JobStatus = "failed"
)

func (s JobStatus) Active() bool { return s != StatusPaused }

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPaused, StatusIdle, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

type ExecutionStatus string

const (
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecFailed  ExecutionStatus = "failed"
)

// Job is a scheduled HTTP call.
type Job struct {
	ID       string
	Name     string
	URL      string
	Method   string
	Schedule string
	// Headers holds a JSON object of header name to value, empty when unset.
	Headers        string
	Body           string
	TimeoutSeconds int

	Status JobStatus
	// PauseRequested marks a running job that should land in paused once
	// its in-flight execution completes.
	PauseRequested bool

	LastRun *time.Time
	NextRun *time.Time
	// LeaseUntil is set while an execution is in flight; a running job whose
	// lease has passed without a completion is reconciled as failed.
	LeaseUntil *time.Time

	SuccessCount int64
	FailureCount int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SuccessRate is successCount/(successCount+failureCount), or 0 before any run.
func (j Job) SuccessRate() float64 {
	total := j.SuccessCount + j.FailureCount
	if total == 0 {
		return 0
	}
	return float64(j.SuccessCount) / float64(total)
}

func (j Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// JobUpdate is a partial update. Nil fields are left unchanged.
type JobUpdate struct {
	Name           *string
	URL            *string
	Method         *string
	Schedule       *string
	Headers        *string
	Body           *string
	TimeoutSeconds *int

	Status         *JobStatus
	PauseRequested *bool

	LastRun      *time.Time
	NextRun      *time.Time
	ClearNextRun bool
	LeaseUntil   *time.Time
	ClearLease   bool

	// FinishRun applies the completion transition atomically: a job with
	// PauseRequested becomes paused with NextRun cleared, anything else
	// takes Status and NextRun as given. Status must be set.
	FinishRun bool

	// RequestPause pauses the job in one step: a running job keeps running
	// with PauseRequested set, anything else becomes paused with NextRun
	// cleared. It cannot be combined with other state fields.
	RequestPause bool
}

// Claim is the state a job must still be in for ClaimJob to mark it running.
// A running job is never claimable.
type Claim struct {
	// Lease becomes the job's LeaseUntil.
	Lease time.Time
	// DueAt, when set, must equal the stored NextRun at millisecond precision.
	DueAt *time.Time
	// AllowPaused lets a paused job run once; it is flagged with
	// PauseRequested so it lands back in paused on completion.
	AllowPaused bool
}

func (c Claim) matches(j Job) bool {
	switch {
	case j.Status == StatusRunning:
		return false
	case j.Status == StatusPaused && !c.AllowPaused:
		return false
	case c.DueAt != nil:
		return j.NextRun != nil && j.NextRun.UnixMilli() == c.DueAt.UnixMilli()
	}
	return true
}

func (u JobUpdate) empty() bool {
	return u.Name == nil && u.URL == nil && u.Method == nil && u.Schedule == nil &&
		u.Headers == nil && u.Body == nil && u.TimeoutSeconds == nil &&
		u.Status == nil && u.PauseRequested == nil && u.LastRun == nil &&
		u.NextRun == nil && !u.ClearNextRun && u.LeaseUntil == nil && !u.ClearLease && !u.FinishRun &&
		!u.RequestPause
}

// Execution is one invocation attempt of a job. It is append-only.
type Execution struct {
	ID             string
	JobID          string
	JobName        string
	StartTime      time.Time
	EndTime        *time.Time
	Status         ExecutionStatus
	DurationMS     int64
	Logs           string
	ResponseStatus *int
	ResponseBody   string
}

// ErrorLog details a failed execution.
type ErrorLog struct {
	ID             string
	JobID          string
	JobName        string
	ExecutionID    string
	Timestamp      time.Time
	Kind           string
	Message        string
	Detail         string
	ResponseStatus *int
}

// ExecutionCounts groups executions by status over a window.
type ExecutionCounts struct {
	Running int64
	Success int64
	Failed  int64
}

func (c ExecutionCounts) Total() int64 { return c.Running + c.Success + c.Failed }

func (c *ExecutionCounts) add(status ExecutionStatus, n int64) {
	switch status {
	case ExecRunning:
		c.Running += n
	case ExecSuccess:
		c.Success += n
	case ExecFailed:
		c.Failed += n
	}
}

package eventbus

import "time"

const (
	TypeExecutionStarted   = "execution.started"
	TypeExecutionFinished  = "execution.finished"
	TypeExecutionAbandoned = "execution.abandoned"
	TypeJobSkipped         = "job.skipped"
	TypeJobDeferred        = "job.deferred"
	TypePassCompleted      = "scheduler.pass"
)

// ExecutionEvent describes one execution lifecycle step.
type ExecutionEvent struct {
	JobID       string        `json:"job_id"`
	JobName     string        `json:"job_name"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Status      string        `json:"status,omitempty"`
	Kind        string        `json:"kind,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// DispatchEvent reports a job the scheduler looked at but did not dispatch.
type DispatchEvent struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// PassEvent summarizes one scheduler pass.
type PassEvent struct {
	Due        int           `json:"due"`
	Dispatched int           `json:"dispatched"`
	Skipped    int           `json:"skipped"`
	Deferred   int           `json:"deferred"`
	Reconciled int           `json:"reconciled"`
	Took       time.Duration `json:"took"`
}

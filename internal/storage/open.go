package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "cronhub/pkg/logx"
)

// Config configures storage.
type Config struct {
	Driver       string
	Path         string        // sqlite
	DSN          string        // postgres
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Repository is the persistence API consumed by the executor, scheduler and
// job service. Implementations must make AppendExecution's counter bump and
// UpdateJob's FinishRun transition atomic.
type Repository interface {
	ListJobs(ctx context.Context) ([]Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	CreateJob(ctx context.Context, j Job) (string, error)
	UpdateJob(ctx context.Context, id string, u JobUpdate) error
	// ClaimJob marks the job running with c.Lease if it still matches c and
	// returns it as stored afterwards. Otherwise it returns ErrNotClaimable
	// and changes nothing.
	ClaimJob(ctx context.Context, id string, c Claim) (Job, error)
	// DeleteJob removes the job with its executions and error logs.
	DeleteJob(ctx context.Context, id string) error

	// AppendExecution stores a finished execution and, for success/failed,
	// bumps the owning job's counter and lastRun in the same step.
	AppendExecution(ctx context.Context, e Execution) (string, error)
	// ListExecutions returns the newest executions of a job first.
	ListExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error)
	// PruneExecutions keeps the newest keep executions of a job.
	PruneExecutions(ctx context.Context, jobID string, keep int) (int64, error)
	// CountExecutions counts executions started in [from, to).
	CountExecutions(ctx context.Context, from, to time.Time) (ExecutionCounts, error)

	AppendErrorLog(ctx context.Context, e ErrorLog) (string, error)
	// ListErrorLogs returns the newest error logs first; an empty jobID lists all jobs.
	ListErrorLogs(ctx context.Context, jobID string, limit int) ([]ErrorLog, error)
	DeleteErrorLog(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured repository.
func Open(cfg Config, log logx.Logger) (Repository, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	case "":
		return nil, errors.New("storage.driver is required")
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"cronhub/internal/eventbus"
	"cronhub/internal/schedule"
	"cronhub/internal/storage"
	"cronhub/internal/task/executor"
	logx "cronhub/pkg/logx"
)

const abandonedMessage = "execution lease expired"

// leaseExpired reports whether a running job was left behind by a previous
// process. A job this process is executing is never expired.
func (s *Service) leaseExpired(job storage.Job, now time.Time) bool {
	if s.disp.InFlight(job.ID) {
		return false
	}
	return job.LeaseUntil == nil || !now.Before(*job.LeaseUntil)
}

// reconcile finishes the abandoned run and then records it as failed. The
// job leaves running first, so a failed write below cannot make the next
// pass reconcile the same lease again.
func (s *Service) reconcile(ctx context.Context, job storage.Job, now time.Time) error {
	cfg := s.config()
	started := now
	if job.LeaseUntil != nil {
		started = job.LeaseUntil.Add(-(job.Timeout() + cfg.LeaseGrace))
		if started.After(now) {
			started = now
		}
	}
	log := s.log.With(logx.String("job_id", job.ID), logx.String("job", job.Name))

	failed := storage.StatusFailed
	upd := storage.JobUpdate{FinishRun: true, Status: &failed, ClearLease: true}
	if next, err := schedule.NextRun(job.Schedule, now.In(cfg.Location)); err != nil {
		log.Error("scheduler.next_run_failed", logx.String("schedule", job.Schedule), logx.Err(err))
	} else {
		upd.NextRun = &next
	}
	if err := s.repo.UpdateJob(ctx, job.ID, upd); err != nil {
		return errors.Wrap(err, "finish abandoned job")
	}

	execID, err := s.repo.AppendExecution(ctx, storage.Execution{
		JobID:      job.ID,
		JobName:    job.Name,
		StartTime:  started,
		EndTime:    &now,
		Status:     storage.ExecFailed,
		DurationMS: now.Sub(started).Milliseconds(),
		Logs:       abandonedMessage,
	})
	if err != nil {
		log.Error("scheduler.abandoned_execution_failed", logx.Err(err))
	}

	msg := abandonedMessage
	if job.LeaseUntil != nil {
		msg = fmt.Sprintf("%s at %s", abandonedMessage, job.LeaseUntil.Format(time.RFC3339))
	}
	if _, err := s.repo.AppendErrorLog(ctx, storage.ErrorLog{
		JobID:       job.ID,
		JobName:     job.Name,
		ExecutionID: execID,
		Timestamp:   now,
		Kind:        executor.KindAbandoned,
		Message:     msg,
	}); err != nil {
		log.Warn("scheduler.abandoned_error_log_failed", logx.Err(err))
	}

	log.Warn("scheduler.execution_abandoned", logx.String("execution_id", execID))
	eventbus.Publish(s.bus, eventbus.TypeExecutionAbandoned, eventbus.ExecutionEvent{
		JobID: job.ID, JobName: job.Name, ExecutionID: execID, Status: string(storage.ExecFailed), Kind: executor.KindAbandoned,
	})
	return nil
}

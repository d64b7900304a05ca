package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"cronhub/internal/eventbus"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	logx "cronhub/pkg/logx"
)

// RunPass evaluates every job once. A pass started while another is still
// running returns immediately with Overlapped set.
func (s *Service) RunPass(ctx context.Context) PassReport {
	if !s.passing.CompareAndSwap(false, true) {
		s.log.Debug("scheduler.pass_overlap")
		return PassReport{At: s.clock.Now(), Overlapped: true}
	}
	defer s.passing.Store(false)

	now := s.clock.Now()
	mono := time.Now()
	rep := PassReport{At: now}

	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		rep.Err = errors.Wrap(err, "list jobs")
		s.warn.Do("list", func() { s.log.Warn("scheduler.list_failed", logx.Err(err)) })
		return s.record(rep, mono)
	}
	rep.Jobs = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !job.Status.Active() {
			continue
		}
		if job.Status == storage.StatusRunning {
			if s.leaseExpired(job, now) {
				if err := s.reconcile(ctx, job, now); err != nil {
					s.log.Error("scheduler.reconcile_failed", logx.String("job_id", job.ID), logx.Err(err))
				} else {
					rep.Reconciled++
				}
			}
			continue
		}
		if job.NextRun == nil {
			continue
		}
		if now.Before(*job.NextRun) {
			if rep.Soonest == nil || job.NextRun.Before(*rep.Soonest) {
				next := *job.NextRun
				rep.Soonest = &next
			}
			continue
		}

		rep.Due++
		switch err := s.dispatch(job); {
		case err == nil:
			rep.Dispatched++
		case errors.Is(err, engine.ErrOverlapSkip):
			rep.Skipped++
			s.log.Debug("scheduler.job_skipped", logx.String("job_id", job.ID))
			eventbus.Publish(s.bus, eventbus.TypeJobSkipped, eventbus.DispatchEvent{JobID: job.ID, Reason: "in_flight"})
		case engine.Deferred(err), errors.Is(err, engine.ErrStopped):
			rep.Deferred++
			reason := "saturated"
			if errors.Is(err, engine.ErrRateLimited) {
				reason = "rate_limited"
			} else if errors.Is(err, engine.ErrStopped) {
				reason = "stopped"
			}
			eventbus.Publish(s.bus, eventbus.TypeJobDeferred, eventbus.DispatchEvent{JobID: job.ID, Reason: reason})
		default:
			rep.Failed++
			s.log.Error("scheduler.dispatch_failed", logx.String("job_id", job.ID), logx.String("job", job.Name), logx.Err(err))
		}
	}

	if rep.Deferred > 0 {
		s.warn.Do("deferred", func() {
			s.log.Warn("scheduler.dispatch_deferred", logx.Int("deferred", rep.Deferred), logx.Int("due", rep.Due))
		})
	}
	return s.record(rep, mono)
}

// dispatch hands one job to the dispatcher. A panic here is turned into an
// error so the rest of the pass still runs.
func (s *Service) dispatch(job storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("dispatch panicked: %v", r)
			s.log.Error("scheduler.dispatch_panic", logx.String("job_id", job.ID), logx.Stack(string(debug.Stack())))
		}
	}()
	return s.disp.TryDispatch(engine.Task{
		Key:  job.ID,
		Name: job.Name,
		Run: func(ctx context.Context) error {
			s.exec.Execute(ctx, job)
			return nil
		},
	})
}

func (s *Service) record(rep PassReport, mono time.Time) PassReport {
	rep.Took = time.Since(mono)
	s.passes.Add(1)
	s.mu.Lock()
	last := rep
	s.last = &last
	s.mu.Unlock()

	if rep.Due > 0 || rep.Reconciled > 0 {
		s.log.Debug("scheduler.pass",
			logx.Int("jobs", rep.Jobs),
			logx.Int("due", rep.Due),
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("skipped", rep.Skipped),
			logx.Int("deferred", rep.Deferred),
			logx.Int("reconciled", rep.Reconciled),
			logx.Duration("took", rep.Took),
		)
	}
	eventbus.Publish(s.bus, eventbus.TypePassCompleted, eventbus.PassEvent{
		Due:        rep.Due,
		Dispatched: rep.Dispatched,
		Skipped:    rep.Skipped,
		Deferred:   rep.Deferred,
		Reconciled: rep.Reconciled,
		Took:       rep.Took,
	})
	return rep
}

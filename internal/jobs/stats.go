package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"cronhub/internal/storage"
)

func (s *Service) startOfDay(t time.Time) time.Time {
	loc := s.location()
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Dashboard summarizes jobs and today's executions in the service's location.
func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return Dashboard{}, errors.Wrap(err, "list jobs")
	}
	var d Dashboard
	var ok, total int64
	for _, j := range jobs {
		d.TotalJobs++
		if j.Status.Active() {
			d.ActiveJobs++
		}
		ok += j.SuccessCount
		total += j.SuccessCount + j.FailureCount
	}
	if total > 0 {
		d.SuccessRate = float64(ok) / float64(total) * 100
	}

	today := s.startOfDay(s.now())
	counts, err := s.repo.CountExecutions(ctx, today, today.AddDate(0, 0, 1))
	if err != nil {
		return Dashboard{}, errors.Wrap(err, "count executions")
	}
	d.SuccessToday = counts.Success
	d.FailedToday = counts.Failed
	return d, nil
}

// Trends returns one entry per day for the last days days, oldest first.
func (s *Service) Trends(ctx context.Context, days int) ([]DayTrend, error) {
	if days <= 0 {
		days = DefaultTrendDays
	}
	today := s.startOfDay(s.now())
	out := make([]DayTrend, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i)
		counts, err := s.repo.CountExecutions(ctx, day, day.AddDate(0, 0, 1))
		if err != nil {
			return nil, errors.Wrapf(err, "count executions for %s", day.Format(time.DateOnly))
		}
		out = append(out, DayTrend{Day: day, Success: counts.Success, Failed: counts.Failed})
	}
	return out, nil
}

// Distribution counts every stored execution by status.
func (s *Service) Distribution(ctx context.Context) (Distribution, error) {
	counts, err := s.repo.CountExecutions(ctx, time.Unix(0, 0), s.now().Add(24*time.Hour))
	if err != nil {
		return storage.ExecutionCounts{}, errors.Wrap(err, "count executions")
	}
	return counts, nil
}

package jobs

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"cronhub/internal/clock"
	"cronhub/internal/schedule"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/executor"
	logx "cronhub/pkg/logx"
)

// Runner executes a task on the caller's goroutine behind the per-job
// in-flight gate. engine.Service implements it.
type Runner interface {
	Run(ctx context.Context, t engine.Task) error
}

type Executor interface {
	ExecuteNow(ctx context.Context, job storage.Job) executor.Outcome
}

// Waker is told when a change may move a job's nextRun earlier.
type Waker interface {
	Wake()
}

type Option func(*Service)

func WithClock(c clock.Clock) Option         { return func(s *Service) { s.clock = c } }
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.SetLocation(loc) } }
func WithWaker(w Waker) Option               { return func(s *Service) { s.waker = w } }
func WithHistoryLimit(n int) Option          { return func(s *Service) { s.historyLimit = n } }
func WithRunner(r Runner, x Executor) Option { return func(s *Service) { s.runner, s.exec = r, x } }

// Service is the job-creation and edit path plus manual triggers and stats.
type Service struct {
	repo   storage.Repository
	runner Runner
	exec   Executor
	waker  Waker
	clock  clock.Clock
	loc    atomic.Pointer[time.Location]
	log    logx.Logger

	historyLimit int
}

func New(repo storage.Repository, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		repo:         repo,
		clock:        clock.System(),
		log:          log.With(logx.String("comp", "jobs")),
		historyLimit: DefaultHistoryLimit,
	}
	s.loc.Store(time.Local)
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// SetLocation changes the zone used for schedules and day boundaries.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc.Store(loc)
	}
}

func (s *Service) location() *time.Location { return s.loc.Load() }

func (s *Service) now() time.Time { return s.clock.Now().In(s.location()) }

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

// Create validates spec and stores the job. An enabled job is due at once.
func (s *Service) Create(ctx context.Context, spec Spec) (storage.Job, error) {
	spec = withDefaults(spec)
	if err := validate(spec); err != nil {
		return storage.Job{}, err
	}
	headers, err := executor.EncodeHeaders(spec.Headers)
	if err != nil {
		return storage.Job{}, invalid(errors.Wrap(err, "headers"))
	}

	now := s.now()
	job := storage.Job{
		Name:           strings.TrimSpace(spec.Name),
		URL:            strings.TrimSpace(spec.URL),
		Method:         spec.Method,
		Schedule:       spec.Schedule,
		Headers:        headers,
		Body:           spec.Body,
		TimeoutSeconds: spec.TimeoutSeconds,
		Status:         storage.StatusPaused,
	}
	if spec.Enabled {
		job.Status = storage.StatusIdle
		job.NextRun = &now
	}
	id, err := s.repo.CreateJob(ctx, job)
	if err != nil {
		return storage.Job{}, errors.Wrap(err, "create job")
	}
	s.log.Info("job.created", logx.String("job_id", id), logx.String("job", job.Name), logx.String("schedule", job.Schedule), logx.Bool("enabled", spec.Enabled))
	s.wake()
	return s.repo.GetJob(ctx, id)
}

func withDefaults(spec Spec) Spec {
	spec.Method = strings.ToUpper(strings.TrimSpace(spec.Method))
	if spec.Method == "" {
		spec.Method = DefaultMethod
	}
	spec.Schedule = strings.TrimSpace(spec.Schedule)
	if spec.Schedule == "" {
		spec.Schedule = DefaultSchedule
	}
	if spec.TimeoutSeconds == 0 {
		spec.TimeoutSeconds = DefaultTimeoutSeconds
	}
	return spec
}

var methods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

func validate(spec Spec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return invalidf("name is required")
	}
	if err := validateURL(spec.URL); err != nil {
		return err
	}
	if !methods[spec.Method] {
		return invalidf("unsupported method %q", spec.Method)
	}
	if _, err := schedule.Parse(spec.Schedule); err != nil {
		return invalid(err)
	}
	if spec.TimeoutSeconds < 1 {
		return invalidf("timeout must be at least 1 second, got %d", spec.TimeoutSeconds)
	}
	for k, v := range spec.Headers {
		if !executor.ValidHeaderName(k) {
			return invalidf("invalid header name %q", k)
		}
		if !executor.ValidHeaderValue(v) {
			return invalidf("header %q value contains control characters", k)
		}
	}
	return nil
}

func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalidf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(errors.Wrap(err, "url"))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidf("url must be an absolute http(s) URL: %q", raw)
	}
	return nil
}

// Edit applies patch. A schedule change on an active job recomputes nextRun from now.
func (s *Service) Edit(ctx context.Context, id string, patch Patch) (storage.Job, error) {
	cur, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	headers, err := executor.ParseHeaders(cur.Headers)
	if err != nil {
		// Stored headers that no longer parse are replaced only when the patch sets them.
		headers = nil
	}
	spec := Spec{
		Name:           cur.Name,
		URL:            cur.URL,
		Method:         cur.Method,
		Schedule:       cur.Schedule,
		Headers:        headers,
		Body:           cur.Body,
		TimeoutSeconds: cur.TimeoutSeconds,
	}
	upd := storage.JobUpdate{}
	if patch.Name != nil {
		spec.Name = *patch.Name
		name := strings.TrimSpace(*patch.Name)
		upd.Name = &name
	}
	if patch.URL != nil {
		spec.URL = *patch.URL
		u := strings.TrimSpace(*patch.URL)
		upd.URL = &u
	}
	if patch.Method != nil {
		spec.Method = *patch.Method
	}
	if patch.Schedule != nil {
		spec.Schedule = *patch.Schedule
	}
	if patch.Headers != nil {
		spec.Headers = *patch.Headers
	}
	if patch.Body != nil {
		spec.Body = *patch.Body
		upd.Body = patch.Body
	}
	if patch.TimeoutSeconds != nil {
		spec.TimeoutSeconds = *patch.TimeoutSeconds
		if spec.TimeoutSeconds == 0 {
			return storage.Job{}, invalidf("timeout must be at least 1 second, got 0")
		}
	}

	spec = withDefaults(spec)
	if err := validate(spec); err != nil {
		return storage.Job{}, err
	}
	if patch.Method != nil {
		upd.Method = &spec.Method
	}
	if patch.TimeoutSeconds != nil {
		upd.TimeoutSeconds = &spec.TimeoutSeconds
	}
	if patch.Headers != nil {
		enc, err := executor.EncodeHeaders(spec.Headers)
		if err != nil {
			return storage.Job{}, invalid(errors.Wrap(err, "headers"))
		}
		upd.Headers = &enc
	}
	rescheduled := false
	if patch.Schedule != nil && spec.Schedule != cur.Schedule {
		upd.Schedule = &spec.Schedule
		if cur.Status != storage.StatusPaused && !cur.PauseRequested {
			next, err := schedule.NextRun(spec.Schedule, s.now())
			if err != nil {
				return storage.Job{}, invalid(err)
			}
			upd.NextRun = &next
			rescheduled = true
		}
	}

	if upd == (storage.JobUpdate{}) {
		return cur, nil
	}
	if err := s.repo.UpdateJob(ctx, id, upd); err != nil {
		return storage.Job{}, errors.Wrap(err, "update job")
	}
	s.log.Info("job.edited", logx.String("job_id", id), logx.Bool("rescheduled", rescheduled))
	if rescheduled {
		s.wake()
	}
	return s.repo.GetJob(ctx, id)
}

// Pause stops scheduling the job. A running job finishes its execution first
// and then lands in paused.
func (s *Service) Pause(ctx context.Context, id string) (storage.Job, error) {
	cur, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	if cur.Status == storage.StatusPaused {
		return cur, nil
	}
	// The store picks between pausing now and pausing when the run ends.
	if err := s.repo.UpdateJob(ctx, id, storage.JobUpdate{RequestPause: true}); err != nil {
		return storage.Job{}, errors.Wrap(err, "pause job")
	}
	got, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	s.log.Info("job.paused", logx.String("job_id", id), logx.Bool("deferred", got.Status == storage.StatusRunning))
	return got, nil
}

// Resume reactivates a paused job at its next cron instant, or cancels a
// pending pause on a running one.
func (s *Service) Resume(ctx context.Context, id string) (storage.Job, error) {
	cur, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	no := false
	switch {
	case cur.Status == storage.StatusPaused:
		next, err := schedule.NextRun(cur.Schedule, s.now())
		if err != nil {
			return storage.Job{}, invalid(err)
		}
		idle := storage.StatusIdle
		err = s.repo.UpdateJob(ctx, id, storage.JobUpdate{Status: &idle, NextRun: &next, PauseRequested: &no})
		if err != nil {
			return storage.Job{}, errors.Wrap(err, "resume job")
		}
		s.wake()
	case cur.PauseRequested:
		if err := s.repo.UpdateJob(ctx, id, storage.JobUpdate{PauseRequested: &no}); err != nil {
			return storage.Job{}, errors.Wrap(err, "resume job")
		}
	default:
		return cur, nil
	}
	s.log.Info("job.resumed", logx.String("job_id", id))
	return s.repo.GetJob(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("job.deleted", logx.String("job_id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (storage.Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]storage.Job, error) {
	return s.repo.ListJobs(ctx)
}

// Trigger runs the job now and waits for the result. A paused job stays
// paused afterwards.
func (s *Service) Trigger(ctx context.Context, id string) (executor.Outcome, error) {
	if s.runner == nil || s.exec == nil {
		return executor.Outcome{}, errors.New("manual trigger is not available")
	}
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return executor.Outcome{}, err
	}
	var out executor.Outcome
	err = s.runner.Run(ctx, engine.Task{Key: job.ID, Name: job.Name, Run: func(ctx context.Context) error {
		out = s.exec.ExecuteNow(ctx, job)
		if out.Skipped {
			return errors.Wrapf(out.Err, "job %s is already running", job.ID)
		}
		if out.Status == "" && out.Err != nil {
			return out.Err
		}
		return nil
	}})
	if err != nil {
		return out, err
	}
	s.log.Info("job.triggered", logx.String("job_id", id), logx.String("status", string(out.Status)))
	return out, nil
}

// Executions lists the newest executions first. limit <= 0 uses the default.
func (s *Service) Executions(ctx context.Context, id string, limit int) ([]storage.Execution, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	return s.repo.ListExecutions(ctx, id, limit)
}

// Errors lists the newest error logs first; an empty id lists every job.
func (s *Service) Errors(ctx context.Context, id string) ([]storage.ErrorLog, error) {
	return s.repo.ListErrorLogs(ctx, id, MaxErrorLogs)
}

func (s *Service) DeleteError(ctx context.Context, id string) error {
	return s.repo.DeleteErrorLog(ctx, id)
}

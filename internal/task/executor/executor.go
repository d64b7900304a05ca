package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"cronhub/internal/clock"
	"cronhub/internal/eventbus"
	"cronhub/internal/schedule"
	"cronhub/internal/storage"
	logx "cronhub/pkg/logx"
)

type Config struct {
	// DefaultTimeout applies to jobs stored without a timeout.
	DefaultTimeout time.Duration
	UserAgent      string
	// MaxResponseChars caps the stored response body, in characters.
	MaxResponseChars int
	// StrictRequestConfig fails an attempt before the network call when the
	// job's headers or body are malformed, instead of sending best-effort.
	StrictRequestConfig bool
	// HistoryLimit keeps the newest N executions per job; 0 keeps all.
	HistoryLimit int
	// LeaseGrace is added to a job's timeout to form its running lease.
	LeaseGrace time.Duration
	// Location is used to evaluate schedules.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxResponseChars <= 0 {
		c.MaxResponseChars = 1000
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.UserAgent == "" {
		c.UserAgent = "cronhub/1"
	}
	return c
}

// Outcome summarizes one execute call.
type Outcome struct {
	ExecutionID    string
	Status         storage.ExecutionStatus
	ResponseStatus *int
	Duration       time.Duration
	// Err is the classified failure, nil on success.
	Err     error
	NextRun *time.Time
	// Skipped is set when the job was not claimed and nothing ran.
	Skipped bool
}

type Option func(*Executor)

func WithClock(c clock.Clock) Option           { return func(x *Executor) { x.clock = c } }
func WithHTTPClient(c *http.Client) Option     { return func(x *Executor) { x.client = c } }
func WithBus(b eventbus.Bus) Option            { return func(x *Executor) { x.bus = b } }
func WithSuccessFunc(fn func(int) bool) Option { return func(x *Executor) { x.isSuccess = fn } }

// Executor runs one job's HTTP call and records the result.
type Executor struct {
	repo      storage.Repository
	log       logx.Logger
	clock     clock.Clock
	client    *http.Client
	bus       eventbus.Bus
	isSuccess func(int) bool

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, repo storage.Repository, log logx.Logger, opts ...Option) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	x := &Executor{
		repo:      repo,
		log:       log,
		clock:     clock.System(),
		client:    &http.Client{},
		isSuccess: func(code int) bool { return code >= 200 && code < 300 },
		cfg:       cfg.withDefaults(),
	}
	for _, o := range opts {
		if o != nil {
			o(x)
		}
	}
	return x
}

// Apply swaps the config at runtime. In-flight executions keep the old one.
func (x *Executor) Apply(cfg Config) {
	x.mu.Lock()
	x.cfg = cfg.withDefaults()
	x.mu.Unlock()
}

func (x *Executor) config() Config {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cfg
}

// Execute performs the scheduled attempt for job as it was listed. The
// attempt is skipped, with Outcome.Skipped set, when the stored job has been
// paused, is already running, or its nextRun moved since the listing. Every
// execution-time failure is recovered here and turned into persisted
// Execution/ErrorLog records; the returned Outcome only reports what happened.
func (x *Executor) Execute(ctx context.Context, job storage.Job) Outcome {
	return x.execute(ctx, job, storage.Claim{DueAt: job.NextRun})
}

// ExecuteNow runs job immediately whatever its nextRun. A paused job runs
// once and lands back in paused.
func (x *Executor) ExecuteNow(ctx context.Context, job storage.Job) Outcome {
	return x.execute(ctx, job, storage.Claim{AllowPaused: true})
}

func (x *Executor) execute(ctx context.Context, listed storage.Job, claim storage.Claim) Outcome {
	cfg := x.config()
	log := x.log.With(logx.String("job_id", listed.ID), logx.String("job", listed.Name))

	started := x.clock.Now()
	mono := time.Now()

	claim.Lease = started.Add(jobTimeout(listed, cfg) + cfg.LeaseGrace)
	job, err := x.repo.ClaimJob(ctx, listed.ID, claim)
	if errors.Is(err, storage.ErrNotClaimable) {
		log.Info("execution.skipped", logx.String("reason", "job changed since it was scheduled"))
		return Outcome{Skipped: true, Err: errors.Wrap(err, "claim job")}
	}
	if err != nil {
		log.Warn("execution.mark_running_failed", logx.Err(err))
		return Outcome{Err: errors.Wrap(err, "mark job running")}
	}
	eventbus.Publish(x.bus, eventbus.TypeExecutionStarted, eventbus.ExecutionEvent{JobID: job.ID, JobName: job.Name})

	timeout := jobTimeout(job, cfg)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	res := x.attempt(runCtx, job, cfg, timeout, log)
	cancel()

	elapsed := time.Since(mono)
	ended := started.Add(elapsed)
	return x.finish(ctx, job, cfg, res, started, ended, log)
}

func jobTimeout(job storage.Job, cfg Config) time.Duration {
	if t := job.Timeout(); t > 0 {
		return t
	}
	return cfg.DefaultTimeout
}

type attemptResult struct {
	code   *int
	body   string
	err    error
	notes  []*ConfigurationError
	logMsg string
}

func (x *Executor) attempt(runCtx context.Context, job storage.Job, cfg Config, timeout time.Duration, log logx.Logger) attemptResult {
	req, notes, err := buildRequest(runCtx, job, cfg.UserAgent)
	for _, n := range notes {
		log.Warn("execution.configuration", logx.String("field", n.Field), logx.Err(n.Err))
	}
	if err != nil {
		return attemptResult{err: err, notes: notes, logMsg: "request could not be built: " + err.Error()}
	}
	if cfg.StrictRequestConfig && len(notes) > 0 {
		return attemptResult{err: notes[0], notes: notes, logMsg: "rejected before sending: " + notes[0].Error()}
	}

	resp, err := x.client.Do(req)
	if err != nil {
		cerr := classify(err, runCtx, timeout)
		msg := cerr.Error()
		if KindOf(cerr) == KindTimeout {
			msg = fmt.Sprintf("timed out after %s (job timeout)", timeout)
		}
		return attemptResult{err: cerr, notes: notes, logMsg: msg}
	}
	defer resp.Body.Close()

	body, rerr := readLimited(resp.Body, cfg.MaxResponseChars)
	code := resp.StatusCode
	if rerr != nil {
		if cerr := classify(rerr, runCtx, timeout); KindOf(cerr) == KindTimeout {
			return attemptResult{code: nil, err: cerr, notes: notes,
				logMsg: fmt.Sprintf("timed out after %s reading the response (job timeout)", timeout)}
		}
		log.Debug("execution.body_read_failed", logx.Err(rerr))
	}

	if !x.isSuccess(code) {
		return attemptResult{code: &code, body: body, notes: notes,
			err:    &HTTPStatusError{StatusCode: code, Status: resp.Status},
			logMsg: "HTTP " + statusText(resp)}
	}
	return attemptResult{code: &code, body: body, notes: notes, logMsg: "HTTP " + statusText(resp)}
}

func (x *Executor) finish(ctx context.Context, job storage.Job, cfg Config, res attemptResult, started, ended time.Time, log logx.Logger) Outcome {
	// The outcome is persisted even if the caller is shutting down.
	ctx = context.WithoutCancel(ctx)
	status := storage.ExecSuccess
	if res.err != nil {
		status = storage.ExecFailed
	}
	duration := ended.Sub(started)

	var logs strings.Builder
	logs.WriteString(res.logMsg)
	fmt.Fprintf(&logs, " in %dms", duration.Milliseconds())
	for _, n := range res.notes {
		logs.WriteString("\nnote: ")
		logs.WriteString(n.Error())
	}

	exec := storage.Execution{
		JobID:          job.ID,
		JobName:        job.Name,
		StartTime:      started,
		EndTime:        &ended,
		Status:         status,
		DurationMS:     duration.Milliseconds(),
		Logs:           logs.String(),
		ResponseStatus: res.code,
		ResponseBody:   res.body,
	}
	execID, err := x.repo.AppendExecution(ctx, exec)
	if err != nil {
		log.Error("execution.persist_failed", logx.Err(err))
	}

	kind := ""
	if res.err != nil {
		kind = KindOf(res.err)
		_, lerr := x.repo.AppendErrorLog(ctx, storage.ErrorLog{
			JobID:          job.ID,
			JobName:        job.Name,
			ExecutionID:    execID,
			Timestamp:      ended,
			Kind:           kind,
			Message:        res.err.Error(),
			Detail:         fmt.Sprintf("%+v", res.err),
			ResponseStatus: res.code,
		})
		if lerr != nil {
			log.Error("execution.error_log_failed", logx.Err(lerr))
		}
	}

	out := Outcome{ExecutionID: execID, Status: status, ResponseStatus: res.code, Duration: duration, Err: res.err}
	jobStatus := storage.StatusSuccess
	if status == storage.ExecFailed {
		jobStatus = storage.StatusFailed
	}
	upd := storage.JobUpdate{FinishRun: true, Status: &jobStatus, ClearLease: true}
	// The schedule may have been edited while the request was in flight.
	expr := job.Schedule
	if cur, err := x.repo.GetJob(ctx, job.ID); err == nil {
		expr = cur.Schedule
	}
	if next, serr := schedule.NextRun(expr, ended.In(cfg.Location)); serr != nil {
		log.Error("execution.next_run_failed", logx.String("schedule", expr), logx.Err(serr))
		_, _ = x.repo.AppendErrorLog(ctx, storage.ErrorLog{
			JobID: job.ID, JobName: job.Name, ExecutionID: execID, Timestamp: ended,
			Kind: KindSchedule, Message: serr.Error(),
		})
	} else {
		upd.NextRun = &next
		out.NextRun = &next
	}
	if err := x.repo.UpdateJob(ctx, job.ID, upd); err != nil {
		log.Error("execution.finish_failed", logx.Err(err))
	}

	if cfg.HistoryLimit > 0 && execID != "" {
		if n, err := x.repo.PruneExecutions(ctx, job.ID, cfg.HistoryLimit); err != nil {
			log.Warn("execution.prune_failed", logx.Err(err))
		} else if n > 0 {
			log.Debug("execution.pruned", logx.Int64("removed", n))
		}
	}

	if res.err != nil {
		log.Warn("execution.failed",
			logx.String("kind", kind),
			logx.Duration("took", duration),
			logx.Err(res.err),
		)
	} else {
		log.Info("execution.completed", logx.Int("status", *res.code), logx.Duration("took", duration))
	}
	eventbus.Publish(x.bus, eventbus.TypeExecutionFinished, eventbus.ExecutionEvent{
		JobID: job.ID, JobName: job.Name, ExecutionID: execID, Status: string(status), Kind: kind, Duration: duration,
	})
	return out
}

// readLimited reads at most maxChars characters of the body.
func readLimited(r io.Reader, maxChars int) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(maxChars)*utf8.UTFMax))
	return truncateChars(string(b), maxChars), err
}

func truncateChars(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}

func statusText(resp *http.Response) string {
	if resp.Status != "" {
		return resp.Status
	}
	return fmt.Sprintf("%d", resp.StatusCode)
}

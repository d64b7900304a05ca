package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronhub/internal/clock"
	"cronhub/internal/schedule"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/executor"
	logx "cronhub/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

type fixture struct {
	svc   *Service
	repo  storage.Repository
	eng   *engine.Service
	clock *clock.Fake
	waker *countingWaker
	url   string
	hits  atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: storage.NewMemory(), clock: clock.NewFake(t0), waker: &countingWaker{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	f.url = srv.URL

	f.eng = engine.New(engine.Config{MaxConcurrent: 2}, logx.Nop())
	x := executor.New(executor.Config{Location: time.UTC}, f.repo, logx.Nop(), executor.WithClock(f.clock))
	f.svc = New(f.repo, logx.Nop(),
		WithClock(f.clock),
		WithLocation(time.UTC),
		WithWaker(f.waker),
		WithRunner(f.eng, x),
	)
	return f
}

func (f *fixture) create(t *testing.T, spec Spec) storage.Job {
	t.Helper()
	if spec.Name == "" {
		spec.Name = "ping"
	}
	if spec.URL == "" {
		spec.URL = f.url
	}
	j, err := f.svc.Create(context.Background(), spec)
	require.NoError(t, err)
	return j
}

func ptr[T any](v T) *T { return &v }

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	j := f.create(t, Spec{Name: "  ping  ", Enabled: true})

	assert.Equal(t, "ping", j.Name)
	assert.Equal(t, DefaultMethod, j.Method)
	assert.Equal(t, DefaultSchedule, j.Schedule)
	assert.Equal(t, DefaultTimeoutSeconds, j.TimeoutSeconds)
	assert.Equal(t, storage.StatusIdle, j.Status)
	require.NotNil(t, j.NextRun)
	assert.True(t, j.NextRun.Equal(t0))
	assert.Equal(t, int32(1), f.waker.n.Load())
}

func TestCreateDisabledIsPaused(t *testing.T) {
	f := newFixture(t)
	j := f.create(t, Spec{Method: "post", Headers: map[string]string{"X-Token": "abc"}})

	assert.Equal(t, storage.StatusPaused, j.Status)
	assert.Nil(t, j.NextRun)
	assert.Equal(t, "POST", j.Method)
	assert.JSONEq(t, `{"X-Token":"abc"}`, j.Headers)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]Spec{
		"no name":      {URL: "http://example.com"},
		"no url":       {Name: "x"},
		"relative url": {Name: "x", URL: "/hook"},
		"ftp url":      {Name: "x", URL: "ftp://example.com"},
		"bad method":   {Name: "x", URL: "http://example.com", Method: "TRACE"},
		"bad schedule": {Name: "x", URL: "http://example.com", Schedule: "61 * * * *"},
		"bad timeout":  {Name: "x", URL: "http://example.com", TimeoutSeconds: -5},
		"bad header":   {Name: "x", URL: "http://example.com", Headers: map[string]string{"Bad Header": "v"}},
		"bad value":    {Name: "x", URL: "http://example.com", Headers: map[string]string{"X-A": "v\r\nX-B: 1"}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), spec)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}

	_, err := f.svc.Create(context.Background(), Spec{Name: "x", URL: "http://example.com", Schedule: "* *"})
	var se *schedule.InvalidScheduleError
	assert.True(t, errors.As(err, &se))

	jobs, err := f.svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestEditRecomputesNextRunOnScheduleChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{Enabled: true})
	wakes := f.waker.n.Load()

	got, err := f.svc.Edit(ctx, j.ID, Patch{Name: ptr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.True(t, got.NextRun.Equal(t0))
	assert.Equal(t, wakes, f.waker.n.Load())

	f.clock.Advance(90 * time.Second)
	got, err = f.svc.Edit(ctx, j.ID, Patch{Schedule: ptr("*/5 * * * *")})
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.Schedule)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(t0.Add(5*time.Minute)))
	assert.Equal(t, wakes+1, f.waker.n.Load())
}

func TestEditRejectsInvalidPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{Enabled: true})

	_, err := f.svc.Edit(ctx, j.ID, Patch{Schedule: ptr("*/0 * * * *")})
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = f.svc.Edit(ctx, j.ID, Patch{TimeoutSeconds: ptr(0)})
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = f.svc.Edit(ctx, "missing", Patch{Name: ptr("x")})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := f.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, got.Schedule)
}

func TestEditPausedJobKeepsNextRunCleared(t *testing.T) {
	f := newFixture(t)
	j := f.create(t, Spec{})
	got, err := f.svc.Edit(context.Background(), j.ID, Patch{
		Schedule: ptr("*/5 * * * *"),
		Headers:  &map[string]string{},
		Body:     ptr(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)
	assert.Empty(t, got.Headers)
	assert.Equal(t, `{"a":1}`, got.Body)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{Enabled: true})

	got, err := f.svc.Pause(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)

	got, err = f.svc.Resume(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusIdle, got.Status)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(t0.Add(time.Hour)))
}

func TestPauseRunningJobIsDeferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{Enabled: true})
	running := storage.StatusRunning
	require.NoError(t, f.repo.UpdateJob(ctx, j.ID, storage.JobUpdate{Status: &running}))

	got, err := f.svc.Pause(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, got.Status)
	assert.True(t, got.PauseRequested)

	got, err = f.svc.Resume(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, got.PauseRequested)

	_, err = f.svc.Pause(ctx, j.ID)
	require.NoError(t, err)
	success := storage.StatusSuccess
	require.NoError(t, f.repo.UpdateJob(ctx, j.ID, storage.JobUpdate{FinishRun: true, Status: &success, NextRun: ptr(t0.Add(time.Hour))}))
	got, err = f.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
}

func TestTriggerRunsSynchronously(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{Enabled: true})

	out, err := f.svc.Trigger(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecSuccess, out.Status)
	assert.Equal(t, int32(1), f.hits.Load())

	execs, err := f.svc.Executions(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, out.ExecutionID, execs[0].ID)

	got, err := f.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, got.Status)
	assert.Equal(t, int64(1), got.SuccessCount)
}

func TestTriggerKeepsPausedJobPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{})

	_, err := f.svc.Trigger(ctx, j.ID)
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
	assert.False(t, got.PauseRequested)
	assert.Equal(t, int64(1), got.SuccessCount)
}

func TestTriggerSkipsJobInFlight(t *testing.T) {
	f := newFixture(t)
	j := f.create(t, Spec{Enabled: true})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, f.eng.TryDispatch(engine.Task{Key: j.ID, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	defer close(release)

	_, err := f.svc.Trigger(context.Background(), j.ID)
	assert.ErrorIs(t, err, engine.ErrOverlapSkip)
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestTriggerRefusesJobRunningInAnotherProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{Enabled: true})
	running := storage.StatusRunning
	require.NoError(t, f.repo.UpdateJob(ctx, j.ID, storage.JobUpdate{Status: &running, LeaseUntil: ptr(t0.Add(time.Minute))}))

	_, err := f.svc.Trigger(ctx, j.ID)
	assert.ErrorIs(t, err, storage.ErrNotClaimable)
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestPauseBeforeScheduledRunIsKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{Enabled: true})
	require.NotNil(t, j.NextRun)

	_, err := f.svc.Pause(ctx, j.ID)
	require.NoError(t, err)

	x := executor.New(executor.Config{Location: time.UTC}, f.repo, logx.Nop(), executor.WithClock(f.clock))
	out := x.Execute(ctx, j)
	assert.True(t, out.Skipped)
	assert.Equal(t, int32(0), f.hits.Load())

	got, err := f.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, Spec{Name: "a", Enabled: true})
	f.create(t, Spec{Name: "b"})

	add := func(start time.Time, status storage.ExecutionStatus) {
		_, err := f.repo.AppendExecution(ctx, storage.Execution{JobID: a.ID, JobName: a.Name, StartTime: start, EndTime: &start, Status: status})
		require.NoError(t, err)
	}
	add(t0.Add(-time.Hour), storage.ExecSuccess)
	add(t0.Add(-2*time.Hour), storage.ExecSuccess)
	add(t0.Add(-3*time.Hour), storage.ExecFailed)
	add(t0.AddDate(0, 0, -1), storage.ExecFailed)
	add(t0.AddDate(0, 0, -30), storage.ExecSuccess)

	d, err := f.svc.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.TotalJobs)
	assert.Equal(t, 1, d.ActiveJobs)
	assert.Equal(t, int64(2), d.SuccessToday)
	assert.Equal(t, int64(1), d.FailedToday)
	assert.InDelta(t, 60.0, d.SuccessRate, 0.001)

	trends, err := f.svc.Trends(ctx, 3)
	require.NoError(t, err)
	require.Len(t, trends, 3)
	assert.True(t, trends[0].Day.Equal(time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, DayTrend{Day: trends[1].Day, Success: 0, Failed: 1}, trends[1])
	assert.Equal(t, int64(2), trends[2].Success)

	dist, err := f.svc.Distribution(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), dist.Success)
	assert.Equal(t, int64(2), dist.Failed)
}

func TestErrorLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.create(t, Spec{Enabled: true})
	id, err := f.repo.AppendErrorLog(ctx, storage.ErrorLog{JobID: j.ID, JobName: j.Name, Timestamp: t0, Kind: "timeout", Message: "slow"})
	require.NoError(t, err)

	logs, err := f.svc.Errors(ctx, "")
	require.NoError(t, err)
	require.Len(t, logs, 1)

	require.NoError(t, f.svc.DeleteError(ctx, id))
	logs, err = f.svc.Errors(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)

	require.NoError(t, f.svc.Delete(ctx, j.ID))
	_, err = f.svc.Get(ctx, j.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

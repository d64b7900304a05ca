package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronhub/internal/clock"
	"cronhub/internal/eventbus"
	"cronhub/internal/storage"
	logx "cronhub/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo storage.Repository
	exec *Executor
	bus  eventbus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cfg.Location = time.UTC
	repo := storage.NewMemory()
	bus := eventbus.New()
	x := New(cfg, repo, logx.Nop(), WithClock(clock.NewFake(t0)), WithBus(bus))
	return &fixture{repo: repo, exec: x, bus: bus}
}

func (f *fixture) addJob(t *testing.T, j storage.Job) storage.Job {
	t.Helper()
	if j.Name == "" {
		j.Name = "hook"
	}
	if j.Method == "" {
		j.Method = http.MethodPost
	}
	if j.Schedule == "" {
		j.Schedule = "*/5 * * * *"
	}
	if j.TimeoutSeconds == 0 {
		j.TimeoutSeconds = 5
	}
	j.Status = storage.StatusIdle
	id, err := f.repo.CreateJob(context.Background(), j)
	require.NoError(t, err)
	got, err := f.repo.GetJob(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (f *fixture) state(t *testing.T, id string) (storage.Job, []storage.Execution, []storage.ErrorLog) {
	t.Helper()
	ctx := context.Background()
	j, err := f.repo.GetJob(ctx, id)
	require.NoError(t, err)
	execs, err := f.repo.ListExecutions(ctx, id, 0)
	require.NoError(t, err)
	logs, err := f.repo.ListErrorLogs(ctx, id, 0)
	require.NoError(t, err)
	return j, execs, logs
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	var (
		f          = newFixture(t, Config{})
		jobID      atomic.Value
		sawRunning atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := jobID.Load().(string); ok {
			j, err := f.repo.GetJob(r.Context(), id)
			sawRunning.Store(err == nil && j.Status == storage.StatusRunning && j.LeaseUntil != nil)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	job := f.addJob(t, storage.Job{URL: srv.URL, Body: `{"ping":1}`})
	jobID.Store(job.ID)
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	out := f.exec.Execute(context.Background(), job)
	require.NoError(t, out.Err)
	assert.Equal(t, storage.ExecSuccess, out.Status)
	assert.True(t, sawRunning.Load(), "job should read as running while the request is in flight")

	got, execs, logs := f.state(t, job.ID)
	require.Len(t, execs, 1)
	assert.Empty(t, logs)
	assert.Equal(t, storage.StatusSuccess, got.Status)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 0, got.FailureCount)
	assert.Nil(t, got.LeaseUntil)

	e := execs[0]
	require.NotNil(t, e.ResponseStatus)
	assert.Equal(t, 200, *e.ResponseStatus)
	assert.Equal(t, `{"ok":true}`, e.ResponseBody)
	require.NotNil(t, e.EndTime)
	assert.Equal(t, e.EndTime.Sub(e.StartTime).Milliseconds(), e.DurationMS)

	require.NotNil(t, got.NextRun)
	require.NotNil(t, got.LastRun)
	assert.True(t, got.NextRun.Equal(time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)))
	assert.True(t, got.NextRun.After(*got.LastRun))

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v, want started and finished", types)
		}
	}
	assert.Equal(t, []string{eventbus.TypeExecutionStarted, eventbus.TypeExecutionFinished}, types)
}

func TestExecuteHTTPFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	job := f.addJob(t, storage.Job{URL: srv.URL})
	out := f.exec.Execute(context.Background(), job)

	var hse *HTTPStatusError
	require.ErrorAs(t, out.Err, &hse)
	assert.Equal(t, 503, hse.StatusCode)

	got, execs, logs := f.state(t, job.ID)
	require.Len(t, execs, 1)
	require.Len(t, logs, 1)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.EqualValues(t, 1, got.FailureCount)
	assert.Equal(t, storage.ExecFailed, execs[0].Status)
	assert.Contains(t, execs[0].ResponseBody, "down for maintenance")
	assert.Equal(t, KindHTTPStatus, logs[0].Kind)
	require.NotNil(t, logs[0].ResponseStatus)
	assert.Equal(t, 503, *logs[0].ResponseStatus)
	assert.Equal(t, execs[0].ID, logs[0].ExecutionID)
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	job := f.addJob(t, storage.Job{URL: srv.URL, TimeoutSeconds: 1})
	out := f.exec.Execute(context.Background(), job)

	var te *TimeoutError
	require.ErrorAs(t, out.Err, &te)
	assert.Equal(t, time.Second, te.Timeout)
	assert.Nil(t, out.ResponseStatus)

	got, execs, logs := f.state(t, job.ID)
	require.Len(t, execs, 1)
	require.Len(t, logs, 1)
	assert.Equal(t, storage.ExecFailed, execs[0].Status)
	assert.Nil(t, execs[0].ResponseStatus)
	assert.Contains(t, execs[0].Logs, "1s")
	assert.Equal(t, KindTimeout, logs[0].Kind)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.EqualValues(t, 1, got.FailureCount)
}

func TestExecuteTransportFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	job := f.addJob(t, storage.Job{URL: url})
	out := f.exec.Execute(context.Background(), job)

	var tre *TransportError
	require.ErrorAs(t, out.Err, &tre)

	_, execs, logs := f.state(t, job.ID)
	require.Len(t, execs, 1)
	require.Len(t, logs, 1)
	assert.Nil(t, execs[0].ResponseStatus)
	assert.Equal(t, KindNetwork, logs[0].Kind)
	assert.NotEmpty(t, logs[0].Detail)
}

func TestExecuteHeadersAndBody(t *testing.T) {
	t.Parallel()

	type seen struct {
		method, contentType, token, body string
	}
	got := make(chan seen, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.Header.Get("Content-Type"), r.Header.Get("X-Token"), string(b)}
	}))
	defer srv.Close()

	f := newFixture(t, Config{})

	post := f.addJob(t, storage.Job{URL: srv.URL, Headers: `{"X-Token":"abc"}`, Body: `{"a":1}`})
	require.NoError(t, f.exec.Execute(context.Background(), post).Err)
	s := <-got
	assert.Equal(t, seen{"POST", "application/json", "abc", `{"a":1}`}, s)

	get := f.addJob(t, storage.Job{URL: srv.URL, Method: http.MethodGet, Headers: `{"Content-Type":"text/plain"}`, Body: "ignored"})
	require.NoError(t, f.exec.Execute(context.Background(), get).Err)
	s = <-got
	assert.Equal(t, seen{"GET", "text/plain", "", ""}, s)
}

func TestExecuteMalformedRequestConfig(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	t.Run("best effort", func(t *testing.T) {
		f := newFixture(t, Config{})
		job := f.addJob(t, storage.Job{URL: srv.URL, Headers: `{not json`, Body: `also not json`})
		out := f.exec.Execute(context.Background(), job)
		require.NoError(t, out.Err)

		_, execs, logs := f.state(t, job.ID)
		require.Len(t, execs, 1)
		assert.Empty(t, logs)
		assert.Contains(t, execs[0].Logs, "note: configuration: headers")
		assert.Contains(t, execs[0].Logs, "note: configuration: body")
	})

	t.Run("strict", func(t *testing.T) {
		before := hits.Load()
		f := newFixture(t, Config{StrictRequestConfig: true})
		job := f.addJob(t, storage.Job{URL: srv.URL, Headers: `{not json`})
		out := f.exec.Execute(context.Background(), job)

		var ce *ConfigurationError
		require.ErrorAs(t, out.Err, &ce)
		assert.Equal(t, before, hits.Load(), "no request should be sent")

		_, execs, logs := f.state(t, job.ID)
		require.Len(t, execs, 1)
		require.Len(t, logs, 1)
		assert.Equal(t, KindConfiguration, logs[0].Kind)
	})

	t.Run("unbuildable", func(t *testing.T) {
		f := newFixture(t, Config{})
		job := f.addJob(t, storage.Job{URL: "ftp://example.test/file"})
		out := f.exec.Execute(context.Background(), job)
		assert.Equal(t, KindConfiguration, KindOf(out.Err))
	})
}

func TestExecuteTruncatesResponseByCharacters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("é", 1500))
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	job := f.addJob(t, storage.Job{URL: srv.URL})
	require.NoError(t, f.exec.Execute(context.Background(), job).Err)

	_, execs, _ := f.state(t, job.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, strings.Repeat("é", 1000), execs[0].ResponseBody)
}

func TestExecuteHonorsPauseRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := newFixture(t, Config{})
	job := f.addJob(t, storage.Job{URL: srv.URL})
	yes := true
	require.NoError(t, f.repo.UpdateJob(context.Background(), job.ID, storage.JobUpdate{PauseRequested: &yes}))

	require.NoError(t, f.exec.Execute(context.Background(), job).Err)
	got, _, _ := f.state(t, job.ID)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
	assert.EqualValues(t, 1, got.SuccessCount)
}

func TestExecuteSkipsJobPausedAfterListing(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	f := newFixture(t, Config{})
	listed := f.addJob(t, storage.Job{URL: srv.URL, NextRun: &t0})
	require.NoError(t, f.repo.UpdateJob(context.Background(), listed.ID, storage.JobUpdate{RequestPause: true}))

	out := f.exec.Execute(context.Background(), listed)
	assert.True(t, out.Skipped)
	assert.ErrorIs(t, out.Err, storage.ErrNotClaimable)
	assert.Equal(t, int32(0), hits.Load())

	got, execs, _ := f.state(t, listed.ID)
	assert.Empty(t, execs)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
	assert.Nil(t, got.LeaseUntil)
}

func TestExecuteSkipsWhenNextRunMoved(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	f := newFixture(t, Config{})
	listed := f.addJob(t, storage.Job{URL: srv.URL, NextRun: &t0})
	later := t0.Add(5 * time.Minute)
	require.NoError(t, f.repo.UpdateJob(context.Background(), listed.ID, storage.JobUpdate{NextRun: &later}))

	out := f.exec.Execute(context.Background(), listed)
	assert.True(t, out.Skipped)
	assert.Equal(t, int32(0), hits.Load())

	got, _, _ := f.state(t, listed.ID)
	assert.Equal(t, storage.StatusIdle, got.Status)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(later))
}

func TestExecuteReadsScheduleEditedDuringRun(t *testing.T) {
	t.Parallel()

	var (
		f     = newFixture(t, Config{})
		jobID atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		daily := "0 3 * * *"
		_ = f.repo.UpdateJob(r.Context(), jobID.Load().(string), storage.JobUpdate{Schedule: &daily})
	}))
	defer srv.Close()

	listed := f.addJob(t, storage.Job{URL: srv.URL, NextRun: &t0})
	jobID.Store(listed.ID)

	out := f.exec.Execute(context.Background(), listed)
	require.NoError(t, out.Err)

	got, _, _ := f.state(t, listed.ID)
	assert.Equal(t, "0 3 * * *", got.Schedule)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC)), "next run %s", got.NextRun)
}

func TestExecutePauseDuringRunLandsPaused(t *testing.T) {
	t.Parallel()

	var (
		f     = newFixture(t, Config{})
		jobID atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = f.repo.UpdateJob(r.Context(), jobID.Load().(string), storage.JobUpdate{RequestPause: true})
	}))
	defer srv.Close()

	listed := f.addJob(t, storage.Job{URL: srv.URL, NextRun: &t0})
	jobID.Store(listed.ID)
	require.NoError(t, f.exec.Execute(context.Background(), listed).Err)

	got, execs, _ := f.state(t, listed.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
	assert.False(t, got.PauseRequested)
}

func TestExecuteNowRunsPausedJobOnce(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := newFixture(t, Config{})
	job := f.addJob(t, storage.Job{URL: srv.URL})
	require.NoError(t, f.repo.UpdateJob(context.Background(), job.ID, storage.JobUpdate{RequestPause: true}))
	paused, _, _ := f.state(t, job.ID)

	assert.True(t, f.exec.Execute(context.Background(), paused).Skipped)
	require.NoError(t, f.exec.ExecuteNow(context.Background(), paused).Err)

	got, execs, _ := f.state(t, job.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
}

func TestExecutePrunesHistory(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := newFixture(t, Config{HistoryLimit: 2})
	job := f.addJob(t, storage.Job{URL: srv.URL})
	for i := 0; i < 4; i++ {
		require.NoError(t, f.exec.Execute(context.Background(), job).Err)
	}
	got, execs, _ := f.state(t, job.ID)
	assert.Len(t, execs, 2)
	assert.EqualValues(t, 4, got.SuccessCount)
}

func TestExecuteMissingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	out := f.exec.Execute(context.Background(), storage.Job{ID: "ghost", URL: "http://127.0.0.1:1", Schedule: "* * * * *"})
	assert.ErrorIs(t, out.Err, storage.ErrNotFound)
	assert.Empty(t, out.ExecutionID)
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	h, err := ParseHeaders(`{"A":"x","N":5,"B":true}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "x", "N": "5", "B": "true"}, h)

	h, err = ParseHeaders("  ")
	require.NoError(t, err)
	assert.Nil(t, h)

	_, err = ParseHeaders(`["not","an","object"]`)
	assert.Error(t, err)

	enc, err := EncodeHeaders(map[string]string{"X-Token": "abc"})
	require.NoError(t, err)
	assert.Equal(t, `{"X-Token":"abc"}`, enc)

	assert.True(t, ValidHeaderName("X-Request-Id"))
	assert.False(t, ValidHeaderName("Bad Header"))
	assert.False(t, ValidHeaderName(""))
	assert.True(t, ValidHeaderValue("Bearer abc"))
	assert.False(t, ValidHeaderValue("abc\r\nX-Injected: 1"))
}

func TestExecuteDropsHeaderWithControlCharacters(t *testing.T) {
	t.Parallel()

	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	job := f.addJob(t, storage.Job{URL: srv.URL, Headers: `{"X-Ok":"yes","X-Bad":"a\u0000b"}`})
	require.NoError(t, f.exec.Execute(context.Background(), job).Err)

	h := <-got
	assert.Equal(t, "yes", h.Get("X-Ok"))
	assert.Empty(t, h.Get("X-Bad"))
	_, execs, _ := f.state(t, job.ID)
	require.Len(t, execs, 1)
	assert.Contains(t, execs[0].Logs, `header "X-Bad" value contains control characters`)
}

package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cronhub/pkg/logx"
)

type repoFactory func(t *testing.T) Repository

func repoFactories() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T) Repository { return NewMemory() },
		"sqlite": func(t *testing.T) Repository {
			repo, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cronhub.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
	}
}

// ms keeps test instants on millisecond boundaries, the resolution SQL drivers persist.
func ms(t time.Time) time.Time { return t.Truncate(time.Millisecond) }

func newJob(name string) Job {
	next := ms(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	return Job{
		Name:           name,
		URL:            "https://example.test/hook",
		Method:         "POST",
		Schedule:       "*/5 * * * *",
		Headers:        `{"X-Token":"abc"}`,
		Body:           `{"ping":true}`,
		TimeoutSeconds: 30,
		Status:         StatusIdle,
		NextRun:        &next,
	}
}

func TestRepositoryContract(t *testing.T) {
	for name, factory := range repoFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("job crud", func(t *testing.T) { testJobCRUD(t, factory(t)) })
			t.Run("finish run", func(t *testing.T) { testFinishRun(t, factory(t)) })
			t.Run("claim job", func(t *testing.T) { testClaimJob(t, factory(t)) })
			t.Run("request pause", func(t *testing.T) { testRequestPause(t, factory(t)) })
			t.Run("append execution bumps counters", func(t *testing.T) { testAppendExecution(t, factory(t)) })
			t.Run("concurrent appends", func(t *testing.T) { testConcurrentAppends(t, factory(t)) })
			t.Run("list prune count", func(t *testing.T) { testListPruneCount(t, factory(t)) })
			t.Run("error logs", func(t *testing.T) { testErrorLogs(t, factory(t)) })
			t.Run("delete cascades", func(t *testing.T) { testDeleteCascade(t, factory(t)) })
		})
	}
}

func testJobCRUD(t *testing.T, repo Repository) {
	ctx := context.Background()

	id, err := repo.CreateJob(ctx, newJob("alpha"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, `{"X-Token":"abc"}`, got.Headers)
	assert.Equal(t, StatusIdle, got.Status)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	assert.Nil(t, got.LastRun)

	name := "renamed"
	timeout := 60
	require.NoError(t, repo.UpdateJob(ctx, id, JobUpdate{Name: &name, TimeoutSeconds: &timeout, ClearNextRun: true}))
	got, err = repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 60, got.TimeoutSeconds)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, "POST", got.Method, "untouched fields survive a partial update")

	_, err = repo.CreateJob(ctx, newJob("beta"))
	require.NoError(t, err)
	jobs, err := repo.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	_, err = repo.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.UpdateJob(ctx, "missing", JobUpdate{Name: &name}), ErrNotFound)

	assert.ErrorIs(t, repo.UpdateJob(ctx, id, JobUpdate{FinishRun: true}), ErrInvalidUpdate)
	unknown := JobStatus("sleeping")
	assert.ErrorIs(t, repo.UpdateJob(ctx, id, JobUpdate{Status: &unknown}), ErrInvalidUpdate)
}

func testFinishRun(t *testing.T, repo Repository) {
	ctx := context.Background()
	next := ms(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC))
	lease := ms(time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC))
	running := StatusRunning
	success := StatusSuccess

	plain, err := repo.CreateJob(ctx, newJob("plain"))
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJob(ctx, plain, JobUpdate{Status: &running, LeaseUntil: &lease}))
	require.NoError(t, repo.UpdateJob(ctx, plain, JobUpdate{FinishRun: true, Status: &success, NextRun: &next, ClearLease: true}))

	got, err := repo.GetJob(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))
	assert.Nil(t, got.LeaseUntil)

	paused, err := repo.CreateJob(ctx, newJob("pause-requested"))
	require.NoError(t, err)
	yes := true
	require.NoError(t, repo.UpdateJob(ctx, paused, JobUpdate{Status: &running, PauseRequested: &yes}))
	require.NoError(t, repo.UpdateJob(ctx, paused, JobUpdate{FinishRun: true, Status: &success, NextRun: &next}))

	got, err = repo.GetJob(ctx, paused)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
	assert.False(t, got.PauseRequested)
}

func testClaimJob(t *testing.T, repo Repository) {
	ctx := context.Background()
	id, err := repo.CreateJob(ctx, newJob("claim"))
	require.NoError(t, err)
	listed, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	lease := ms(time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC))

	later := listed.NextRun.Add(5 * time.Minute)
	_, err = repo.ClaimJob(ctx, id, Claim{Lease: lease, DueAt: &later})
	assert.ErrorIs(t, err, ErrNotClaimable)

	got, err := repo.ClaimJob(ctx, id, Claim{Lease: lease, DueAt: listed.NextRun})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.LeaseUntil)
	assert.True(t, got.LeaseUntil.Equal(lease))
	assert.False(t, got.PauseRequested)

	_, err = repo.ClaimJob(ctx, id, Claim{Lease: lease, AllowPaused: true})
	assert.ErrorIs(t, err, ErrNotClaimable, "a running job is never claimable")

	success := StatusSuccess
	require.NoError(t, repo.UpdateJob(ctx, id, JobUpdate{FinishRun: true, Status: &success, NextRun: &later, ClearLease: true}))
	require.NoError(t, repo.UpdateJob(ctx, id, JobUpdate{RequestPause: true}))

	_, err = repo.ClaimJob(ctx, id, Claim{Lease: lease})
	assert.ErrorIs(t, err, ErrNotClaimable)
	got, err = repo.ClaimJob(ctx, id, Claim{Lease: lease, AllowPaused: true})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.True(t, got.PauseRequested)

	_, err = repo.ClaimJob(ctx, "missing", Claim{Lease: lease})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testRequestPause(t *testing.T, repo Repository) {
	ctx := context.Background()
	id, err := repo.CreateJob(ctx, newJob("pause"))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateJob(ctx, id, JobUpdate{RequestPause: true}))
	got, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
	assert.False(t, got.PauseRequested)

	running := StatusRunning
	next := ms(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC))
	require.NoError(t, repo.UpdateJob(ctx, id, JobUpdate{Status: &running, NextRun: &next}))
	require.NoError(t, repo.UpdateJob(ctx, id, JobUpdate{RequestPause: true}))
	got, err = repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.True(t, got.PauseRequested)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))

	paused := StatusPaused
	err = repo.UpdateJob(ctx, id, JobUpdate{RequestPause: true, Status: &paused})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}

func testAppendExecution(t *testing.T, repo Repository) {
	ctx := context.Background()
	id, err := repo.CreateJob(ctx, newJob("exec"))
	require.NoError(t, err)

	start := ms(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	end := start.Add(250 * time.Millisecond)
	code := 200
	execID, err := repo.AppendExecution(ctx, Execution{
		JobID: id, JobName: "exec", StartTime: start, EndTime: &end, Status: ExecSuccess,
		DurationMS: 250, Logs: "ok", ResponseStatus: &code, ResponseBody: "pong",
	})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	_, err = repo.AppendExecution(ctx, Execution{
		JobID: id, JobName: "exec", StartTime: start.Add(time.Minute), EndTime: timePtr(end.Add(time.Minute)), Status: ExecFailed,
	})
	require.NoError(t, err)

	got, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 1, got.FailureCount)
	assert.InDelta(t, 0.5, got.SuccessRate(), 1e-9)
	require.NotNil(t, got.LastRun)
	assert.True(t, got.LastRun.Equal(end.Add(time.Minute)))

	execs, err := repo.ListExecutions(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, ExecFailed, execs[0].Status, "newest first")
	assert.Nil(t, execs[0].ResponseStatus)
	require.NotNil(t, execs[1].ResponseStatus)
	assert.Equal(t, 200, *execs[1].ResponseStatus)
	assert.Equal(t, "pong", execs[1].ResponseBody)

	_, err = repo.AppendExecution(ctx, Execution{JobID: "missing", StartTime: start, Status: ExecSuccess})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentAppends(t *testing.T, repo Repository) {
	ctx := context.Background()
	id, err := repo.CreateJob(ctx, newJob("busy"))
	require.NoError(t, err)

	const n = 20
	base := ms(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := ExecSuccess
			if i%2 == 1 {
				status = ExecFailed
			}
			start := base.Add(time.Duration(i) * time.Second)
			_, err := repo.AppendExecution(ctx, Execution{JobID: id, JobName: "busy", StartTime: start, EndTime: &start, Status: status})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, n/2, got.SuccessCount)
	assert.EqualValues(t, n/2, got.FailureCount)
}

func testListPruneCount(t *testing.T, repo Repository) {
	ctx := context.Background()
	id, err := repo.CreateJob(ctx, newJob("history"))
	require.NoError(t, err)

	base := ms(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 6; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		status := ExecSuccess
		if i >= 4 {
			status = ExecFailed
		}
		_, err := repo.AppendExecution(ctx, Execution{JobID: id, JobName: "history", StartTime: start, EndTime: &start, Status: status})
		require.NoError(t, err)
	}

	execs, err := repo.ListExecutions(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.True(t, execs[0].StartTime.Equal(base.Add(5*time.Hour)))

	counts, err := repo.CountExecutions(ctx, base, base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 4, counts.Success)
	assert.EqualValues(t, 1, counts.Failed)
	assert.EqualValues(t, 5, counts.Total())

	pruned, err := repo.PruneExecutions(ctx, id, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 4, pruned)
	execs, err = repo.ListExecutions(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.True(t, execs[1].StartTime.Equal(base.Add(4*time.Hour)))
}

func testErrorLogs(t *testing.T, repo Repository) {
	ctx := context.Background()
	a, err := repo.CreateJob(ctx, newJob("a"))
	require.NoError(t, err)
	b, err := repo.CreateJob(ctx, newJob("b"))
	require.NoError(t, err)

	ts := ms(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	code := 503
	first, err := repo.AppendErrorLog(ctx, ErrorLog{JobID: a, JobName: "a", Timestamp: ts, Kind: "http-status", Message: "HTTP 503", ResponseStatus: &code})
	require.NoError(t, err)
	_, err = repo.AppendErrorLog(ctx, ErrorLog{JobID: b, JobName: "b", Timestamp: ts.Add(time.Minute), Kind: "timeout", Message: "deadline", Detail: "stack"})
	require.NoError(t, err)

	all, err := repo.ListErrorLogs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "timeout", all[0].Kind, "newest first")
	assert.Equal(t, "stack", all[0].Detail)

	onlyA, err := repo.ListErrorLogs(ctx, a, 10)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	require.NotNil(t, onlyA[0].ResponseStatus)
	assert.Equal(t, 503, *onlyA[0].ResponseStatus)

	require.NoError(t, repo.DeleteErrorLog(ctx, first))
	assert.ErrorIs(t, repo.DeleteErrorLog(ctx, first), ErrNotFound)
	onlyA, err = repo.ListErrorLogs(ctx, a, 10)
	require.NoError(t, err)
	assert.Empty(t, onlyA)
}

func testDeleteCascade(t *testing.T, repo Repository) {
	ctx := context.Background()
	keep, err := repo.CreateJob(ctx, newJob("keep"))
	require.NoError(t, err)
	gone, err := repo.CreateJob(ctx, newJob("gone"))
	require.NoError(t, err)

	start := ms(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	for _, id := range []string{keep, gone} {
		execID, err := repo.AppendExecution(ctx, Execution{JobID: id, JobName: "x", StartTime: start, EndTime: &start, Status: ExecFailed})
		require.NoError(t, err)
		_, err = repo.AppendErrorLog(ctx, ErrorLog{JobID: id, JobName: "x", ExecutionID: execID, Timestamp: start, Kind: "network", Message: "refused"})
		require.NoError(t, err)
	}

	require.NoError(t, repo.DeleteJob(ctx, gone))
	assert.ErrorIs(t, repo.DeleteJob(ctx, gone), ErrNotFound)

	jobs, err := repo.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, keep, jobs[0].ID)

	execs, err := repo.ListExecutions(ctx, gone, 0)
	require.NoError(t, err)
	assert.Empty(t, execs)
	logs, err := repo.ListErrorLogs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, keep, logs[0].JobID)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "cassandra"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

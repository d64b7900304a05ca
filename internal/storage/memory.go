package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps everything in process memory behind one mutex.
// Executions and error logs are kept per job in insertion order.
type memoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string // job ids by creation
	execs map[string][]Execution
	errs  []ErrorLog
	now   func() time.Time
}

// NewMemory returns an empty in-memory repository.
func NewMemory() Repository {
	return &memoryStore{
		jobs:  map[string]*Job{},
		execs: map[string][]Execution{},
		now:   time.Now,
	}
}

func (s *memoryStore) ListJobs(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneJob(*s.jobs[id]))
	}
	return out, nil
}

func (s *memoryStore) GetJob(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(*j), nil
}

func (s *memoryStore) CreateJob(ctx context.Context, j Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, dup := s.jobs[j.ID]; dup {
		return "", errDuplicate(j.ID)
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	cp := cloneJob(j)
	s.jobs[j.ID] = &cp
	s.order = append(s.order, j.ID)
	return j.ID, nil
}

func (s *memoryStore) UpdateJob(ctx context.Context, id string, u JobUpdate) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	applyUpdate(j, u)
	j.UpdatedAt = s.now()
	return nil
}

func (s *memoryStore) ClaimJob(ctx context.Context, id string, c Claim) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if !c.matches(*j) {
		return Job{}, ErrNotClaimable
	}
	if j.Status == StatusPaused {
		j.PauseRequested = true
	}
	j.Status = StatusRunning
	j.LeaseUntil = timePtr(c.Lease)
	j.UpdatedAt = s.now()
	return cloneJob(*j), nil
}

func applyUpdate(j *Job, u JobUpdate) {
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setStr(&j.Name, u.Name)
	setStr(&j.URL, u.URL)
	setStr(&j.Method, u.Method)
	setStr(&j.Schedule, u.Schedule)
	setStr(&j.Headers, u.Headers)
	setStr(&j.Body, u.Body)
	if u.TimeoutSeconds != nil {
		j.TimeoutSeconds = *u.TimeoutSeconds
	}
	if u.LastRun != nil {
		j.LastRun = timePtr(*u.LastRun)
	}
	if u.LeaseUntil != nil {
		j.LeaseUntil = timePtr(*u.LeaseUntil)
	}
	if u.ClearLease {
		j.LeaseUntil = nil
	}

	if u.RequestPause {
		if j.Status == StatusRunning {
			j.PauseRequested = true
		} else {
			j.Status = StatusPaused
			j.NextRun = nil
			j.PauseRequested = false
		}
		return
	}

	if u.FinishRun {
		if j.PauseRequested {
			j.Status = StatusPaused
			j.NextRun = nil
		} else {
			j.Status = *u.Status
			j.NextRun = nil
			if u.NextRun != nil {
				j.NextRun = timePtr(*u.NextRun)
			}
		}
		j.PauseRequested = false
		return
	}

	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.PauseRequested != nil {
		j.PauseRequested = *u.PauseRequested
	}
	if u.NextRun != nil {
		j.NextRun = timePtr(*u.NextRun)
	}
	if u.ClearNextRun {
		j.NextRun = nil
	}
}

func (s *memoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.execs, id)
	for i, jid := range s.order {
		if jid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	kept := s.errs[:0]
	for _, e := range s.errs {
		if e.JobID != id {
			kept = append(kept, e)
		}
	}
	s.errs = kept
	return nil
}

func (s *memoryStore) AppendExecution(ctx context.Context, e Execution) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[e.JobID]
	if !ok {
		return "", ErrNotFound
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.execs[e.JobID] = append(s.execs[e.JobID], cloneExecution(e))

	switch e.Status {
	case ExecSuccess:
		j.SuccessCount++
		j.LastRun = timePtr(finishedAt(e))
	case ExecFailed:
		j.FailureCount++
		j.LastRun = timePtr(finishedAt(e))
	}
	j.UpdatedAt = s.now()
	return e.ID, nil
}

func (s *memoryStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.execs[jobID]
	out := make([]Execution, 0, len(src))
	for _, e := range src {
		out = append(out, cloneExecution(e))
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].StartTime.After(out[b].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) PruneExecutions(ctx context.Context, jobID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.execs[jobID]
	if len(src) <= keep {
		return 0, nil
	}
	sorted := append([]Execution(nil), src...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].StartTime.After(sorted[b].StartTime) })
	kept := sorted[:keep]
	// restore insertion (oldest-first) order
	sort.SliceStable(kept, func(a, b int) bool { return kept[a].StartTime.Before(kept[b].StartTime) })
	s.execs[jobID] = kept
	return int64(len(src) - keep), nil
}

func (s *memoryStore) CountExecutions(ctx context.Context, from, to time.Time) (ExecutionCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c ExecutionCounts
	for _, list := range s.execs {
		for _, e := range list {
			if !e.StartTime.Before(from) && e.StartTime.Before(to) {
				c.add(e.Status, 1)
			}
		}
	}
	return c, nil
}

func (s *memoryStore) AppendErrorLog(ctx context.Context, e ErrorLog) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[e.JobID]; !ok {
		return "", ErrNotFound
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.errs = append(s.errs, cloneErrorLog(e))
	return e.ID, nil
}

func (s *memoryStore) ListErrorLogs(ctx context.Context, jobID string, limit int) ([]ErrorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorLog, 0)
	for _, e := range s.errs {
		if jobID == "" || e.JobID == jobID {
			out = append(out, cloneErrorLog(e))
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Timestamp.After(out[b].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) DeleteErrorLog(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.errs {
		if e.ID == id {
			s.errs = append(s.errs[:i], s.errs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryStore) Close() error { return nil }

func finishedAt(e Execution) time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	return e.StartTime
}

func timePtr(t time.Time) *time.Time { return &t }

func intPtr(v int) *int { return &v }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	return intPtr(*v)
}

func cloneJob(j Job) Job {
	j.LastRun = cloneTime(j.LastRun)
	j.NextRun = cloneTime(j.NextRun)
	j.LeaseUntil = cloneTime(j.LeaseUntil)
	return j
}

func cloneExecution(e Execution) Execution {
	e.EndTime = cloneTime(e.EndTime)
	e.ResponseStatus = cloneInt(e.ResponseStatus)
	return e
}

func cloneErrorLog(e ErrorLog) ErrorLog {
	e.ResponseStatus = cloneInt(e.ResponseStatus)
	return e
}

func validateUpdate(u JobUpdate) error {
	if u.FinishRun && u.Status == nil {
		return errInvalidUpdate("FinishRun requires Status")
	}
	if u.Status != nil && !u.Status.Valid() {
		return errInvalidUpdate("unknown status " + string(*u.Status))
	}
	if u.NextRun != nil && u.ClearNextRun {
		return errInvalidUpdate("NextRun and ClearNextRun are exclusive")
	}
	if u.LeaseUntil != nil && u.ClearLease {
		return errInvalidUpdate("LeaseUntil and ClearLease are exclusive")
	}
	if u.RequestPause && (u.FinishRun || u.Status != nil || u.PauseRequested != nil || u.NextRun != nil || u.ClearNextRun) {
		return errInvalidUpdate("RequestPause cannot be combined with state fields")
	}
	if u.Method != nil && strings.TrimSpace(*u.Method) == "" {
		return errInvalidUpdate("method cannot be empty")
	}
	return nil
}

package engine

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	rtsup "cronhub/internal/runtime/supervisor"
	logx "cronhub/pkg/logx"
)

// Service dispatches tasks onto supervised goroutines.
//
// Admission is non-blocking: a task whose key is already in flight is
// skipped, and a task that finds no free permit (or no rate token) is
// rejected so the caller can retry on its next pass.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	held     int // permits taken by dispatched tasks
	limiter  *rate.Limiter
	inflight map[string]InFlightTask
	stopping bool

	log logx.Logger
	sup *rtsup.Supervisor

	dispatched  atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	panics      atomic.Uint64
	skipped     atomic.Uint64
	saturated   atomic.Uint64
	rateLimited atomic.Uint64
}

// dispatchName is the supervisor stats key shared by every dispatched task.
const dispatchName = "dispatch"

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "engine"))
	s := &Service{
		log:      log,
		inflight: make(map[string]InFlightTask),
		sup:      rtsup.New(context.Background(), rtsup.WithLogger(log)),
	}
	s.applyLocked(cfg)
	return s
}

// Apply resizes the pool. Shrinking never preempts running tasks; new
// dispatches wait until enough of them finish.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.applyLocked(cfg)
	if prev != s.cfg {
		s.log.Info("engine.config_applied",
			logx.Int("max_concurrent", s.cfg.MaxConcurrent),
			logx.Float64("dispatch_rate", s.cfg.DispatchRate),
			logx.Int("dispatch_burst", s.cfg.DispatchBurst),
		)
	}
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	switch {
	case cfg.DispatchRate <= 0:
		s.limiter = nil
	case s.limiter == nil:
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst)
	default:
		s.limiter.SetLimit(rate.Limit(cfg.DispatchRate))
		s.limiter.SetBurst(cfg.DispatchBurst)
	}
	s.cfg = cfg
}

// TryDispatch starts t on its own goroutine if admission allows it.
// It never blocks on other tasks.
func (s *Service) TryDispatch(t Task) error {
	if t.Run == nil {
		return errors.New("engine: task has no run func")
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, busy := s.inflight[t.Key]; busy {
		s.mu.Unlock()
		s.skipped.Add(1)
		return ErrOverlapSkip
	}
	if s.held >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		s.saturated.Add(1)
		return ErrSaturated
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.mu.Unlock()
		s.rateLimited.Add(1)
		return ErrRateLimited
	}
	s.held++
	s.inflight[t.Key] = InFlightTask{Key: t.Key, Name: t.Name, Started: time.Now()}
	s.mu.Unlock()

	s.dispatched.Add(1)
	s.sup.Go(dispatchName, func(ctx context.Context) error {
		return s.run(ctx, t, true)
	})
	return nil
}

// Run executes t on the caller's goroutine. It honors the in-flight gate but
// takes no permit, so a manual run is never deferred by scheduled load.
func (s *Service) Run(ctx context.Context, t Task) error {
	if t.Run == nil {
		return errors.New("engine: task has no run func")
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, busy := s.inflight[t.Key]; busy {
		s.mu.Unlock()
		s.skipped.Add(1)
		return ErrOverlapSkip
	}
	s.inflight[t.Key] = InFlightTask{Key: t.Key, Name: t.Name, Started: time.Now(), Manual: true}
	s.mu.Unlock()

	s.dispatched.Add(1)
	return s.run(ctx, t, false)
}

func (s *Service) run(ctx context.Context, t Task, pooled bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = errors.Newf("task %s panicked: %v", t.Key, r)
			s.log.Error("engine.task_panic",
				logx.String("key", t.Key),
				logx.String("name", t.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
		s.mu.Lock()
		delete(s.inflight, t.Key)
		if pooled {
			s.held--
		}
		s.mu.Unlock()

		if err != nil {
			s.failed.Add(1)
			s.log.Warn("engine.task_failed", logx.String("key", t.Key), logx.String("name", t.Name), logx.Err(err))
			return
		}
		s.completed.Add(1)
	}()
	return t.Run(ctx)
}

// InFlight reports whether a task with key is running.
func (s *Service) InFlight(key string) bool {
	s.mu.Lock()
	_, ok := s.inflight[key]
	s.mu.Unlock()
	return ok
}

// Drain stops admission and waits for dispatched tasks. When ctx expires first
// the tasks' context is canceled and Drain returns ctx's error.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	n := len(s.inflight)
	s.mu.Unlock()

	if n > 0 {
		s.log.Info("engine.draining", logx.Int("in_flight", n))
	}
	if err := s.sup.Wait(ctx); err == nil || ctx.Err() == nil {
		// Task errors were logged when they happened.
		return nil
	}
	s.log.Warn("engine.drain_timeout", logx.Int("in_flight", len(s.Snapshot().InFlight)))
	s.sup.Cancel()
	return ctx.Err()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{MaxConcurrent: s.cfg.MaxConcurrent, Held: s.held, Stopping: s.stopping}
	for _, t := range s.inflight {
		snap.InFlight = append(snap.InFlight, t)
	}
	s.mu.Unlock()
	sort.Slice(snap.InFlight, func(i, j int) bool { return snap.InFlight[i].Started.Before(snap.InFlight[j].Started) })

	snap.Dispatched = s.dispatched.Load()
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Panics = s.panics.Load()
	snap.Skipped = s.skipped.Load()
	snap.Saturated = s.saturated.Load()
	snap.RateLimited = s.rateLimited.Load()
	return snap
}

// Supervisor exposes the goroutine supervisor for health output.
func (s *Service) Supervisor() *rtsup.Supervisor { return s.sup }

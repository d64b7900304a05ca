package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cronhub/internal/clock"
	"cronhub/internal/eventbus"
	"cronhub/internal/storage"
	logx "cronhub/pkg/logx"
)

const warnThrottleEvery = time.Minute

type Service struct {
	repo  storage.Repository
	disp  Dispatcher
	exec  Executor
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	warn  *logx.Throttle

	mu     sync.Mutex
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
	last   *PassReport

	passing atomic.Bool
	passes  atomic.Uint64
	wake    chan struct{}
}

func New(cfg Config, repo storage.Repository, disp Dispatcher, exec Executor, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		repo:  repo,
		disp:  disp,
		exec:  exec,
		clock: clk,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		warn:  logx.NewThrottle(warnThrottleEvery),
		cfg:   cfg.withDefaults(),
		wake:  make(chan struct{}, 1),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A running loop picks up the new cadence right away.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.Wake()
}

// Start launches the loop, which runs one pass immediately. Calling Start
// on a running scheduler does nothing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler.disabled")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.log.Info("scheduler.started", logx.Duration("cadence", s.cfg.Cadence), logx.String("tz", s.cfg.Location.String()))
}

// Stop ends the loop and waits for a pass in progress. Dispatched executions
// are left running. Calling Stop on a stopped scheduler does nothing.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler.stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Wake asks the loop for an early pass. Extra wakes coalesce.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		rep := s.RunPass(ctx)
		if ctx.Err() != nil {
			return
		}
		t := time.NewTimer(s.sleepFor(rep))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// sleepFor is the cadence, shortened to the soonest nextRun when that comes first.
func (s *Service) sleepFor(rep PassReport) time.Duration {
	d := s.config().Cadence
	if rep.Soonest == nil {
		return d
	}
	until := rep.Soonest.Sub(s.clock.Now())
	if until < d {
		d = max(until, minSleep)
	}
	return d
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:  s.cancel != nil,
		Enabled:  s.cfg.Enabled,
		Cadence:  s.cfg.Cadence,
		Timezone: s.cfg.Location.String(),
		Passes:   s.passes.Load(),
	}
	if s.last != nil {
		last := *s.last
		snap.LastPass = &last
	}
	return snap
}

package net

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/ratelimit"
)

// DefaultIdleYield is how long the threaded driver sleeps after an idle step.
const DefaultIdleYield = time.Millisecond

// StepFunc runs one dispatch iteration and reports whether it did any work.
type StepFunc func() bool

// Scheduler drives a StepFunc. Implementations differ only in who calls the
// step; the iteration logic is always Dispatcher.Step.
type Scheduler interface {
	// Start begins driving step.
	Start(step StepFunc) error
	// Stop sets the stop flag and returns once no iteration is in flight and
	// none will start.
	Stop()
	// Name identifies the regime.
	Name() string
}

// SchedulerKind selects a Scheduler implementation.
type SchedulerKind string

const (
	SchedulerThreaded    SchedulerKind = "threaded"
	SchedulerCooperative SchedulerKind = "cooperative"
)

// ParseSchedulerKind accepts "threaded" and "cooperative". Empty means threaded.
func ParseSchedulerKind(s string) (SchedulerKind, error) {
	switch SchedulerKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchedulerThreaded:
		return SchedulerThreaded, nil
	case SchedulerCooperative:
		return SchedulerCooperative, nil
	default:
		return "", errors.Wrapf(ErrConfiguration, "unknown scheduler %q", s)
	}
}

// NewScheduler builds the scheduler for kind.
func NewScheduler(kind SchedulerKind, idle time.Duration) (Scheduler, error) {
	switch kind {
	case SchedulerThreaded, "":
		return NewThreadedScheduler(idle), nil
	case SchedulerCooperative:
		return NewCooperativeScheduler(), nil
	default:
		return nil, errors.Wrapf(ErrConfiguration, "unknown scheduler %q", kind)
	}
}

// ThreadedScheduler runs the step continuously on a dedicated goroutine until
// stopped, sleeping briefly whenever a step finds nothing to do.
type ThreadedScheduler struct {
	idle    time.Duration
	mu      sync.Mutex
	stop    atomic.Bool
	started bool
	done    chan struct{}
}

// NewThreadedScheduler creates a threaded driver. A non-positive idle uses
// DefaultIdleYield.
func NewThreadedScheduler(idle time.Duration) *ThreadedScheduler {
	if idle <= 0 {
		idle = DefaultIdleYield
	}
	return &ThreadedScheduler{idle: idle}
}

func (s *ThreadedScheduler) Name() string {
	return string(SchedulerThreaded)
}

func (s *ThreadedScheduler) Start(step StepFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step == nil {
		return errors.Wrap(ErrConfiguration, "nil step")
	}
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.stop.Store(false)
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for !s.stop.Load() {
			if !step() {
				time.Sleep(s.idle)
			}
		}
	}(s.done)
	return nil
}

// Stop waits for the worker goroutine to exit.
func (s *ThreadedScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.stop.Store(true)
	<-s.done
	s.started = false
}

// CooperativeScheduler has no goroutine of its own: the host calls Tick from
// its run loop. A Tick issued while another is still running is rejected, so
// iterations never overlap.
type CooperativeScheduler struct {
	step    atomic.Value
	inStep  atomic.Bool
	stopped atomic.Bool
	ticks   atomic.Uint64
	skipped atomic.Uint64
}

func NewCooperativeScheduler() *CooperativeScheduler {
	return &CooperativeScheduler{}
}

func (s *CooperativeScheduler) Name() string {
	return string(SchedulerCooperative)
}

func (s *CooperativeScheduler) Start(step StepFunc) error {
	if step == nil {
		return errors.Wrap(ErrConfiguration, "nil step")
	}
	s.step.Store(step)
	s.stopped.Store(false)
	return nil
}

// Tick runs one iteration. It returns false without running when the
// scheduler is stopped or an iteration is already in flight.
func (s *CooperativeScheduler) Tick() bool {
	if s.stopped.Load() {
		return false
	}
	if !s.inStep.CompareAndSwap(false, true) {
		s.skipped.Inc()
		return false
	}
	defer s.inStep.Store(false)

	// Re-check after taking the guard so Stop never races a new iteration.
	if s.stopped.Load() {
		return false
	}
	step, _ := s.step.Load().(StepFunc)
	if step == nil {
		return false
	}
	s.ticks.Inc()
	return step()
}

// Ticks returns how many iterations have run.
func (s *CooperativeScheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// Skipped returns how many re-entrant ticks were rejected.
func (s *CooperativeScheduler) Skipped() uint64 {
	return s.skipped.Load()
}

// Stop prevents further ticks and waits for an in-flight one to finish.
func (s *CooperativeScheduler) Stop() {
	s.stopped.Store(true)
	for s.inStep.Load() {
		runtime.Gosched()
	}
}

// FixedRateDriver calls a tick function at a fixed rate. It plays the part of
// the host run loop for the cooperative regime.
type FixedRateDriver struct {
	limiter ratelimit.Limiter
	tick    func() bool
	stop    atomic.Bool
	mu      sync.Mutex
	done    chan struct{}
}

// NewFixedRateDriver creates a driver calling tick hz times per second.
func NewFixedRateDriver(hz int, tick func() bool) *FixedRateDriver {
	if hz <= 0 {
		hz = 1000
	}
	return &FixedRateDriver{
		limiter: ratelimit.New(hz, ratelimit.WithoutSlack),
		tick:    tick,
	}
}

// Run ticks until Stop is called.
func (f *FixedRateDriver) Run() {
	for !f.stop.Load() {
		f.limiter.Take()
		if f.stop.Load() {
			return
		}
		f.tick()
	}
}

// Start runs the driver on its own goroutine.
func (f *FixedRateDriver) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return
	}
	f.stop.Store(false)
	f.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		f.Run()
	}(f.done)
}

// Stop halts the driver and waits for the current tick to return.
func (f *FixedRateDriver) Stop() {
	f.stop.Store(true)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		<-f.done
		f.done = nil
	}
}

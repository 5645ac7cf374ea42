package net

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/log"
	"github.com/lcx/dcf/metrics"
	"go.uber.org/atomic"
)

const (
	// DefaultHeartbeatInterval is the redundancy cycle period.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultHeartbeatTimeout is how long a peer may stay silent before it is
	// marked INACTIVE.
	DefaultHeartbeatTimeout = 10 * time.Second
)

// HeartbeatPayload is the body of every heartbeat envelope.
var HeartbeatPayload = []byte("HEARTBEAT")

// HeartbeatSender enqueues a heartbeat addressed to a peer through the same
// path application traffic uses.
type HeartbeatSender func(recipient int) error

// CycleReport summarizes one redundancy cycle.
type CycleReport struct {
	Expired []int
	Probed  []int
	Failed  []int
}

// RedundancyLoop expires silent peers and probes live ones. It runs on its own
// schedule, independent of the dispatch loop, or is driven explicitly through
// RunOnce where no background execution is available.
type RedundancyLoop struct {
	registry *Registry
	send     HeartbeatSender
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	logger   log.Logger

	mu      sync.Mutex
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	cycles  atomic.Uint64
}

// NewRedundancyLoop creates a loop over reg. Zero interval or timeout use the
// defaults.
func NewRedundancyLoop(reg *Registry, send HeartbeatSender, interval, timeout time.Duration) (*RedundancyLoop, error) {
	if reg == nil || send == nil {
		return nil, errors.Wrap(ErrConfiguration, "redundancy loop needs a registry and a sender")
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &RedundancyLoop{
		registry: reg,
		send:     send,
		interval: interval,
		timeout:  timeout,
		clock:    reg.Clock(),
		logger:   reg.logger,
	}, nil
}

// Interval returns the cycle period.
func (l *RedundancyLoop) Interval() time.Duration {
	return l.interval
}

// Cycles returns how many cycles have run.
func (l *RedundancyLoop) Cycles() uint64 {
	return l.cycles.Load()
}

// RunOnce performs one cycle: peers silent for the timeout become INACTIVE,
// then every peer still ACTIVE is sent a heartbeat.
func (l *RedundancyLoop) RunOnce() CycleReport {
	var report CycleReport
	start := time.Now()

	for _, p := range l.registry.ExpireStale(l.timeout) {
		report.Expired = append(report.Expired, p.ID)
	}

	for _, p := range l.registry.ActivePeers() {
		if err := l.send(p.ID); err != nil {
			report.Failed = append(report.Failed, p.ID)
			l.logger.Warn().Int("peer", p.ID).Err(err).Msg("heartbeat enqueue failed")
			metrics.IncrCounterWithDimGroup("net", "errors_total", 1, metrics.Dimension{"kind": errorKind(err)})
			continue
		}
		l.registry.MarkProbe(p.ID)
		report.Probed = append(report.Probed, p.ID)
	}

	l.cycles.Inc()
	metrics.IncrCounterWithGroup("net", "redundancy_cycle_total", 1)
	metrics.RecordStopwatchWithGroup("net", "redundancy_cycle_time", start)
	return report
}

// Start runs RunOnce every interval on a background goroutine.
func (l *RedundancyLoop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running.Load() {
		return errors.New("redundancy loop already running")
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	ticker := l.clock.Ticker(l.interval)
	l.running.Store(true)

	go func(stop, done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.RunOnce()
			}
		}
	}(l.stop, l.done)
	return nil
}

// Stop halts the background goroutine and waits for an in-flight cycle to
// finish. It is safe to call more than once.
func (l *RedundancyLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running.Load() {
		return
	}
	close(l.stop)
	<-l.done
	l.running.Store(false)
}

// Running reports whether the background goroutine is active.
func (l *RedundancyLoop) Running() bool {
	return l.running.Load()
}

package net

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/codec"
	"github.com/lcx/dcf/log"
	"github.com/lcx/dcf/metrics"
	"github.com/paulbellamy/ratecounter"
	"go.uber.org/atomic"
)

// DispatcherConfig holds the inbound rate limit. Both values support hot
// reload through Dispatcher.Reload.
type DispatcherConfig struct {
	// RecvRateLimit is the maximum inbound deliveries per second; 0 is unlimited.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
	// TokenBurst is the token bucket size; 0 means RecvRateLimit.
	TokenBurst int `mapstructure:"tokenBurst"`
}

// GetName returns the configuration name for DispatcherConfig
func (c *DispatcherConfig) GetName() string {
	return "dispatcher"
}

// Validate validates the DispatcherConfig parameters
func (c *DispatcherConfig) Validate() error {
	if c.RecvRateLimit < 0 {
		return fmt.Errorf("RecvRateLimit cannot be negative")
	}
	if c.TokenBurst < 0 {
		return fmt.Errorf("TokenBurst cannot be negative")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("RecvRateLimit cannot exceed 1,000,000 messages per second")
	}
	if c.RecvRateLimit > 0 && c.TokenBurst > c.RecvRateLimit*10 {
		return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
	}
	return nil
}

type dispatcherStats struct {
	sent        atomic.Uint64
	sendFailed  atomic.Uint64
	unroutable  atomic.Uint64
	rerouted    atomic.Uint64
	loopback    atomic.Uint64
	received    atomic.Uint64
	heartbeats  atomic.Uint64
	malformed   atomic.Uint64
	rateLimited atomic.Uint64
	inDropped   atomic.Uint64
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Sent               uint64 `json:"sent"`
	SendFailed         uint64 `json:"sendFailed"`
	Unroutable         uint64 `json:"unroutable"`
	Rerouted           uint64 `json:"rerouted"`
	Loopback           uint64 `json:"loopback"`
	Received           uint64 `json:"received"`
	HeartbeatsReceived uint64 `json:"heartbeatsReceived"`
	Malformed          uint64 `json:"malformed"`
	RateLimited        uint64 `json:"rateLimited"`
	InboundDropped     uint64 `json:"inboundDropped"`
	SendRate           int64  `json:"sendRate"`
}

// Dispatcher moves envelopes between the queues and the active transport.
// Step is the single iteration shared by every scheduler.
type Dispatcher struct {
	transport Transport
	registry  *Registry
	outbound  *Queue
	inbound   *Queue

	recvLimiter *DispatcherRecvLimiter
	filters     DispatcherFilterChain
	logger      log.Logger

	sendRate *ratecounter.RateCounter
	stats    dispatcherStats

	config *DispatcherConfig
	lock   sync.RWMutex
}

// NewDispatcher wires a transport, a registry and the two queues.
//
// Usage example:
//
//	out := NewQueue("outbound", 256, DropNewest)
//	in := NewQueue("inbound", 256, DropNewest)
//	d, err := NewDispatcher(&DispatcherConfig{}, transport, registry, out, in)
func NewDispatcher(cfg *DispatcherConfig, t Transport, reg *Registry, outbound, inbound *Queue, opts ...DispatcherOption) (*Dispatcher, error) {
	if cfg == nil {
		cfg = &DispatcherConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(ErrConfiguration, err.Error())
	}
	if t == nil || reg == nil || outbound == nil || inbound == nil {
		return nil, errors.Wrap(ErrConfiguration, "dispatcher needs a transport, a registry and both queues")
	}

	d := &Dispatcher{
		transport:   t,
		registry:    reg,
		outbound:    outbound,
		inbound:     inbound,
		recvLimiter: NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
		logger:      log.DefaultLogger(),
		sendRate:    ratecounter.NewRateCounter(time.Second),
		config:      cfg,
	}

	d.filters = append(d.filters, d.headerFilter)
	d.filters = append(d.filters, d.livenessFilter)
	d.filters = append(d.filters, d.recvLimiterFilter)
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Reload applies a new rate limit configuration.
func (d *Dispatcher) Reload(cfg *DispatcherConfig) error {
	if cfg == nil {
		return errors.Wrap(ErrConfiguration, "nil dispatcher config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(ErrConfiguration, err.Error())
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	d.recvLimiter.Reload(cfg.RecvRateLimit, cfg.TokenBurst)
	d.config = cfg

	d.logger.Info().Int("recvRateLimit", cfg.RecvRateLimit).Int("tokenBurst", cfg.TokenBurst).Msg("Dispatcher configuration updated successfully")
	return nil
}

// Config returns the configuration currently applied.
func (d *Dispatcher) Config() *DispatcherConfig {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.config
}

// Transport returns the active transport.
func (d *Dispatcher) Transport() Transport {
	return d.transport
}

// StartServe starts the transport with the dispatcher as its inbound handler.
func (d *Dispatcher) StartServe(local Endpoint, callTimeout time.Duration) error {
	to := TransportOption{
		Local:       local,
		Handler:     d,
		CallTimeout: callTimeout,
		Logger:      d.logger,
	}
	if err := d.transport.Start(to); err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"transport_type": d.transport.Name()})
		return errors.Wrapf(errors.Mark(err, ErrTransportUnavailable), "start %s transport", d.transport.Name())
	}
	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, metrics.Dimension{"transport_type": d.transport.Name()})
	d.logger.Info().Str("transport", d.transport.Name()).Str("local", local.Addr()).Msg("transport started")
	return nil
}

// RegDispatcherFilter appends an inbound filter.
func (d *Dispatcher) RegDispatcherFilter(f DispatcherFilter) {
	d.filters = append(d.filters, f)
}

// OnRecvTransportPkg implements DispatcherReceiver. It is safe to call from
// transport goroutines.
func (d *Dispatcher) OnRecvTransportPkg(td *TransportDelivery) error {
	if td == nil {
		return nil
	}
	return d.filters.Handle(&DispatcherDelivery{TransportDelivery: td}, d.enqueueInbound)
}

func (d *Dispatcher) enqueueInbound(dd *DispatcherDelivery) error {
	if err := d.inbound.Push(dd.Data); err != nil {
		d.stats.inDropped.Inc()
		metrics.IncrCounterWithDimGroup("net", "errors_total", 1, metrics.Dimension{"kind": errorKind(err)})
		d.logger.Debug().Int("sender", int(dd.Header.Sender)).Err(err).Msg("inbound dropped")
		return err
	}
	d.stats.received.Inc()
	return nil
}

// Step runs one iteration: poll the transport for inbound data, then move at
// most one outbound item to the transport. It returns whether any work was
// done so drivers can yield when idle. Errors are handled locally.
func (d *Dispatcher) Step() bool {
	worked := false
	for _, data := range d.transport.PollInbound() {
		worked = true
		_ = d.OnRecvTransportPkg(&TransportDelivery{Data: data, Transport: d.transport.Name()})
	}

	item, ok := d.outbound.TryPop()
	if !ok {
		return worked
	}
	d.deliver(item)
	return true
}

// deliver routes and sends one serialized envelope.
func (d *Dispatcher) deliver(item []byte) {
	hdr, err := codec.PeekHeader(item)
	if err != nil {
		d.stats.malformed.Inc()
		d.logger.Error().Err(err).Msg("outbound envelope malformed, dropped")
		return
	}

	var decision RouteDecision
	if hdr.Kind == codec.KindHeartbeat {
		decision, err = d.registry.RouteExact(int(hdr.Recipient))
	} else {
		decision, err = d.registry.Route(int(hdr.Recipient))
	}
	if err != nil {
		d.stats.unroutable.Inc()
		metrics.IncrCounterWithDimGroup("net", "errors_total", 1, metrics.Dimension{"kind": errorKind(err)})
		d.logger.Warn().Int("recipient", int(hdr.Recipient)).Err(err).Msg("no route, envelope dropped")
		return
	}

	switch decision.Strategy {
	case RouteLoopback:
		d.stats.loopback.Inc()
		_ = d.OnRecvTransportPkg(&TransportDelivery{Data: item, Transport: "loopback"})
		return
	case RouteFailover:
		d.stats.rerouted.Inc()
		metrics.IncrCounterWithGroup("net", "rerouted_total", 1)
		d.logger.Debug().
			Int("recipient", decision.Recipient).
			Int("target", decision.Target.NodeID).
			Msg("peer inactive, rerouting")
	}

	start := time.Now()
	if err := d.transport.Send(item, decision.Target); err != nil {
		d.stats.sendFailed.Inc()
		metrics.IncrCounterWithDimGroup("net", "errors_total", 1, metrics.Dimension{"kind": errorKind(errors.Mark(err, ErrTransportUnavailable))})
		d.logger.Warn().
			Str("transport", d.transport.Name()).
			Str("target", decision.Target.String()).
			Err(err).
			Msg("delivery failed")
		return
	}
	d.stats.sent.Inc()
	d.sendRate.Incr(1)
	metrics.RecordStopwatchWithDimGroup("net", "send_time", start, metrics.Dimension{"transport": d.transport.Name()})
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Sent:               d.stats.sent.Load(),
		SendFailed:         d.stats.sendFailed.Load(),
		Unroutable:         d.stats.unroutable.Load(),
		Rerouted:           d.stats.rerouted.Load(),
		Loopback:           d.stats.loopback.Load(),
		Received:           d.stats.received.Load(),
		HeartbeatsReceived: d.stats.heartbeats.Load(),
		Malformed:          d.stats.malformed.Load(),
		RateLimited:        d.stats.rateLimited.Load(),
		InboundDropped:     d.stats.inDropped.Load(),
		SendRate:           d.sendRate.Rate(),
	}
}

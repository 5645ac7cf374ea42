// Package bridge is the engine-facing facade of the transport bridge. The
// engine calls Send and Receive synchronously; everything behind them runs on
// the queues, the dispatch loop and the redundancy loop of package net.
package bridge

import (
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/codec"
	"github.com/lcx/dcf/config"
	"github.com/lcx/dcf/log"
	"github.com/lcx/dcf/metrics"
	dcfnet "github.com/lcx/dcf/net"
	"github.com/lcx/dcf/utils"
	"go.uber.org/atomic"
)

// RemoteNode is reported by Receive and Poll when nothing was delivered.
const RemoteNode = -1

// Option customizes a Bridge at Initialize.
type Option func(*options)

type options struct {
	transport dcfnet.Transport
	clock     clock.Clock
	logger    log.Logger
	handler   dcfnet.PeerEventHandler
}

// WithTransport uses t instead of building the configured transport.
func WithTransport(t dcfnet.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithClock sets the time source for timestamps and liveness.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger replaces the node logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPeerEventHandler observes peer liveness transitions.
func WithPeerEventHandler(h dcfnet.PeerEventHandler) Option {
	return func(o *options) {
		o.handler = h
	}
}

type bridgeStats struct {
	sendDropped      atomic.Uint64
	sendQueued       atomic.Uint64
	received         atomic.Uint64
	receiveMalformed atomic.Uint64
	truncated        atomic.Uint64
	shutdownDropped  atomic.Uint64
}

// Stats is a snapshot of bridge and dispatcher counters.
type Stats struct {
	SendQueued       uint64                 `json:"sendQueued"`
	SendDropped      uint64                 `json:"sendDropped"`
	Received         uint64                 `json:"received"`
	ReceiveMalformed uint64                 `json:"receiveMalformed"`
	Truncated        uint64                 `json:"truncated"`
	ShutdownDropped  uint64                 `json:"shutdownDropped"`
	OutboundLen      int                    `json:"outboundLen"`
	InboundLen       int                    `json:"inboundLen"`
	RedundancyCycles uint64                 `json:"redundancyCycles"`
	Dispatcher       dcfnet.DispatcherStats `json:"dispatcher"`
}

// Bridge is one node's networking instance. It is created by Initialize and
// owned by the caller until Shutdown.
type Bridge struct {
	cfg     *Config
	localID int
	local   dcfnet.Endpoint
	clock   clock.Clock
	logger  log.Logger

	transport  dcfnet.Transport
	// transportIns is set when the transport came from the plugin registry.
	transportIns *dcfnet.TransportInstance
	registry   *dcfnet.Registry
	outbound   *dcfnet.Queue
	inbound    *dcfnet.Queue
	dispatcher *dcfnet.Dispatcher
	scheduler  dcfnet.Scheduler
	redundancy *dcfnet.RedundancyLoop

	configManager config.ConfigManager

	stats        bridgeStats
	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Initialize validates cfg, starts the transport and the loops, and returns
// the running bridge. Every failure here is reported before any loop runs.
func Initialize(cfg *Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.Wrap(dcfnet.ErrConfiguration, "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	localID, _ := cfg.LocalID()
	local, err := cfg.localEndpoint()
	if err != nil {
		return nil, err
	}
	peers, err := cfg.peerEndpoints()
	if err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = log.NewNodeLogger(nil, nil, localID)
	}

	b := &Bridge{
		cfg:     cfg,
		localID: localID,
		local:   local,
		clock:   o.clock,
		logger:  o.logger,
	}

	regOpts := []dcfnet.RegistryOption{
		dcfnet.WithRegistryClock(o.clock),
		dcfnet.WithReactivation(cfg.Reactivate),
		dcfnet.WithOptimisticLiveness(cfg.OptimisticLiveness),
	}
	if o.handler != nil {
		regOpts = append(regOpts, dcfnet.WithPeerEventHandler(o.handler))
	}
	b.registry, err = dcfnet.NewRegistry(localID, peers, regOpts...)
	if err != nil {
		return nil, err
	}
	b.registry.SetLogger(b.logger)

	policy, _ := dcfnet.ParseDropPolicy(cfg.DropPolicy)
	b.outbound = dcfnet.NewQueue("outbound", cfg.QueueCapacity, policy)
	b.inbound = dcfnet.NewQueue("inbound", cfg.QueueCapacity, policy)

	b.transport = o.transport
	if b.transport == nil {
		var ins dcfnet.TransportInstance
		tag := utils.FormatPeerSpec(localID, local.Host, local.Port)
		b.transport, ins, err = dcfnet.SetupTransport(cfg.Transport, tag, cfg.TransportOptions)
		if err != nil {
			return nil, err
		}
		b.transportIns = &ins
	}
	fail := func(err error) (*Bridge, error) {
		_ = b.stopTransport()
		return nil, err
	}

	b.dispatcher, err = dcfnet.NewDispatcher(cfg.dispatcherConfig(), b.transport, b.registry, b.outbound, b.inbound,
		dcfnet.WithDispatcherLogger(b.logger))
	if err != nil {
		return fail(err)
	}

	kind, _ := dcfnet.ParseSchedulerKind(cfg.Scheduler)
	b.scheduler, err = dcfnet.NewScheduler(kind, dcfnet.DefaultIdleYield)
	if err != nil {
		return fail(err)
	}

	b.redundancy, err = dcfnet.NewRedundancyLoop(b.registry, b.sendHeartbeat, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	if err != nil {
		return fail(err)
	}

	if err := b.dispatcher.StartServe(local, cfg.CallTimeout()); err != nil {
		return fail(err)
	}
	if err := b.scheduler.Start(b.dispatcher.Step); err != nil {
		return fail(err)
	}
	// Without a thread of its own the redundancy loop is driven through
	// RunRedundancyCycle.
	if cfg.RedundancyEnabled() && kind == dcfnet.SchedulerThreaded {
		if err := b.redundancy.Start(); err != nil {
			b.scheduler.Stop()
			return fail(err)
		}
	}

	b.logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("transport", b.transport.Name()).
		Str("scheduler", b.scheduler.Name()).
		Str("local", local.Addr()).
		Int("peers", len(peers)).
		Bool("redundancy", b.redundancy.Running()).
		Msg("bridge initialized")
	return b, nil
}

// InitializeWithConfigManager loads the "dcf" configuration from cm, starts
// the bridge and subscribes it to configuration changes.
func InitializeWithConfigManager(cm config.ConfigManager, opts ...Option) (*Bridge, error) {
	if cm == nil {
		return nil, errors.Wrap(dcfnet.ErrConfiguration, "nil config manager")
	}
	cfg := &Config{}
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, errors.Wrap(dcfnet.ErrConfiguration, err.Error())
	}
	b, err := Initialize(cfg, opts...)
	if err != nil {
		return nil, err
	}
	b.configManager = cm
	cm.AddChangeListener(b)
	return b, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Only the inbound
// rate limit applies to a running bridge; other changes need a restart.
func (b *Bridge) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != b.cfg.GetName() {
		return nil
	}
	cfg, ok := newConfig.(*Config)
	if !ok {
		return errors.Newf("invalid config type: expected *bridge.Config, got %T", newConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := b.dispatcher.Reload(cfg.dispatcherConfig()); err != nil {
		return err
	}
	if cfg.Transport != b.cfg.Transport || cfg.Port != b.cfg.Port || cfg.Mode != b.cfg.Mode {
		b.logger.Warn().Str("config", cfg.String()).Msg("transport settings changed, restart required")
	} else if b.transportIns != nil && !reflect.DeepEqual(cfg.TransportOptions, b.cfg.TransportOptions) {
		if err := dcfnet.ReloadTransport(*b.transportIns, cfg.TransportOptions); err != nil {
			b.logger.Warn().Err(err).Str("transport", b.transportIns.Factory).Msg("transport options not applied, restart required")
		}
	}
	return nil
}

// stopTransport stops the transport, releasing it from the plugin registry
// when it was built there.
func (b *Bridge) stopTransport() error {
	if b.transportIns != nil {
		return dcfnet.ReleaseTransport(*b.transportIns)
	}
	return b.transport.Stop()
}

// LocalID returns this node's id.
func (b *Bridge) LocalID() int {
	return b.localID
}

// Config returns the configuration the bridge was started with.
func (b *Bridge) Config() *Config {
	return b.cfg
}

// Send queues buffer[:length] for recipient. It never blocks beyond the queue
// lock: when the outbound queue is full the item is dropped per the drop
// policy and counted.
func (b *Bridge) Send(buffer []byte, length int, recipient int) {
	if b.closed.Load() {
		b.dropSend("bridge shut down", recipient, nil)
		return
	}
	if length < 0 || length > len(buffer) {
		b.dropSend("bad length", recipient, nil)
		return
	}
	if recipient < 0 || recipient >= dcfnet.MaxNodes {
		b.dropSend("recipient out of range", recipient, nil)
		return
	}

	env := codec.Envelope{
		Payload:   buffer[:length],
		Sender:    uint32(b.localID),
		Recipient: uint32(recipient),
		Timestamp: b.clock.Now().UnixMilli(),
		Kind:      codec.KindData,
	}
	data, err := codec.Encode(&env, nil)
	if err != nil {
		b.dropSend("encode failed", recipient, err)
		return
	}
	if err := b.outbound.Push(data); err != nil {
		b.dropSend("outbound queue full", recipient, err)
		// With DropOldest the new item was still admitted.
		if !errors.Is(err, dcfnet.ErrQueueOverflow) || b.outbound.Policy() == dcfnet.DropNewest {
			return
		}
	}
	b.stats.sendQueued.Inc()
}

func (b *Bridge) dropSend(reason string, recipient int, err error) {
	b.stats.sendDropped.Inc()
	metrics.IncrCounterWithDimGroup("bridge", "send_dropped_total", 1, metrics.Dimension{"reason": reason})
	b.logger.Debug().Str("reason", reason).Int("recipient", recipient).Err(err).Msg("send dropped")
}

// sendHeartbeat queues a liveness probe for peer id.
func (b *Bridge) sendHeartbeat(id int) error {
	if b.closed.Load() {
		return dcfnet.ErrQueueClosed
	}
	env := codec.Envelope{
		Payload:   dcfnet.HeartbeatPayload,
		Sender:    uint32(b.localID),
		Recipient: uint32(id),
		Timestamp: b.clock.Now().UnixMilli(),
		Kind:      codec.KindHeartbeat,
	}
	data, err := codec.Encode(&env, nil)
	if err != nil {
		return err
	}
	return b.outbound.Push(data)
}

// Receive pops one envelope, waiting at most the configured receive wait.
// On success the payload is copied into buffer; a payload longer than buffer
// is truncated. ok is false when nothing was available or the popped item
// was malformed, in which case remote is RemoteNode.
func (b *Bridge) Receive(buffer []byte) (n int, remote int, ok bool) {
	item, popped := b.inbound.PopWait(b.cfg.ReceiveWait)
	if !popped {
		return 0, RemoteNode, false
	}

	var env codec.Envelope
	err := codec.Decode(item, &env)
	switch {
	case err != nil:
	case env.Sender >= dcfnet.MaxNodes:
		err = errors.Newf("sender %d out of range", env.Sender)
	case env.Kind == codec.KindHeartbeat:
		return 0, RemoteNode, false
	case env.Kind != codec.KindData:
		err = errors.Newf("unknown kind %s", env.Kind)
	}
	if err != nil {
		b.stats.receiveMalformed.Inc()
		metrics.IncrCounterWithDimGroup("bridge", "errors_total", 1, metrics.Dimension{"kind": "deserialization_failure"})
		b.logger.Debug().Int("len", len(item)).Err(err).Msg("malformed inbound dropped")
		return 0, RemoteNode, false
	}

	n = copy(buffer, env.Payload)
	if n < len(env.Payload) {
		b.stats.truncated.Inc()
		b.logger.Warn().Int("payload", len(env.Payload)).Int("buffer", len(buffer)).Msg("inbound payload truncated")
	}
	b.stats.received.Inc()
	return n, int(env.Sender), true
}

// Tick runs one dispatch iteration in the cooperative regime. It returns
// false in the threaded regime, after Shutdown, or when an iteration is
// already running.
func (b *Bridge) Tick() bool {
	s, ok := b.scheduler.(*dcfnet.CooperativeScheduler)
	if !ok {
		return false
	}
	return s.Tick()
}

// RunRedundancyCycle runs one liveness cycle now. It is how hosts without
// background execution keep peers checked.
func (b *Bridge) RunRedundancyCycle() dcfnet.CycleReport {
	if b.closed.Load() {
		return dcfnet.CycleReport{}
	}
	return b.redundancy.RunOnce()
}

// Reactivate returns an INACTIVE peer to routing.
func (b *Bridge) Reactivate(id int) bool {
	return b.registry.Reactivate(id)
}

// Peers returns the peer table ordered by node id.
func (b *Bridge) Peers() []dcfnet.PeerInfo {
	return b.registry.Peers()
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		SendQueued:       b.stats.sendQueued.Load(),
		SendDropped:      b.stats.sendDropped.Load(),
		Received:         b.stats.received.Load(),
		ReceiveMalformed: b.stats.receiveMalformed.Load(),
		Truncated:        b.stats.truncated.Load(),
		ShutdownDropped:  b.stats.shutdownDropped.Load(),
		OutboundLen:      b.outbound.Len(),
		InboundLen:       b.inbound.Len(),
		RedundancyCycles: b.redundancy.Cycles(),
		Dispatcher:       b.dispatcher.Stats(),
	}
}

// Shutdown stops the loops, gives queued outbound traffic up to the
// configured drain time, discards the rest and stops the transport. The
// transport is only stopped once no dispatch iteration can run. Calling
// Shutdown again returns the first result.
func (b *Bridge) Shutdown() error {
	b.shutdownOnce.Do(func() {
		b.closed.Store(true)
		if b.configManager != nil {
			b.configManager.RemoveChangeListener(b)
		}

		b.redundancy.Stop()
		b.scheduler.Stop()

		deadline := time.Now().Add(b.cfg.ShutdownDrain)
		for b.outbound.Len() > 0 && time.Now().Before(deadline) {
			b.dispatcher.Step()
		}
		b.outbound.Close()
		if rest := b.outbound.Drain(); len(rest) > 0 {
			b.stats.shutdownDropped.Add(uint64(len(rest)))
			b.logger.Warn().Int("count", len(rest)).Msg("outbound discarded at shutdown")
		}
		b.inbound.Close()

		if err := b.stopTransport(); err != nil {
			b.shutdownErr = errors.Wrap(err, "stop transport")
		}
		b.logger.Info().Any("stats", b.Stats()).Msg("bridge shut down")
	})
	return b.shutdownErr
}

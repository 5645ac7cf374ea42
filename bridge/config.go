package bridge

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	dcfnet "github.com/lcx/dcf/net"
	"github.com/lcx/dcf/utils"
)

// Mode is the node's role in the session.
type Mode string

const (
	// ModeP2P listens on host:port and exchanges traffic with every peer.
	ModeP2P Mode = "p2p"
	// ModeMaster behaves like p2p; it is the node clients point at.
	ModeMaster Mode = "master"
	// ModeClient talks only to the master at host:port, which is node 0.
	ModeClient Mode = "client"
)

const (
	DefaultTransport     = "grpc"
	DefaultHost          = "localhost"
	DefaultPort          = 50051
	DefaultQueueCapacity = 256
	DefaultReceiveWait   = time.Millisecond
	DefaultShutdownDrain = 50 * time.Millisecond
	DefaultGroupRTT      = 100 // milliseconds
)

// Config is the bridge configuration, loaded as "dcf" by the config manager.
//
// Example yaml:
//
//	transport: remote-call
//	host: 0.0.0.0
//	port: 50051
//	mode: p2p
//	nodeId: node0
//	peers: ["10.0.0.2:50051", "2@10.0.0.3:50051"]
//	groupRttThreshold: 100
type Config struct {
	Transport         string   `mapstructure:"transport"`
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	Mode              Mode     `mapstructure:"mode"`
	NodeID            string   `mapstructure:"nodeId"`
	Peers             []string `mapstructure:"peers"`
	GroupRTTThreshold int      `mapstructure:"groupRttThreshold"`

	// ListenAddr is the local endpoint in client mode. Empty means
	// host:port+nodeId.
	ListenAddr string `mapstructure:"listenAddr"`

	Scheduler     string        `mapstructure:"scheduler"`
	QueueCapacity int           `mapstructure:"queueCapacity"`
	DropPolicy    string        `mapstructure:"dropPolicy"`
	ReceiveWait   time.Duration `mapstructure:"receiveWait"`
	ShutdownDrain time.Duration `mapstructure:"shutdownDrain"`

	// Redundancy enables the background heartbeat loop. Nil means on for
	// p2p and master, off for client.
	Redundancy         *bool         `mapstructure:"redundancy"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeatTimeout"`
	OptimisticLiveness bool          `mapstructure:"optimisticLiveness"`
	Reactivate         bool          `mapstructure:"reactivate"`

	RecvRateLimit int `mapstructure:"recvRateLimit"`
	TokenBurst    int `mapstructure:"tokenBurst"`

	// TransportOptions is handed to the transport factory as is.
	TransportOptions map[string]any `mapstructure:"transportOptions"`
}

// GetName returns the configuration name for Config
func (c *Config) GetName() string {
	return "dcf"
}

// DefaultConfig returns a p2p node 0 on localhost:50051 over gRPC.
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Mode == "" {
		c.Mode = ModeP2P
	}
	if c.NodeID == "" {
		c.NodeID = "0"
	}
	if c.GroupRTTThreshold == 0 {
		c.GroupRTTThreshold = DefaultGroupRTT
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.ReceiveWait == 0 {
		c.ReceiveWait = DefaultReceiveWait
	}
	if c.ShutdownDrain == 0 {
		c.ShutdownDrain = DefaultShutdownDrain
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = dcfnet.DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = dcfnet.DefaultHeartbeatTimeout
	}
}

// Validate fills defaults and checks every option. All failures wrap
// net.ErrConfiguration.
func (c *Config) Validate() error {
	c.applyDefaults()

	if _, err := c.LocalID(); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrapf(dcfnet.ErrConfiguration, "port %d out of range", c.Port)
	}
	switch c.Mode {
	case ModeP2P, ModeMaster, ModeClient:
	default:
		return errors.Wrapf(dcfnet.ErrConfiguration, "unknown mode %q", c.Mode)
	}
	if _, err := dcfnet.ParseSchedulerKind(c.Scheduler); err != nil {
		return err
	}
	if _, err := dcfnet.ParseDropPolicy(c.DropPolicy); err != nil {
		return err
	}
	if c.QueueCapacity < 0 {
		return errors.Wrap(dcfnet.ErrConfiguration, "queueCapacity cannot be negative")
	}
	if c.GroupRTTThreshold < 0 {
		return errors.Wrap(dcfnet.ErrConfiguration, "groupRttThreshold cannot be negative")
	}
	if c.ReceiveWait < 0 || c.ShutdownDrain < 0 {
		return errors.Wrap(dcfnet.ErrConfiguration, "durations cannot be negative")
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return errors.Wrap(dcfnet.ErrConfiguration, "heartbeat durations cannot be negative")
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return errors.Wrapf(dcfnet.ErrConfiguration, "heartbeatTimeout %s shorter than heartbeatInterval %s",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if err := c.dispatcherConfig().Validate(); err != nil {
		return errors.Wrap(dcfnet.ErrConfiguration, err.Error())
	}
	if c.Mode == ModeClient {
		if id, _ := c.LocalID(); id == 0 {
			return errors.Wrap(dcfnet.ErrConfiguration, "client mode needs a node id other than 0")
		}
	}
	if _, err := c.peerEndpoints(); err != nil {
		return err
	}
	return nil
}

// LocalID parses NodeID.
func (c *Config) LocalID() (int, error) {
	id, err := utils.ParseNodeID(c.NodeID, dcfnet.MaxNodes)
	if err != nil {
		return 0, errors.Wrap(dcfnet.ErrConfiguration, err.Error())
	}
	return id, nil
}

// RedundancyEnabled reports whether the background heartbeat loop runs.
func (c *Config) RedundancyEnabled() bool {
	if c.Redundancy != nil {
		return *c.Redundancy
	}
	return c.Mode != ModeClient
}

// CallTimeout is the per-send deadline derived from groupRttThreshold.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.GroupRTTThreshold) * time.Millisecond
}

func (c *Config) dispatcherConfig() *dcfnet.DispatcherConfig {
	return &dcfnet.DispatcherConfig{RecvRateLimit: c.RecvRateLimit, TokenBurst: c.TokenBurst}
}

// localEndpoint is where this node listens.
func (c *Config) localEndpoint() (dcfnet.Endpoint, error) {
	id, err := c.LocalID()
	if err != nil {
		return dcfnet.Endpoint{}, err
	}
	if c.Mode != ModeClient {
		return dcfnet.Endpoint{NodeID: id, Host: c.Host, Port: c.Port}, nil
	}
	if c.ListenAddr == "" {
		return dcfnet.Endpoint{NodeID: id, Host: c.Host, Port: c.Port + id}, nil
	}
	host, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return dcfnet.Endpoint{}, errors.Wrapf(dcfnet.ErrConfiguration, "listenAddr %q: %v", c.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return dcfnet.Endpoint{}, errors.Wrapf(dcfnet.ErrConfiguration, "listenAddr %q: bad port", c.ListenAddr)
	}
	return dcfnet.Endpoint{NodeID: id, Host: host, Port: port}, nil
}

// peerEndpoints resolves the static peer set for the mode.
func (c *Config) peerEndpoints() ([]dcfnet.Endpoint, error) {
	id, err := c.LocalID()
	if err != nil {
		return nil, err
	}
	if c.Mode == ModeClient {
		return []dcfnet.Endpoint{{NodeID: 0, Host: c.Host, Port: c.Port}}, nil
	}
	return dcfnet.ParsePeers(id, c.Peers, c.Port)
}

func (c *Config) String() string {
	return fmt.Sprintf("mode=%s node=%s transport=%s listen=%s:%d peers=[%s]",
		c.Mode, c.NodeID, c.Transport, c.Host, c.Port, strings.Join(c.Peers, ","))
}

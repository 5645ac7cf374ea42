package bridge

import (
	"testing"
	"time"

	dcfnet "github.com/lcx/dcf/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, "grpc", c.Transport)
	assert.Equal(t, "localhost", c.Host)
	assert.Equal(t, 50051, c.Port)
	assert.Equal(t, ModeP2P, c.Mode)
	assert.Equal(t, 256, c.QueueCapacity)
	assert.Equal(t, time.Millisecond, c.ReceiveWait)
	assert.Equal(t, 5*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, c.HeartbeatTimeout)
	assert.Equal(t, 100*time.Millisecond, c.CallTimeout())
	assert.True(t, c.RedundancyEnabled())
	assert.Equal(t, "dcf", c.GetName())
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]func(c *Config){
		"node id":        func(c *Config) { c.NodeID = "node9" },
		"port":           func(c *Config) { c.Port = 70000 },
		"mode":           func(c *Config) { c.Mode = "star" },
		"scheduler":      func(c *Config) { c.Scheduler = "fibers" },
		"drop policy":    func(c *Config) { c.DropPolicy = "random" },
		"queue":          func(c *Config) { c.QueueCapacity = -1 },
		"rtt":            func(c *Config) { c.GroupRTTThreshold = -1 },
		"receive wait":   func(c *Config) { c.ReceiveWait = -time.Millisecond },
		"heartbeat":      func(c *Config) { c.HeartbeatTimeout = time.Second },
		"rate limit":     func(c *Config) { c.RecvRateLimit = -1 },
		"peer":           func(c *Config) { c.Peers = []string{"0@host:1"} },
		"client node id": func(c *Config) { c.Mode = ModeClient },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			assert.ErrorIs(t, c.Validate(), dcfnet.ErrConfiguration)
		})
	}
}

func TestClientModeEndpoints(t *testing.T) {
	c := &Config{Mode: ModeClient, NodeID: "3", Host: "master.lan", Port: 6000}
	require.NoError(t, c.Validate())
	assert.False(t, c.RedundancyEnabled())

	local, err := c.localEndpoint()
	require.NoError(t, err)
	assert.Equal(t, dcfnet.Endpoint{NodeID: 3, Host: "master.lan", Port: 6003}, local)

	peers, err := c.peerEndpoints()
	require.NoError(t, err)
	assert.Equal(t, []dcfnet.Endpoint{{NodeID: 0, Host: "master.lan", Port: 6000}}, peers)

	c.ListenAddr = "0.0.0.0:7000"
	local, err = c.localEndpoint()
	require.NoError(t, err)
	assert.Equal(t, 7000, local.Port)

	on := true
	c.Redundancy = &on
	assert.True(t, c.RedundancyEnabled())
}

func TestP2PPeerEndpoints(t *testing.T) {
	c := &Config{NodeID: "node1", Peers: []string{"10.0.0.1", "10.0.0.3:7000"}}
	require.NoError(t, c.Validate())

	peers, err := c.peerEndpoints()
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, dcfnet.Endpoint{NodeID: 0, Host: "10.0.0.1", Port: 50051}, peers[0])
	assert.Equal(t, dcfnet.Endpoint{NodeID: 2, Host: "10.0.0.3", Port: 7000}, peers[1])
}

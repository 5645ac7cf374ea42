package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/dcf/codec"
	"github.com/lcx/dcf/config"
	dcfnet "github.com/lcx/dcf/net"
	"github.com/lcx/dcf/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memBasePort = 9000

func memConfig(id int, scheduler string, peers ...int) *Config {
	specs := make([]string, 0, len(peers))
	for _, p := range peers {
		specs = append(specs, fmt.Sprintf("%d@mem:%d", p, memBasePort+p))
	}
	return &Config{
		Transport: "mem",
		Host:      "mem",
		Port:      memBasePort + id,
		NodeID:    fmt.Sprintf("node%d", id),
		Peers:     specs,
		Scheduler: scheduler,
	}
}

func startBridge(t *testing.T, network *dcfnet.MemNetwork, cfg *Config, opts ...Option) *Bridge {
	t.Helper()
	opts = append([]Option{WithTransport(network.NewTransport())}, opts...)
	b, err := Initialize(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

func receiveWithin(t *testing.T, b *Bridge, d time.Duration) (string, int) {
	t.Helper()
	buf := make([]byte, 512)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if n, remote, ok := b.Receive(buf); ok {
			return string(buf[:n]), remote
		}
	}
	t.Fatalf("nothing received within %s", d)
	return "", RemoteNode
}

// tickAll runs cooperative iterations on every bridge until none of them has
// work left.
func tickAll(bridges ...*Bridge) {
	for i := 0; i < 100; i++ {
		worked := false
		for _, b := range bridges {
			if b.Tick() {
				worked = true
			}
		}
		if !worked {
			return
		}
	}
}

func TestPingBetweenTwoNodes(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "threaded", 1))
	b := startBridge(t, network, memConfig(1, "threaded", 0))

	a.Send([]byte("PING"), 4, 1)
	payload, remote := receiveWithin(t, b, 50*time.Millisecond)
	assert.Equal(t, "PING", payload)
	assert.Equal(t, 0, remote)
}

func TestSendOrderPreserved(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "threaded", 1))
	b := startBridge(t, network, memConfig(1, "threaded", 0))

	const n = 50
	for i := 0; i < n; i++ {
		msg := []byte(fmt.Sprintf("msg-%02d", i))
		a.Send(msg, len(msg), 1)
	}
	for i := 0; i < n; i++ {
		payload, _ := receiveWithin(t, b, time.Second)
		require.Equal(t, fmt.Sprintf("msg-%02d", i), payload)
	}
}

func TestReceiveEmptyReturnsQuickly(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "cooperative", 1))

	buf := make([]byte, 16)
	start := time.Now()
	n, remote, ok := a.Receive(buf)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Zero(t, n)
	assert.Equal(t, RemoteNode, remote)
	assert.GreaterOrEqual(t, elapsed, DefaultReceiveWait)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestSendThenShutdown(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "threaded", 1))

	a.Send([]byte("last words"), 10, 1)
	done := make(chan error, 1)
	go func() { done <- a.Shutdown() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown hung")
	}
	assert.NoError(t, a.Shutdown())
	assert.Equal(t, 0, a.Stats().OutboundLen)

	a.Send([]byte("late"), 4, 1)
	assert.Equal(t, uint64(1), a.Stats().SendDropped)
}

func TestShutdownDiscardsUndeliverable(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	cfg := memConfig(0, "cooperative", 1)
	cfg.ShutdownDrain = time.Millisecond
	a := startBridge(t, network, cfg)

	for i := 0; i < 3; i++ {
		a.Send([]byte("x"), 1, 1)
	}
	require.NoError(t, a.Shutdown())
	st := a.Stats()
	assert.Equal(t, 0, st.OutboundLen)
	assert.Equal(t, uint64(3), st.Dispatcher.SendFailed+st.ShutdownDropped)
}

func TestHeartbeatTimeoutReroutesThenDrops(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	mock := clock.NewMock()
	a := startBridge(t, network, memConfig(0, "cooperative", 1, 2), WithClock(mock))
	b := startBridge(t, network, memConfig(1, "cooperative", 0, 2), WithClock(mock))
	c := startBridge(t, network, memConfig(2, "cooperative", 0, 1), WithClock(mock))

	// B goes silent.
	require.NoError(t, b.Shutdown())

	// C keeps probing, so A hears from it.
	mock.Add(5 * time.Second)
	c.RunRedundancyCycle()
	tickAll(a, c)

	mock.Add(5 * time.Second)
	report := a.RunRedundancyCycle()
	assert.Equal(t, []int{1}, report.Expired)
	assert.Equal(t, []int{2}, report.Probed)

	peers := a.Peers()
	require.Len(t, peers, 2)
	assert.False(t, peers[0].Active)
	assert.True(t, peers[1].Active)

	a.Send([]byte("for B"), 5, 1)
	tickAll(a, c)
	payload, remote := receiveWithin(t, c, 50*time.Millisecond)
	assert.Equal(t, "for B", payload)
	assert.Equal(t, 0, remote)
	assert.Equal(t, uint64(1), a.Stats().Dispatcher.Rerouted)

	// Now C falls silent too and nothing is left to route to.
	mock.Add(10 * time.Second)
	report = a.RunRedundancyCycle()
	assert.Equal(t, []int{2}, report.Expired)

	a.Send([]byte("nowhere"), 7, 1)
	tickAll(a)
	assert.Equal(t, uint64(1), a.Stats().Dispatcher.Unroutable)
}

func TestReactivation(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	mock := clock.NewMock()
	var events []dcfnet.PeerEvent
	cfgA := memConfig(0, "cooperative", 1)
	cfgA.Reactivate = true
	a := startBridge(t, network, cfgA, WithClock(mock), WithPeerEventHandler(func(ev dcfnet.PeerEvent) {
		events = append(events, ev)
	}))
	b := startBridge(t, network, memConfig(1, "cooperative", 0), WithClock(mock))

	mock.Add(10 * time.Second)
	a.RunRedundancyCycle()
	require.False(t, a.Peers()[0].Active)

	b.Send([]byte("back"), 4, 0)
	tickAll(a, b)
	assert.True(t, a.Peers()[0].Active)

	require.Len(t, events, 2)
	assert.Equal(t, dcfnet.PeerInactive, events[0].To)
	assert.Equal(t, dcfnet.PeerActive, events[1].To)
}

func TestCooperativeTickAndPoll(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "cooperative", 1))
	b := startBridge(t, network, memConfig(1, "cooperative", 0))

	var cmd Command
	cmd.Command = CmdSend
	cmd.RemoteNode = 1
	cmd.DataLength = copy(cmd.Data[:], "tic")
	require.NoError(t, a.Poll(&cmd))

	var get Command
	get.Command = CmdGet
	require.NoError(t, b.Poll(&get))
	assert.Equal(t, RemoteNode, get.RemoteNode, "nothing moves until the host ticks")

	assert.True(t, a.Tick())
	assert.True(t, b.Tick())
	require.NoError(t, b.Poll(&get))
	assert.Equal(t, 0, get.RemoteNode)
	assert.Equal(t, "tic", string(get.Data[:get.DataLength]))

	assert.Error(t, a.Poll(&Command{Command: 9}))
	assert.Error(t, a.Poll(nil))
}

func TestThreadedTickIsNoop(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "threaded", 1))
	assert.False(t, a.Tick())
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	cfg := memConfig(0, "cooperative", 1)
	cfg.QueueCapacity = 2
	a := startBridge(t, network, cfg)

	for i := 0; i < 3; i++ {
		a.Send([]byte{byte(i)}, 1, 1)
	}
	st := a.Stats()
	assert.Equal(t, uint64(2), st.SendQueued)
	assert.Equal(t, uint64(1), st.SendDropped)
	assert.Equal(t, 2, st.OutboundLen)
}

func TestSendRejectsBadArguments(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "cooperative", 1))

	a.Send([]byte("abc"), 4, 1)
	a.Send([]byte("abc"), 3, dcfnet.MaxNodes)
	a.Send(make([]byte, 600), 600, 1)
	assert.Equal(t, uint64(3), a.Stats().SendDropped)
	assert.Equal(t, 0, a.Stats().OutboundLen)
}

func TestReceiveMalformedAndTruncated(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "cooperative", 1))

	require.NoError(t, a.inbound.Push([]byte{0xff, 0xff}))
	_, remote, ok := a.Receive(make([]byte, 8))
	assert.False(t, ok)
	assert.Equal(t, RemoteNode, remote)
	assert.Equal(t, uint64(1), a.Stats().ReceiveMalformed)

	a.Send([]byte("loopback payload"), 16, 0)
	a.Tick()
	buf := make([]byte, 4)
	n, remote, ok := a.Receive(buf)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, remote)
	assert.Equal(t, "loop", string(buf))
	assert.Equal(t, uint64(1), a.Stats().Truncated)
}

func TestReceiveNeverSurfacesBadSender(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "cooperative", 1))

	wide, err := codec.Encode(&codec.Envelope{Payload: []byte("x"), Sender: 200}, nil)
	require.NoError(t, err)
	err = a.dispatcher.OnRecvTransportPkg(&dcfnet.TransportDelivery{Data: wide})
	assert.ErrorIs(t, err, dcfnet.ErrMalformed)
	assert.Equal(t, uint64(1), a.Stats().Dispatcher.Malformed)

	require.NoError(t, a.inbound.Push(wide))
	_, remote, ok := a.Receive(make([]byte, 8))
	assert.False(t, ok)
	assert.Equal(t, RemoteNode, remote)
	assert.Equal(t, uint64(1), a.Stats().ReceiveMalformed)
}

func TestSendEmptyPayload(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "cooperative", 1))

	a.Send(make([]byte, 8), 0, 0)
	a.Tick()
	n, remote, ok := a.Receive(make([]byte, 8))
	require.True(t, ok)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, remote)
}

func TestHotReloadRateLimit(t *testing.T) {
	network := dcfnet.NewMemNetwork()
	a := startBridge(t, network, memConfig(0, "cooperative", 1))

	next := memConfig(0, "cooperative", 1)
	next.RecvRateLimit = 50
	next.TokenBurst = 10
	require.NoError(t, a.OnConfigChanged("dcf", next, a.Config()))
	assert.Equal(t, 50, a.dispatcher.Config().RecvRateLimit)

	assert.NoError(t, a.OnConfigChanged("logger", nil, nil))
	assert.Error(t, a.OnConfigChanged("dcf", &dcfnet.DispatcherConfig{}, nil))
}

func TestInitializeWithConfigManager(t *testing.T) {
	dir := t.TempDir()
	yaml := `transport: memory
host: mem
port: 9400
mode: p2p
nodeId: node0
peers: ["1@mem:9401"]
scheduler: cooperative
receiveWait: 2ms
heartbeatInterval: 1s
heartbeatTimeout: 3s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dcf.yaml"), []byte(yaml), 0o644))

	cm := config.NewConfigManager()
	cm.SetBasePath(dir)
	defer cm.Close()

	b, err := InitializeWithConfigManager(cm)
	require.NoError(t, err)
	defer b.Shutdown()

	assert.Equal(t, "mem", b.transport.Name())
	assert.Equal(t, 2*time.Millisecond, b.Config().ReceiveWait)
	assert.Equal(t, 3*time.Second, b.Config().HeartbeatTimeout)
	require.Len(t, b.Peers(), 1)
	assert.Equal(t, 9401, b.Peers()[0].Port)
}

func TestRegistryTransportLifecycle(t *testing.T) {
	cfg := &Config{
		Transport: "memory",
		Host:      "mem",
		Port:      9500,
		NodeID:    "node0",
		Peers:     []string{"1@mem:9501"},
		Scheduler: "cooperative",
	}
	b, err := Initialize(cfg)
	require.NoError(t, err)
	assert.Contains(t, plugin.ListPlugins()["transport/mem"], "0@mem:9500")

	next := *cfg
	next.TransportOptions = map[string]any{"inboxSize": 4}
	assert.NoError(t, b.OnConfigChanged("dcf", &next, cfg), "unsupported transport reload only warns")

	// Same address, different node: the transport is built, fails to bind
	// and is released again.
	clash := *cfg
	clash.NodeID = "node1"
	clash.Peers = []string{"0@mem:9501"}
	_, err = Initialize(&clash)
	assert.ErrorIs(t, err, dcfnet.ErrTransportUnavailable)
	assert.NotContains(t, plugin.ListPlugins()["transport/mem"], "1@mem:9500")

	require.NoError(t, b.Shutdown())
	assert.NotContains(t, plugin.ListPlugins()["transport/mem"], "0@mem:9500")

	again, err := Initialize(cfg)
	require.NoError(t, err)
	require.NoError(t, again.Shutdown())
}

func TestInitializeErrors(t *testing.T) {
	_, err := Initialize(nil)
	assert.ErrorIs(t, err, dcfnet.ErrConfiguration)

	cfg := memConfig(0, "cooperative", 1)
	cfg.Transport = "carrier-pigeon"
	_, err = Initialize(cfg)
	assert.ErrorIs(t, err, dcfnet.ErrConfiguration)

	// two bridges on one address
	network := dcfnet.NewMemNetwork()
	startBridge(t, network, memConfig(0, "cooperative", 1))
	_, err = Initialize(memConfig(0, "cooperative", 1), WithTransport(network.NewTransport()))
	assert.ErrorIs(t, err, dcfnet.ErrTransportUnavailable)
}

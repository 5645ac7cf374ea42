package net

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
)

const memInboxSize = 1024

// MemNetwork is an in-process network connecting MemTransports by address.
// All delivery is lossless unless a node is taken down with SetDown.
type MemNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*MemTransport
	down  map[string]bool
}

// NewMemNetwork creates an empty in-memory network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes: make(map[string]*MemTransport),
		down:  make(map[string]bool),
	}
}

// NewTransport creates a transport attached to n. It joins the network at
// Start under the local endpoint address.
func (n *MemNetwork) NewTransport() *MemTransport {
	return &MemTransport{network: n, inbox: make(chan []byte, memInboxSize)}
}

// SetDown silences addr: nothing it sends is delivered and nothing is
// delivered to it, as if the node had stopped.
func (n *MemNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

func (n *MemNetwork) join(addr string, t *MemTransport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[addr]; ok {
		return errors.Wrapf(ErrTransportUnavailable, "mem address %s in use", addr)
	}
	n.nodes[addr] = t
	return nil
}

func (n *MemNetwork) leave(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

func (n *MemNetwork) lookup(from, to string) (*MemTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[from] || n.down[to] {
		return nil, false
	}
	t, ok := n.nodes[to]
	return t, ok
}

// MemTransport is a poll-style transport over a MemNetwork.
type MemTransport struct {
	network *MemNetwork
	addr    string
	inbox   chan []byte
	started atomic.Bool
	closed  atomic.Bool
}

// NewMemPair creates two transports on a private network.
func NewMemPair() (*MemNetwork, *MemTransport, *MemTransport) {
	n := NewMemNetwork()
	return n, n.NewTransport(), n.NewTransport()
}

func (t *MemTransport) Name() string {
	return "mem"
}

// FactoryName implements plugin.Plugin.
func (t *MemTransport) FactoryName() string {
	return t.Name()
}

// Addr returns the address the transport joined under.
func (t *MemTransport) Addr() string {
	return t.addr
}

func (t *MemTransport) Start(opt TransportOption) error {
	if t.network == nil {
		return errors.Wrap(ErrConfiguration, "mem transport has no network")
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("mem transport already started")
	}
	t.addr = opt.Local.Addr()
	if err := t.network.join(t.addr, t); err != nil {
		t.started.Store(false)
		return err
	}
	return nil
}

// Send copies data into the target's inbox. A full inbox counts as a failed
// delivery.
func (t *MemTransport) Send(data []byte, to Endpoint) error {
	if t.closed.Load() || !t.started.Load() {
		return errors.Wrap(ErrTransportUnavailable, "mem transport not running")
	}
	dst, ok := t.network.lookup(t.addr, to.Addr())
	if !ok || dst.closed.Load() {
		return errors.Wrapf(ErrTransportUnavailable, "mem peer %s unreachable", to.Addr())
	}
	buf := append([]byte(nil), data...)
	select {
	case dst.inbox <- buf:
		return nil
	default:
		return errors.Wrapf(ErrTransportUnavailable, "mem peer %s inbox full", to.Addr())
	}
}

func (t *MemTransport) PollInbound() [][]byte {
	var out [][]byte
	for {
		select {
		case b := <-t.inbox:
			out = append(out, b)
		default:
			return out
		}
	}
}

func (t *MemTransport) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.started.Load() {
		t.network.leave(t.addr)
	}
	return nil
}

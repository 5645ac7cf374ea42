// Package net implements the transport bridge: bounded queues, the pluggable
// transports, the dispatch loop and its schedulers, and the peer registry with
// its redundancy loop.
package net

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a node's network identity as seen by a transport.
type Endpoint struct {
	NodeID int
	Host   string
	Port   int
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d@%s", e.NodeID, e.Addr())
}

// Transport moves serialized envelopes between nodes. Exactly one transport
// is active per bridge; it is chosen when the bridge is initialized.
//
// Inbound data reaches the dispatcher in one of two ways: push-style
// transports hand each delivery to TransportOption.Handler from their own
// goroutines, and poll-style transports return buffered data from
// PollInbound, which the dispatch loop calls every iteration. A transport may
// do both.
type Transport interface {
	// Start binds the local endpoint and begins receiving.
	Start(TransportOption) error

	// Send delivers one serialized envelope to the target. Failures are
	// returned wrapped in ErrTransportUnavailable and never panic.
	Send(data []byte, to Endpoint) error

	// PollInbound returns zero or more received envelopes without blocking
	// longer than the transport's short read deadline.
	PollInbound() [][]byte

	// Stop closes all connections and releases resources. Send after Stop
	// fails with ErrTransportUnavailable.
	Stop() error

	// Name identifies the transport variant.
	Name() string
}

// TransportDelivery is one inbound envelope as received from the wire.
type TransportDelivery struct {
	Data []byte
	// From is the remote network address when known.
	From string
	// Transport names the variant that received the data.
	Transport string
}

// DispatcherReceiver accepts push-style inbound deliveries.
type DispatcherReceiver interface {
	OnRecvTransportPkg(td *TransportDelivery) error
}

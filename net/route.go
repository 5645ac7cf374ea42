package net

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// RouteStrategy records how a route decision was reached.
type RouteStrategy int

const (
	// RouteDirect delivers to the addressed peer.
	RouteDirect RouteStrategy = iota + 1

	// RouteFailover redirects traffic for an inactive or unknown peer to the
	// lowest-id active peer.
	RouteFailover

	// RouteLoopback delivers traffic addressed to the local node back to the
	// local inbound queue.
	RouteLoopback
)

// String returns the string representation of RouteStrategy for logging and debugging
func (r RouteStrategy) String() string {
	switch r {
	case RouteDirect:
		return "Direct"
	case RouteFailover:
		return "Failover"
	case RouteLoopback:
		return "Loopback"
	default:
		return "Unknown"
	}
}

// RouteDecision is the outcome of routing one envelope.
type RouteDecision struct {
	// Recipient is the node id the envelope was addressed to.
	Recipient int
	// Target is where the envelope is actually sent.
	Target   Endpoint
	Strategy RouteStrategy
}

func (d RouteDecision) String() string {
	return fmt.Sprintf("%s(%d->%d)", d.Strategy, d.Recipient, d.Target.NodeID)
}

// Route picks the destination for application traffic addressed to
// recipient:
//
//   - the local node id routes back to the local node;
//   - an ACTIVE peer routes to itself;
//   - an INACTIVE or unknown recipient routes to the ACTIVE peer with the
//     lowest node id;
//   - with no ACTIVE peer the result is ErrTransportUnavailable.
func (r *Registry) Route(recipient int) (RouteDecision, error) {
	if recipient == r.localID {
		return RouteDecision{Recipient: recipient, Target: Endpoint{NodeID: r.localID}, Strategy: RouteLoopback}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.byID[recipient]; ok && p.active {
		return RouteDecision{Recipient: recipient, Target: p.info().Endpoint(), Strategy: RouteDirect}, nil
	}
	// peers is sorted by id, so the first active one is the lowest.
	for _, p := range r.peers {
		if p.active {
			return RouteDecision{Recipient: recipient, Target: p.info().Endpoint(), Strategy: RouteFailover}, nil
		}
	}
	return RouteDecision{Recipient: recipient}, errors.Wrapf(ErrTransportUnavailable, "no active peer for node %d", recipient)
}

// RouteExact resolves recipient without failover, whatever its state. Used
// for heartbeats, which must never be redirected.
func (r *Registry) RouteExact(recipient int) (RouteDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[recipient]
	if !ok {
		return RouteDecision{Recipient: recipient}, errors.Wrapf(ErrTransportUnavailable, "unknown node %d", recipient)
	}
	return RouteDecision{Recipient: recipient, Target: p.info().Endpoint(), Strategy: RouteDirect}, nil
}

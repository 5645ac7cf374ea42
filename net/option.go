package net

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/dcf/log"
)

// TransportOption carries what a transport needs at Start.
//
// Usage example:
//
//	transport.Start(TransportOption{
//	    Local:   Endpoint{NodeID: 0, Host: "localhost", Port: 50051},
//	    Handler: dispatcher,
//	})
type TransportOption struct {
	// Local is the endpoint to listen on. Port 0 binds an ephemeral port.
	Local Endpoint

	// Handler receives push-style inbound deliveries. Transports that only
	// buffer for PollInbound may ignore it.
	Handler DispatcherReceiver

	// CallTimeout bounds a single outbound send where the variant supports
	// deadlines. Zero leaves the transport default.
	CallTimeout time.Duration

	// Logger overrides the package default logger.
	Logger log.Logger
}

func (o *TransportOption) logger() log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.DefaultLogger()
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherFilter appends an inbound filter ahead of enqueueing.
func WithDispatcherFilter(f DispatcherFilter) DispatcherOption {
	return func(d *Dispatcher) {
		d.filters = append(d.filters, f)
	}
}

// WithDispatcherLogger sets the logger used for diagnostics.
func WithDispatcherLogger(l log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock replaces the wall clock, typically with clock.NewMock().
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithReactivation lets inbound traffic from an inactive peer reactivate it.
func WithReactivation(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.reactivate = enabled
	}
}

// WithOptimisticLiveness refreshes a peer's heartbeat timestamp when a probe
// is sent rather than when traffic is received from it.
func WithOptimisticLiveness(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.optimistic = enabled
	}
}

// WithPeerEventHandler registers a callback for peer state transitions.
func WithPeerEventHandler(h PeerEventHandler) RegistryOption {
	return func(r *Registry) {
		r.handler = h
	}
}

package net

import (
	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/codec"
	"github.com/lcx/dcf/metrics"
)

// DispatcherDelivery is an inbound delivery together with its decoded header.
type DispatcherDelivery struct {
	*TransportDelivery
	Header codec.Header
}

// DispatcherFilterHandleFunc handles a delivery at one position of the chain.
type DispatcherFilterHandleFunc func(dd *DispatcherDelivery) error

// DispatcherFilter intercepts inbound deliveries before they are enqueued. A
// filter either calls f to continue the chain or returns to consume the
// delivery.
type DispatcherFilter func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain runs filters in order, then the final handler.
type DispatcherFilterChain []DispatcherFilter

// Handle processes dd through the chain using recursion.
func (fc DispatcherFilterChain) Handle(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *DispatcherDelivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// headerFilter decodes the routing header and drops malformed bytes, senders
// outside the node id range and kinds this node does not understand.
func (d *Dispatcher) headerFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	hdr, err := codec.PeekHeader(dd.Data)
	switch {
	case err != nil:
	case hdr.Sender >= MaxNodes:
		err = errors.Newf("sender %d out of range", hdr.Sender)
	case !hdr.Kind.Known():
		err = errors.Newf("unknown kind %s", hdr.Kind)
	}
	if err != nil {
		d.stats.malformed.Inc()
		metrics.IncrCounterWithDimGroup("net", "errors_total", 1, metrics.Dimension{"kind": errorKind(ErrMalformed)})
		d.logger.Debug().Str("from", dd.From).Int("len", len(dd.Data)).Err(err).Msg("malformed inbound dropped")
		return errors.Mark(err, ErrMalformed)
	}
	dd.Header = hdr
	return f(dd)
}

// livenessFilter refreshes the sender's liveness and consumes heartbeats so
// they never reach the engine.
func (d *Dispatcher) livenessFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	sender := int(dd.Header.Sender)
	if sender != d.registry.LocalID() {
		d.registry.Touch(sender)
	}
	if dd.Header.Kind == codec.KindHeartbeat {
		d.stats.heartbeats.Inc()
		return nil
	}
	return f(dd)
}

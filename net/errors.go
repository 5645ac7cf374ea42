package net

import (
	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/codec"
)

// Error taxonomy. Only ErrConfiguration is ever returned to the engine; the
// rest are logged and counted where they occur.
var (
	// ErrConfiguration marks an unset or invalid required option.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransportUnavailable marks a channel that could not be established or
	// a send attempt that failed.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrMalformed marks inbound bytes that failed to deserialize.
	ErrMalformed = codec.ErrMalformed
	// ErrQueueOverflow marks an item dropped by a full queue.
	ErrQueueOverflow = errors.New("queue overflow")
	// ErrQueueClosed is returned when pushing to a closed queue.
	ErrQueueClosed = errors.New("queue closed")
)

// errorKind names a taxonomy error for metrics dimensions.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTransportUnavailable):
		return "transport_unavailable"
	case errors.Is(err, ErrMalformed):
		return "deserialization_failure"
	case errors.Is(err, ErrQueueOverflow):
		return "queue_overflow"
	case errors.Is(err, ErrQueueClosed):
		return "queue_closed"
	default:
		return "other"
	}
}

package net

import (
	"sync/atomic"

	"github.com/lcx/dcf/metrics"
	"golang.org/x/time/rate"
)

// DispatcherRecvLimiter is a token bucket applied to inbound deliveries.
// Deliveries over the limit are dropped rather than delayed so a transport's
// receive goroutine is never blocked.
type DispatcherRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter creates a limiter allowing limit deliveries per second
// with the given burst. A limit of 0 disables limiting.
//
// Example usage:
// limiter := NewTokenRecvLimiter(100, 10) // 100 deliveries per second with a burst of 10
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	self := &DispatcherRecvLimiter{}
	self.Reload(limit, burst)
	return self
}

func newRateLimiter(limit, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = limit
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// Allow reports whether one more delivery may pass now.
func (l *DispatcherRecvLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload swaps the limiter settings at runtime.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(newRateLimiter(limit, burst))
}

// recvLimiterFilter drops deliveries over the configured rate.
func (d *Dispatcher) recvLimiterFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if !d.recvLimiter.Allow() {
		d.stats.rateLimited.Inc()
		metrics.IncrCounterWithGroup("net", "recv_rate_limited_total", 1)
		return nil
	}
	return f(dd)
}

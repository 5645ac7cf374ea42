package net

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/metrics"
	"go.uber.org/atomic"
)

// DropPolicy selects which item a full queue discards.
type DropPolicy int

const (
	// DropNewest rejects the incoming item and keeps the queue unchanged.
	DropNewest DropPolicy = iota
	// DropOldest evicts the head and admits the incoming item.
	DropOldest
)

func (p DropPolicy) String() string {
	if p == DropOldest {
		return "oldest"
	}
	return "newest"
}

// ParseDropPolicy accepts "newest" and "oldest". Empty means DropNewest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newest":
		return DropNewest, nil
	case "oldest":
		return DropOldest, nil
	default:
		return DropNewest, errors.Wrapf(ErrConfiguration, "unknown drop policy %q", s)
	}
}

// Queue is a bounded FIFO of serialized envelopes. It is safe for concurrent
// producers and consumers; every pop is destructive, so no item is read twice.
type Queue struct {
	name   string
	policy DropPolicy

	mu     sync.Mutex
	buf    [][]byte
	head   int
	size   int
	closed bool

	// notify carries at most one pending wakeup for PopWait.
	notify chan struct{}

	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity items. A capacity below 1
// is raised to 1.
func NewQueue(name string, capacity int, policy DropPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		name:   name,
		policy: policy,
		buf:    make([][]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends item. When the queue is full one item is discarded according
// to the drop policy and ErrQueueOverflow is returned; with DropOldest the
// incoming item is still admitted.
func (q *Queue) Push(item []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	var overflow bool
	if q.size == len(q.buf) {
		overflow = true
		if q.policy == DropNewest {
			q.mu.Unlock()
			q.recordDrop()
			return errors.Wrapf(ErrQueueOverflow, "%s queue full, dropped newest", q.name)
		}
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
	}

	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
	q.mu.Unlock()

	q.signal()

	if overflow {
		q.recordDrop()
		return errors.Wrapf(ErrQueueOverflow, "%s queue full, dropped oldest", q.name)
	}
	return nil
}

func (q *Queue) recordDrop() {
	q.dropped.Inc()
	metrics.IncrCounterWithDimGroup("net", "queue_dropped_total", 1, metrics.Dimension{"queue": q.name})
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the head without waiting.
func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return item, true
}

// PopWait removes and returns the head, waiting up to timeout for one to
// arrive. It never waits longer than timeout and returns at once when the
// queue is closed and empty.
func (q *Queue) PopWait(timeout time.Duration) ([]byte, bool) {
	if item, ok := q.TryPop(); ok || timeout <= 0 {
		return item, ok
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if q.isClosed() {
			return q.TryPop()
		}
		select {
		case <-q.notify:
			if item, ok := q.TryPop(); ok {
				// Another item may still be waiting for a different consumer.
				if q.Len() > 0 {
					q.signal()
				}
				return item, true
			}
		case <-timer.C:
			return q.TryPop()
		}
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many items were discarded on overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Policy returns the drop policy.
func (q *Queue) Policy() DropPolicy {
	return q.policy
}

// Close rejects further pushes and wakes any waiter. Items already queued
// remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Drain removes and returns all queued items in FIFO order.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, q.size)
	for q.size > 0 {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
	}
	return out
}

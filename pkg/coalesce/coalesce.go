// Package coalesce collapses bursts of updates for the same key into a
// single delivery. A second update for a key overwrites the first rather
// than queueing; after a quiet window with no further updates the latest
// value is flushed exactly once.
package coalesce

import (
	"sync"
	"time"
)

const defaultMaxPending = 1024

// Coalescer buffers values by key and flushes each key once per quiet
// period. Safe for concurrent use. The flush callback runs on an internal
// goroutine, never under the Coalescer lock.
type Coalescer[K comparable, V any] struct {
	window time.Duration
	max    int
	flush  func(K, V)

	mu      sync.Mutex
	pending map[K]*entry[V]
	timer   *time.Timer
	closed  bool
}

type entry[V any] struct {
	value    V
	deadline time.Time
}

// New creates a coalescer. window is the quiet period per key; maxPending
// bounds the buffer (0 means the default). When the bound is hit the entry
// closest to its deadline is flushed early rather than dropped.
func New[K comparable, V any](window time.Duration, maxPending int, flush func(K, V)) *Coalescer[K, V] {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &Coalescer[K, V]{
		window:  window,
		max:     maxPending,
		flush:   flush,
		pending: make(map[K]*entry[V]),
	}
}

// Put buffers a value for key, replacing any pending value and restarting
// the key's quiet window.
func (c *Coalescer[K, V]) Put(key K, value V) {
	var early []flushItem[K, V]

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if e, ok := c.pending[key]; ok {
		e.value = value
		e.deadline = time.Now().Add(c.window)
	} else {
		if len(c.pending) >= c.max {
			early = append(early, c.evictEarliestLocked())
		}
		c.pending[key] = &entry[V]{value: value, deadline: time.Now().Add(c.window)}
	}
	c.rescheduleLocked()
	c.mu.Unlock()

	for _, item := range early {
		c.flush(item.key, item.value)
	}
}

// Cancel drops any pending value for key without flushing it.
func (c *Coalescer[K, V]) Cancel(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
	c.rescheduleLocked()
}

// Close drops all pending values without flushing and stops the timer.
func (c *Coalescer[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = make(map[K]*entry[V])
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Pending returns the number of buffered keys.
func (c *Coalescer[K, V]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

type flushItem[K comparable, V any] struct {
	key   K
	value V
}

// evictEarliestLocked removes and returns the entry closest to its deadline.
func (c *Coalescer[K, V]) evictEarliestLocked() flushItem[K, V] {
	var (
		bestKey K
		best    *entry[V]
	)
	for k, e := range c.pending {
		if best == nil || e.deadline.Before(best.deadline) {
			bestKey, best = k, e
		}
	}
	delete(c.pending, bestKey)
	return flushItem[K, V]{key: bestKey, value: best.value}
}

// rescheduleLocked arms the single timer for the earliest pending deadline.
func (c *Coalescer[K, V]) rescheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.closed || len(c.pending) == 0 {
		return
	}
	var earliest time.Time
	for _, e := range c.pending {
		if earliest.IsZero() || e.deadline.Before(earliest) {
			earliest = e.deadline
		}
	}
	d := time.Until(earliest)
	if d < 0 {
		d = 0
	}
	c.timer = time.AfterFunc(d, c.fire)
}

// fire flushes every entry whose quiet window has elapsed.
func (c *Coalescer[K, V]) fire() {
	now := time.Now()
	var due []flushItem[K, V]

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for k, e := range c.pending {
		if !e.deadline.After(now) {
			due = append(due, flushItem[K, V]{key: k, value: e.value})
			delete(c.pending, k)
		}
	}
	c.rescheduleLocked()
	c.mu.Unlock()

	for _, item := range due {
		c.flush(item.key, item.value)
	}
}

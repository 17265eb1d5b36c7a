package push

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// MemoryChannel is an in-process Channel for tests. Publish fans events out
// to every live subscriber on their own delivery goroutines.
type MemoryChannel struct {
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	closed atomic.Bool
}

// NewMemoryChannel creates an in-memory push channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[string]*memorySubscription)}
}

// Publish delivers an event to all subscribers. A subscriber whose buffer is
// full loses the event, mirroring the lossiness of the real channel.
func (c *MemoryChannel) Publish(event Event) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.events <- event:
		default:
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		id:      ulid.Make().String(),
		events:  make(chan Event, 256),
		handler: handler,
		channel: c,
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

func (c *MemoryChannel) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if !sub.closed.Swap(true) {
			close(sub.events)
		}
	}
	c.subs = make(map[string]*memorySubscription)
	return nil
}

type memorySubscription struct {
	id      string
	events  chan Event
	handler Handler
	channel *MemoryChannel
	closed  atomic.Bool
}

func (s *memorySubscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.channel.mu.Lock()
	delete(s.channel.subs, s.id)
	s.channel.mu.Unlock()
	close(s.events)
	return nil
}

func (s *memorySubscription) ID() string { return s.id }

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return
			}
			s.handler(event)
		case <-ctx.Done():
			return
		}
	}
}

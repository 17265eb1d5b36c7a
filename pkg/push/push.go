// Package push abstracts the realtime push channel that announces execution
// progress. The channel is untrusted: messages may be dropped, duplicated,
// or arrive before the state they describe exists. Consumers treat events as
// refresh hints, never as ground truth.
//
// The default implementations are a WebSocket client and a NATS subscriber,
// with an in-memory channel for testing.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed channel.
	ErrClosed = errors.New("push channel closed")
)

// EventKind tags a realtime event.
type EventKind string

const (
	KindCaseUpdate  EventKind = "case_update"
	KindRunComplete EventKind = "run_complete"
	KindSuiteUpdate EventKind = "suite_update"
)

// Event is one push notification. Payload is opaque to this layer.
type Event struct {
	Kind     EventKind       `json:"type"`
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Handler receives events. Called on an internal goroutine; must not block
// for long.
type Handler func(Event)

// Channel is a source of realtime events. Implementations must be safe for
// concurrent use.
type Channel interface {
	// Subscribe registers a handler and returns a subscription identified by
	// an opaque listener id. Events already in flight may or may not be
	// delivered to a new subscriber.
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)

	// Close tears down the channel and all subscriptions.
	Close() error
}

// Subscription is an active listener registration.
type Subscription interface {
	// Unsubscribe stops delivery and releases resources.
	Unsubscribe() error

	// ID returns the opaque listener id.
	ID() string
}

// Config holds connection settings shared by the remote implementations.
type Config struct {
	// URL is the endpoint: a ws:// or wss:// address for the WebSocket
	// channel, a nats:// address for the NATS channel.
	URL string

	// Subject is the NATS subject or WebSocket topic to listen on.
	Subject string

	// Token is the bearer token presented on connect, if any.
	Token string

	// Timeout bounds the initial connect.
	Timeout time.Duration
}

// DefaultConfig returns settings suitable for a local development broker.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Subject: "planrun.events",
		Timeout: 10 * time.Second,
	}
}

package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/planrun/planrun/pkg/logging"
)

// NATSChannel implements Channel over a NATS subject.
type NATSChannel struct {
	conn    *nats.Conn
	config  Config
	logger  *logging.Logger
	closed  atomic.Bool
	ownConn bool
}

// NewNATSChannel connects to NATS and returns a push channel for the
// configured subject. The client reconnects indefinitely on its own; gaps
// during reconnects are covered by the poll fallback downstream.
func NewNATSChannel(cfg Config, logger *logging.Logger) (*NATSChannel, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultConfig().Subject
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := []nats.Option{
		nats.Name("planrun-push"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSChannel{
		conn:    conn,
		config:  cfg,
		logger:  logging.OrNop(logger),
		ownConn: true,
	}, nil
}

// NewNATSChannelFromConn wraps an existing connection. Useful for testing
// with an embedded server; the caller keeps ownership of conn.
func NewNATSChannelFromConn(conn *nats.Conn, subject string, logger *logging.Logger) *NATSChannel {
	cfg := DefaultConfig()
	if subject != "" {
		cfg.Subject = subject
	}
	return &NATSChannel{
		conn:   conn,
		config: cfg,
		logger: logging.OrNop(logger),
	}
}

func (c *NATSChannel) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sub, err := c.conn.Subscribe(c.config.Subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Warn("dropping malformed push event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, err
	}

	return &natsSubscription{id: ulid.Make().String(), sub: sub}, nil
}

func (c *NATSChannel) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	if c.ownConn {
		c.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	id  string
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func (s *natsSubscription) ID() string { return s.id }

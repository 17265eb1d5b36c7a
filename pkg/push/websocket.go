package push

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/planrun/planrun/pkg/logging"
)

const (
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 54 * time.Second
	wsWriteDeadline = 10 * time.Second
)

// WebSocketChannel implements Channel over a WebSocket connection to the
// push endpoint. A dead connection is not redialed here: the coordinator's
// poll fallback carries updates until the screen rebuilds the channel.
type WebSocketChannel struct {
	conn    *websocket.Conn
	logger  *logging.Logger
	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string]Handler
	closed atomic.Bool
	done   chan struct{}
}

// NewWebSocketChannel dials the push endpoint and starts the read pump.
func NewWebSocketChannel(ctx context.Context, cfg Config, logger *logging.Logger) (*WebSocketChannel, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c := &WebSocketChannel{
		conn:   conn,
		logger: logging.OrNop(logger),
		subs:   make(map[string]Handler),
		done:   make(chan struct{}),
	}

	go c.readPump()
	go c.pingLoop()
	return c, nil
}

func (c *WebSocketChannel) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := ulid.Make().String()
	c.mu.Lock()
	c.subs[id] = handler
	c.mu.Unlock()
	return &wsSubscription{id: id, channel: c}, nil
}

func (c *WebSocketChannel) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	close(c.done)
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Done is closed when the connection drops, so owners can rebuild the
// channel if they want push back before the next poll tick.
func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.done
}

func (c *WebSocketChannel) readPump() {
	defer func() {
		if !c.closed.Swap(true) {
			close(c.done)
			_ = c.conn.Close()
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		var event Event
		if err := c.conn.ReadJSON(&event); err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("push channel read error", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		c.mu.RLock()
		handlers := make([]Handler, 0, len(c.subs))
		for _, h := range c.subs {
			handlers = append(handlers, h)
		}
		c.mu.RUnlock()

		for _, h := range handlers {
			h(event)
		}
	}
}

func (c *WebSocketChannel) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

type wsSubscription struct {
	id      string
	channel *WebSocketChannel
}

func (s *wsSubscription) Unsubscribe() error {
	s.channel.mu.Lock()
	delete(s.channel.subs, s.id)
	s.channel.mu.Unlock()
	return nil
}

func (s *wsSubscription) ID() string { return s.id }

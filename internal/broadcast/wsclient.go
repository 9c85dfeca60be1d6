package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/daysync/daysync/internal/metrics"
)

// ErrNotConnected is returned by Publish while the client is reconnecting.
var ErrNotConnected = errors.New("broadcast hub not connected")

// WSClientConfig holds client settings.
type WSClientConfig struct {
	// URL of the hub's /ws endpoint, e.g. ws://127.0.0.1:7717/ws
	URL string

	// Origin identifies this endpoint; its own messages are not delivered
	// back to it.
	Origin string

	// MinBackoff and MaxBackoff bound the reconnect delay
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger *log.Logger
}

// WSClient is a Bus endpoint connected to a Hub. It dials in the background
// and reconnects with exponential backoff.
type WSClient struct {
	url        string
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *log.Logger
	registry   *registry

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{}
	closed  bool
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient starts a client. It returns immediately; use WaitReady to
// block until the first connection is up.
func NewWSClient(config WSClientConfig) (*WSClient, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("hub url cannot be empty")
	}
	if config.Origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		url:        config.URL,
		minBackoff: config.MinBackoff,
		maxBackoff: config.MaxBackoff,
		logger:     config.Logger,
		registry:   newRegistry(config.Origin, config.Logger),
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// WaitReady blocks until the client is connected or ctx is done.
func (c *WSClient) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a hub connection is up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Publish implements Bus.
func (c *WSClient) Publish(ctx context.Context, topic string, msg Message) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(stamp(c.registry.origin, topic, msg))
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to publish to hub: %w", err)
	}
	metrics.BroadcastMessages.WithLabelValues("websocket", "sent").Inc()
	return nil
}

// Subscribe implements Bus.
func (c *WSClient) Subscribe(topic string, h Handler) func() {
	return c.registry.subscribe(topic, h)
}

// Close implements Bus.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
	return nil
}

func (c *WSClient) run() {
	defer c.wg.Done()

	backoff := c.minBackoff
	for {
		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Printf("Hub dial failed, retrying in %v: %v", backoff, err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		conn.SetReadLimit(maxMessageBytes)
		backoff = c.minBackoff

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		c.conn = conn
		select {
		case <-c.ready:
		default:
			close(c.ready)
		}
		c.mu.Unlock()
		c.logger.Printf("Connected to hub %s", c.url)

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.ready = make(chan struct{})
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Printf("Lost hub connection, reconnecting")
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("Dropping malformed hub message: %v", err)
			continue
		}
		if c.registry.dispatch(msg) {
			metrics.BroadcastMessages.WithLabelValues("websocket", "received").Inc()
		}
	}
}

// Package client adapts the end-user websocket to the session: it decodes
// inbound frames and serializes outbound notifications through one writer.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/observability/metrics"
	"voice-proxy-service/internal/schema"
	"voice-proxy-service/internal/wsconn"
)

// ErrDisconnected is returned once the client has gone away, whether it sent
// a close frame, dropped the socket, or the channel was closed locally.
var ErrDisconnected = errors.New("client disconnected")

// Channel is the duplex connection to one end user.
type Channel interface {
	// Receive blocks for the next inbound frame.
	Receive(ctx context.Context) (models.ClientFrame, error)
	// Send queues a notification, blocking while the queue is full.
	Send(ctx context.Context, n models.Notification) error
	// TrySend queues a notification without blocking and reports whether
	// it was accepted.
	TrySend(n models.Notification) bool
	// Close flushes queued notifications and closes the connection. It is
	// idempotent.
	Close() error
}

// Options tune a WebSocketChannel.
type Options struct {
	QueueSize     int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
	// FlushTimeout bounds how long Close spends writing queued frames.
	FlushTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = time.Second
	}
	if o.Metrics == nil {
		o.Metrics = metrics.DefaultMetrics
	}
	if o.Logger == nil {
		l := log.Logger
		o.Logger = &l
	}
	return o
}

// WebSocketChannel is a Channel over a server-side websocket.
type WebSocketChannel struct {
	conn      *wsconn.Conn
	opts      Options
	validator *schema.Validator
	logger    zerolog.Logger

	queue      chan models.Notification
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	writeErr error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade upgrades an HTTP request to a websocket and wraps it.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*WebSocketChannel, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewWebSocketChannel(ws, opts), nil
}

// NewWebSocketChannel wraps an established websocket and starts its writer.
func NewWebSocketChannel(ws *websocket.Conn, opts Options) *WebSocketChannel {
	opts = opts.withDefaults()
	c := &WebSocketChannel{
		conn: wsconn.New(ws, wsconn.Options{
			WriteTimeout: opts.WriteTimeout,
			ReadLimit:    opts.MaxFrameBytes,
		}),
		opts:       opts,
		validator:  schema.New("client"),
		logger:     *opts.Logger,
		queue:      make(chan models.Notification, opts.QueueSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Receive returns the next decoded frame. Binary frames decode as unknown.
func (c *WebSocketChannel) Receive(ctx context.Context) (models.ClientFrame, error) {
	msg, err := c.conn.Receive(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return models.ClientFrame{}, ctx.Err()
		case errors.Is(err, wsconn.ErrClosed), wsconn.IsPeerClose(err):
			return models.ClientFrame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
		default:
			return models.ClientFrame{}, fmt.Errorf("client receive: %w", err)
		}
	}
	if !msg.IsText() {
		return models.ClientFrame{Kind: models.ClientFrameUnknown}, nil
	}
	return models.DecodeClientFrame(msg.Data)
}

// Send queues n for the writer.
func (c *WebSocketChannel) Send(ctx context.Context, n models.Notification) error {
	if err := c.err(); err != nil {
		return err
	}
	select {
	case <-c.closing:
		return ErrDisconnected
	default:
	}
	select {
	case c.queue <- n:
		return nil
	case <-c.closing:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues n if there is room.
func (c *WebSocketChannel) TrySend(n models.Notification) bool {
	if c.err() != nil {
		return false
	}
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.queue <- n:
		return true
	default:
		c.logger.Warn().Str("type", string(n.Type)).Msg("Client queue full, dropping notification")
		return false
	}
}

// Close stops accepting notifications, flushes what is queued within the
// flush timeout, and closes the socket.
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.writerDone
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketChannel) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

func (c *WebSocketChannel) fail(err error) {
	c.mu.Lock()
	if c.writeErr == nil {
		c.writeErr = fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	c.mu.Unlock()
}

func (c *WebSocketChannel) writeLoop() {
	defer close(c.writerDone)

	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case n := <-c.queue:
			c.write(n)
		case <-ping.C:
			if c.err() == nil {
				if err := c.conn.Ping(); err != nil {
					c.fail(err)
				}
			}
		case <-c.closing:
			c.flush()
			return
		}
	}
}

func (c *WebSocketChannel) flush() {
	deadline := time.Now().Add(c.opts.FlushTimeout)
	for time.Now().Before(deadline) {
		select {
		case n := <-c.queue:
			c.write(n)
		default:
			return
		}
	}
}

func (c *WebSocketChannel) write(n models.Notification) {
	if c.err() != nil {
		return
	}
	if err := c.validator.Validate(n); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping invalid notification")
		return
	}
	if err := c.conn.WriteJSON(context.Background(), n); err != nil {
		c.logger.Debug().Err(err).Str("type", string(n.Type)).Msg("Client write failed")
		c.fail(err)
		return
	}
	c.opts.Metrics.RecordNotification(string(n.Type))
}

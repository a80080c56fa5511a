// Package wsconn wraps a gorilla websocket connection with a context-aware
// receive path, serialized writes and idempotent close.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by operations on a connection that was closed locally.
var ErrClosed = errors.New("websocket connection closed")

const (
	defaultWriteTimeout = 5 * time.Second
	defaultInboundSize  = 64
	closeFrameTimeout   = time.Second
)

// Options tune a Conn.
type Options struct {
	WriteTimeout time.Duration
	ReadLimit    int64
	InboundSize  int
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.InboundSize <= 0 {
		o.InboundSize = defaultInboundSize
	}
	return o
}

// Message is one inbound websocket message.
type Message struct {
	Type int
	Data []byte
}

// IsText reports whether the message is a text frame.
func (m Message) IsText() bool {
	return m.Type == websocket.TextMessage
}

// Conn is safe for one reader goroutine and any number of writers.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	writeMu sync.Mutex

	inbound chan Message
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
	isClosed  atomic.Bool
}

// Dial opens a client connection.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return New(ws, opts), nil
}

// New wraps an established connection and starts its read pump.
func New(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	c := &Conn{
		ws:      ws,
		opts:    opts,
		inbound: make(chan Message, opts.InboundSize),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.inbound <- Message{Type: typ, Data: data}:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}
}

// Receive returns the next inbound message. It returns ctx.Err() when ctx is
// done, ErrClosed after a local Close, and the transport error otherwise.
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-c.inbound:
		if !ok {
			if c.isClosed.Load() {
				return Message{}, ErrClosed
			}
			return Message{}, c.readErr
		}
		return msg, nil
	}
}

// WriteJSON writes v as a text frame. The write deadline is the earlier of
// ctx's deadline and the configured write timeout.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.prepareWrite(ctx); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// WriteMessage writes a raw frame of the given type.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.prepareWrite(ctx); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// prepareWrite must be called with writeMu held.
func (c *Conn) prepareWrite(ctx context.Context) error {
	if c.isClosed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.ws.SetWriteDeadline(deadline)
}

// Ping writes a websocket ping control frame.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed.Load() {
		return ErrClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.opts.WriteTimeout))
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close sends a normal close frame and closes the connection. Only the first
// call does anything.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.isClosed.Store(true)
		close(c.closed)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameTimeout),
		)
		err = c.ws.Close()
	})
	return err
}

// IsPeerClose reports whether err is a close frame (or abnormal closure)
// received from the peer.
func IsPeerClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

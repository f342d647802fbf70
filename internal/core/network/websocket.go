package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketOptions tunes a websocket Conn. Zero durations disable the
// corresponding deadline or keepalive.
type WebSocketOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
}

func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		ReadLimit:    1 << 20,
	}
}

// WebSocketDialer dials ws:// and wss:// peers.
type WebSocketDialer struct {
	Dialer  *websocket.Dialer
	Header  http.Header
	Options WebSocketOptions
}

func NewWebSocketDialer(opts WebSocketOptions) *WebSocketDialer {
	return &WebSocketDialer{Options: opts}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s (%s): %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewWebSocketConn(c, d.Options), nil
}

// WebSocketConn adapts a gorilla connection to Conn. Outbound frames go
// through a bounded queue drained by a single write pump.
type WebSocketConn struct {
	conn *websocket.Conn
	opts WebSocketOptions

	mu     sync.RWMutex
	closed bool

	out       chan string
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func NewWebSocketConn(c *websocket.Conn, opts WebSocketOptions) *WebSocketConn {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = DefaultWebSocketOptions().SendBuffer
	}
	wc := &WebSocketConn{
		conn:     c,
		opts:     opts,
		out:      make(chan string, opts.SendBuffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	if opts.ReadLimit > 0 {
		c.SetReadLimit(opts.ReadLimit)
	}
	if opts.PongTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		})
	}
	go wc.writePump()
	return wc
}

func (c *WebSocketConn) Send(text string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.out <- text:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Receive returns the next text message. Binary messages are skipped. A
// cancelled ctx closes the connection.
func (c *WebSocketConn) Receive(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() { c.shutdown() })
	defer stop()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", ErrConnClosed
			}
			return "", err
		}
		if mt != websocket.TextMessage {
			continue
		}
		if c.opts.PongTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		}
		return string(data), nil
	}
}

// Close flushes queued frames, sends a close message and waits for the
// write pump to exit.
func (c *WebSocketConn) Close() error {
	c.shutdown()
	<-c.pumpDone
	return nil
}

func (c *WebSocketConn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *WebSocketConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *WebSocketConn) writePump() {
	defer close(c.pumpDone)
	defer c.conn.Close()

	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case text := <-c.out:
			if err := c.write(text); err != nil {
				c.shutdown()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.drain()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, c.deadline())
			return
		}
	}
}

func (c *WebSocketConn) drain() {
	for {
		select {
		case text := <-c.out:
			if err := c.write(text); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WebSocketConn) write(text string) error {
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *WebSocketConn) deadline() time.Time {
	if c.opts.WriteTimeout > 0 {
		return time.Now().Add(c.opts.WriteTimeout)
	}
	return time.Now().Add(time.Second)
}

// Package transport owns the persistent socket between the agent and one
// coordination server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livepush/agent/internal/logbuf"
	"github.com/livepush/agent/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ErrNotConnected is returned by Send before Connect succeeds or after the
// channel is closed.
var ErrNotConnected = errors.New("channel not connected")

// Handlers receive channel lifecycle events. Message is called from the read
// loop, one envelope at a time; the next frame is not read until it returns.
// Pongs are not read while Message runs either, so the pong deadline is
// restarted once it returns.
type Handlers struct {
	Connected func()
	// Failed is called for a failed dial and for a socket error before the
	// join completed. Either way log buffering is stopped first.
	Failed       func(err error)
	Disconnected func(err error)
	Message      func(env protocol.Envelope)
}

// Options configures a Channel.
type Options struct {
	// Header is sent with the handshake (e.g. Authorization).
	Header http.Header
	// Buffer is flushed after join and disabled on failure.
	Buffer       *logbuf.Buffer
	Logger       *slog.Logger
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Channel is one socket connection. It is not reused: a reconnect builds a
// new Channel.
type Channel struct {
	url      string
	handlers Handlers
	opts     Options
	log      *slog.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex // serialises all conn writes (ping, join, logs, replies)
	conn       *websocket.Conn
	started    bool
	closed     bool
	pingCancel context.CancelFunc
	done       chan struct{}
}

// New returns an unconnected Channel for the socket URL endpoint.
func New(endpoint string, h Handlers, opts Options) *Channel {
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = pongTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		url:      endpoint,
		handlers: h,
		opts:     opts,
		log:      logger.With("component", "transport"),
		done:     make(chan struct{}),
	}
}

// Done is closed when the read loop exits.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Connected reports whether the socket is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Connect dials a fresh connection, announces join and starts reading. A
// failed dial or join stops log buffering and reports through Failed.
// There is no handshake timeout beyond ctx.
func (c *Channel) Connect(ctx context.Context, join protocol.Join) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("channel already connected once")
	}
	c.started = true
	if c.closed {
		c.mu.Unlock()
		close(c.done)
		return ErrNotConnected
	}
	c.mu.Unlock()

	// A private dialer per connection: nothing is shared with an earlier
	// connection to the same server.
	dialer := &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		c.fail(fmt.Errorf("connect failed: %w", err))
		close(c.done)
		return err
	}

	pingCtx, pingCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pingCancel()
		conn.Close()
		close(c.done)
		return ErrNotConnected
	}
	c.conn = conn
	c.pingCancel = pingCancel
	c.mu.Unlock()

	if err := c.Send(protocol.MsgJoin, join); err != nil {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.teardown()
		c.fail(fmt.Errorf("join failed: %w", err))
		close(c.done)
		return err
	}

	if c.opts.Buffer != nil {
		c.opts.Buffer.Flush(c)
	}
	if c.handlers.Connected != nil {
		c.handlers.Connected()
	}

	go c.pingLoop(pingCtx, conn)
	go c.readLoop(conn)
	return nil
}

func (c *Channel) fail(err error) {
	if c.opts.Buffer != nil {
		c.opts.Buffer.Disable()
	}
	c.log.Warn("channel error", "op", "connect", "url", c.url, "error", err)
	if c.handlers.Failed != nil {
		c.handlers.Failed(err)
	}
}

// Send writes one envelope. It never logs, so it is safe to call from the
// log forwarding path.
func (c *Channel) Send(t protocol.MessageType, payload any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

// Disconnect closes the socket. Disconnected fires from the read loop. It is
// safe to call from inside a Message handler and more than once.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.teardown()
}

func (c *Channel) teardown() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.pingCancel
	c.pingCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	conn.Close()
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer close(c.done)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			intentional := c.closed
			c.closed = true
			c.conn = nil
			cancel := c.pingCancel
			c.pingCancel = nil
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			conn.Close()
			if intentional {
				err = nil
			}
			if c.handlers.Disconnected != nil {
				c.handlers.Disconnected(err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed frame", "op", "read", "error", err)
			continue
		}
		if !env.Type.Inbound() {
			c.log.Debug("ignoring message", "type", env.Type)
			continue
		}
		if c.handlers.Message != nil {
			c.handlers.Message(env)
			conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		}
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/dns"
	"github.com/BioHazard786/Huddle/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingBuffer = 64
)

// Client manages the WebSocket connection to a rendezvous service.
type Client struct {
	serverURL string
	logger    *slog.Logger

	conn     *websocket.Conn
	incoming chan *Message
	outgoing chan *Message

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	open      atomic.Bool

	mu  sync.Mutex
	err error
}

// NewClient creates a client for serverURL. Nothing is dialled until Connect.
func NewClient(serverURL string, logger *slog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		logger:    logging.OrDefault(logger).With("component", "signaling", "server", serverURL),
		incoming:  make(chan *Message, 16),
		outgoing:  make(chan *Message, outgoingBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *Client) URL() string {
	return c.serverURL
}

// Connect dials the server. ctx bounds the dial; once it returns the
// connection lives until Close or a transport failure.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return apperr.Wrap("connect", apperr.ErrSignalingUnavailable, "invalid server URL: "+err.Error())
	}

	dialer := websocket.Dialer{
		NetDialContext:   dns.DialContext,
		HandshakeTimeout: writeWait,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.finish(nil)
		return apperr.Wrap("connect", apperr.ErrSignalingUnavailable, err.Error())
	}

	c.mu.Lock()
	select {
	case <-c.closing:
		c.mu.Unlock()
		conn.Close()
		c.finish(nil)
		return apperr.New("connect", apperr.ErrClosed)
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.open.Store(true)
	c.logger.Debug("connected")

	go c.readPump()
	go c.writePump()
	return nil
}

// readPump reads messages until the connection fails or is closed.
func (c *Client) readPump() {
	var readErr error
	defer func() {
		c.open.Store(false)
		c.conn.Close()
		c.finish(readErr)
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closing:
			default:
				readErr = err
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		select {
		case c.incoming <- &msg:
		case <-c.closing:
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", "type", msg.Type, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closing:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-c.done:
			return
		}
	}
}

// drain flushes whatever was queued before Close, so a trailing leave
// message still reaches the server.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues msg for delivery. Delivery is best effort: when the
// connection is not open or the queue is full the message is dropped.
func (c *Client) Send(msg *Message) {
	if !c.open.Load() {
		c.logger.Debug("dropping message, not connected", "type", msg.Type)
		return
	}
	select {
	case c.outgoing <- msg:
	case <-c.done:
	default:
		c.logger.Warn("dropping message, send queue full", "type", msg.Type)
	}
}

// Incoming yields inbound messages in arrival order. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// Done is closed once the connection has ended for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Open reports whether messages can currently be sent.
func (c *Client) Open() bool {
	return c.open.Load()
}

// Err returns why the connection ended: nil after Close, a SessionLost error
// after a transport failure.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. It is safe to call more than once and
// before Connect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		connected := c.conn != nil
		close(c.closing)
		c.mu.Unlock()
		if !connected {
			c.finish(nil)
		}
	})
}

func (c *Client) finish(cause error) {
	c.doneOnce.Do(func() {
		c.open.Store(false)
		if cause != nil {
			c.mu.Lock()
			c.err = apperr.Wrap("signaling", apperr.ErrSessionLost, fmt.Sprint(cause))
			c.mu.Unlock()
		}
		close(c.done)
	})
}

// Package wstransport serves sessions over WebSocket connections, one JSON
// message per text frame.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/sharedoc/protocol"
	"github.com/ggoodman/sharedoc/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// ErrClosed is returned by Send once the connection has stopped.
var ErrClosed = errors.New("wstransport: connection closed")

// ErrSlowConsumer is returned by Send when the client is not reading fast
// enough to drain the send buffer. The connection is stopped.
var ErrSlowConsumer = errors.New("wstransport: send buffer full")

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithCheckOrigin decides which browser origins may connect. By default
// gorilla's same-origin check applies.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// WithSessionOptions passes opts to every session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(h *Handler) { h.sessionOpts = append(h.sessionOpts, opts...) }
}

// WithMaxMessageSize caps inbound frames. Larger frames close the connection.
func WithMaxMessageSize(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessageSize = n
		}
	}
}

// Handler upgrades HTTP requests to WebSocket connections and runs a session
// on each.
type Handler struct {
	auth           session.Authenticator
	log            *slog.Logger
	upgrader       websocket.Upgrader
	sessionOpts    []session.Option
	maxMessageSize int64

	wg sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// New returns a Handler authenticating connections with auth.
func New(auth session.Authenticator, opts ...Option) *Handler {
	h := &Handler{
		auth: auth,
		log:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		maxMessageSize: maxMessageSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.log.DebugContext(r.Context(), "wstransport.upgrade_failed", slog.String("err", err.Error()))
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	c := newConn(ws, r, h.log, h.maxMessageSize)
	go c.writePump()
	defer func() {
		c.Stop()
		<-c.flushed
	}()

	// The request context ends when the client goes away or the server shuts
	// down; either way the connection stops.
	stop := context.AfterFunc(r.Context(), c.Stop)
	defer stop()

	opts := append([]session.Option{
		session.WithLogger(h.log),
		session.WithTransportName("websocket"),
	}, h.sessionOpts...)
	if err := session.Serve(r.Context(), c, h.auth, opts...); err != nil {
		h.log.DebugContext(r.Context(), "wstransport.serve_ended", slog.String("err", err.Error()))
	}
}

// Wait blocks until every connection served so far has finished.
func (h *Handler) Wait() { h.wg.Wait() }

// conn is one WebSocket connection. It implements session.Conn.
type conn struct {
	ws      *websocket.Conn
	headers http.Header
	remote  string
	log     *slog.Logger

	send chan protocol.Response

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	// flushed is closed once the write pump has exited.
	flushed chan struct{}
}

var _ session.Conn = (*conn)(nil)

func newConn(ws *websocket.Conn, r *http.Request, log *slog.Logger, limit int64) *conn {
	ws.SetReadLimit(limit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &conn{
		ws:      ws,
		headers: r.Header.Clone(),
		remote:  r.RemoteAddr,
		log:     log,
		send:    make(chan protocol.Response, sendBuffer),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

// Send queues msg for the write pump.
func (c *conn) Send(ctx context.Context, msg protocol.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.stopLocked()
		return ErrSlowConsumer
	}
}

func (c *conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Stop closes the connection after flushing messages already queued.
func (c *conn) Stop() {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
}

func (c *conn) stopLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *conn) Headers() http.Header { return c.headers }

func (c *conn) RemoteAddr() string { return c.remote }

// Receive reads the next frame. It returns io.EOF once either side has
// closed the connection.
func (c *conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Stop()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("wstransport: read: %w", err)
			}
			return nil, io.EOF
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.flushed)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.Debug("wstransport.write_failed", slog.String("err", err.Error()))
				c.Stop()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Stop()
				return
			}
		case <-c.done:
			// Nothing is queued after done closes, so draining empties the
			// buffer for good.
			for {
				select {
				case msg := <-c.send:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *conn) write(msg protocol.Response) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

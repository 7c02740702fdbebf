package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/ggoodman/sharedoc/protocol"
	"github.com/ggoodman/sharedoc/session"
)

// ErrClosed is returned by Send once the connection has stopped.
var ErrClosed = errors.New("stdio: connection closed")

// Handler is a single-connection transport reading messages from an
// io.Reader and writing replies to an io.Writer. By default, it uses
// os.Stdin and os.Stdout.
type Handler struct {
	auth        session.Authenticator
	in          io.Reader
	out         io.Writer
	log         *slog.Logger
	users       UserProvider
	sessionOpts []session.Option
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(auth session.Authenticator, opts ...Option) *Handler {
	h := &Handler{
		auth:  auth,
		in:    os.Stdin,
		out:   os.Stdout,
		log:   slog.Default(),
		users: OSUserProvider{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the session until the reader reaches EOF, the session stops the
// connection, or ctx is canceled. It is safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	headers := http.Header{}
	remote := "stdio"
	if uid, err := h.users.LocalUser(); err != nil {
		h.log.WarnContext(ctx, "stdio.user_lookup_failed", slog.String("err", err.Error()))
	} else {
		headers.Set("X-Local-User", uid)
		remote = "stdio:" + uid
	}

	c := NewConn(h.in, h.out, headers, remote)
	defer c.Stop()

	opts := append([]session.Option{
		session.WithLogger(h.log),
		session.WithTransportName("stdio"),
	}, h.sessionOpts...)
	return session.Serve(ctx, c, h.auth, opts...)
}

// Conn is a session.Conn over newline-delimited JSON streams.
type Conn struct {
	w       io.Writer
	headers http.Header
	remote  string

	lines chan []byte
	// readErr is set before lines is closed.
	readErr error

	mu      sync.Mutex
	enc     *json.Encoder
	closed  bool
	stopped chan struct{}
}

var _ session.Conn = (*Conn)(nil)

// NewConn starts reading lines from r. Replies are written to w.
func NewConn(r io.Reader, w io.Writer, headers http.Header, remote string) *Conn {
	c := &Conn{
		w:       w,
		headers: headers,
		remote:  remote,
		lines:   make(chan []byte),
		enc:     json.NewEncoder(w),
		stopped: make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *Conn) readLoop(br *bufio.Reader) {
	defer close(c.lines)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case c.lines <- line:
			case <-c.stopped:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.readErr = err
			}
			return
		}
	}
}

// Receive returns the next non-empty line. It returns io.EOF at the end of
// input or after Stop. The end of input leaves the writer open so replies
// to earlier lines can still be sent.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, io.EOF
	case line, ok := <-c.lines:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, io.EOF
		}
		return line, nil
	}
}

// Send writes msg as one line.
func (c *Conn) Send(ctx context.Context, msg protocol.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.enc.Encode(msg)
}

func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Stop ends the connection. The underlying streams are left open.
func (c *Conn) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.stopped)
}

func (c *Conn) Headers() http.Header { return c.headers }

func (c *Conn) RemoteAddr() string { return c.remote }

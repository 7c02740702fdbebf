// Package session implements the per-connection protocol engine: the auth
// handshake, request classification and dispatch through per-document task
// queues, and the relay of other clients' operations to the connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/sharedoc/internal/logctx"
	"github.com/ggoodman/sharedoc/internal/outbound"
	"github.com/ggoodman/sharedoc/internal/taskqueue"
	"github.com/ggoodman/sharedoc/protocol"
)

// DefaultAuthTimeout is how long a connection may stay unauthenticated.
const DefaultAuthTimeout = 10 * time.Second

// Transport is the connection as seen by a Session.
type Transport interface {
	Send(ctx context.Context, msg protocol.Response) error
	// Ready reports whether the transport still accepts messages. It is false
	// after the transport has closed.
	Ready() bool
	// Stop closes the transport. Receive then returns an error.
	Stop()
	Headers() http.Header
	RemoteAddr() string
}

// Conn is a Transport that can also be read from. Serve drives a Conn.
type Conn interface {
	Transport
	// Receive returns the next message from the client. It returns io.EOF
	// once the connection is closed.
	Receive(ctx context.Context) ([]byte, error)
}

// ConnectionData is handed to the Authenticator.
type ConnectionData struct {
	Headers    http.Header
	RemoteAddr string
	// Authentication is the raw auth field of the client's first auth
	// message. It is "null" when the client sent auth:null.
	Authentication json.RawMessage
}

// Agent is the authenticated principal a connection acts through.
type Agent interface {
	SessionID() string
	// Listen subscribes fn to ops on doc from version, or from the current
	// version when version is nil, and returns the version the subscription
	// starts at.
	Listen(ctx context.Context, doc string, version *int64, fn func(protocol.OpData)) (int64, error)
	RemoveListener(doc string)
	Create(ctx context.Context, doc, typeName string, meta protocol.Meta) error
	GetSnapshot(ctx context.Context, doc string) (protocol.DocData, error)
	SubmitOp(ctx context.Context, doc string, env protocol.OpEnvelope) (int64, error)
}

// Authenticator turns connection data into an Agent. A returned error's
// protocol message is sent to the client.
type Authenticator interface {
	Authenticate(ctx context.Context, data ConnectionData) (Agent, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, data ConnectionData) (Agent, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, data ConnectionData) (Agent, error) {
	return f(ctx, data)
}

// Tracker is notified as authenticated agents come and go.
type Tracker interface {
	AddAgent(Agent)
	RemoveAgent(Agent)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAuthTimeout overrides DefaultAuthTimeout.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.authTimeout = d
		}
	}
}

// WithTracker registers authenticated agents with t.
func WithTracker(t Tracker) Option {
	return func(s *Session) { s.tracker = t }
}

// WithDocNameGenerator overrides how names are picked for doc:null requests.
func WithDocNameGenerator(gen func() string) Option {
	return func(s *Session) {
		if gen != nil {
			s.newDocName = gen
		}
	}
}

// WithTransportName labels log records with the transport in use.
func WithTransportName(name string) Option {
	return func(s *Session) { s.transportName = name }
}

type state int

const (
	stateAwaitingAuth state = iota
	stateAuthenticating
	stateActive
	stateClosed
)

// Session is the protocol engine for one connection.
type Session struct {
	conn Transport
	out  *outbound.Sender
	auth Authenticator
	log  *slog.Logger

	tracker       Tracker
	authTimeout   time.Duration
	newDocName    func() string
	transportName string

	mu              sync.Mutex
	ctx             context.Context
	state           state
	buffer          []*protocol.Request
	agent           Agent
	lastReceivedDoc string
	docs            map[string]*docState
	authTimer       *time.Timer
	// authSettled is closed once the connection leaves stateAuthenticating
	// or can no longer enter it.
	authSettled chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Session over conn and arms the auth timer. Messages are fed
// to it with OnMessage; OnClose must be called when the transport closes.
func New(ctx context.Context, conn Transport, auth Authenticator, opts ...Option) *Session {
	s := &Session{
		conn:        conn,
		out:         outbound.New(conn),
		auth:        auth,
		log:         slog.Default(),
		authTimeout: DefaultAuthTimeout,
		newDocName:  randomDocName,
		docs:        make(map[string]*docState),
		done:        make(chan struct{}),
		authSettled: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:     uuid.NewString(),
		RemoteAddr: conn.RemoteAddr(),
		Transport:  s.transportName,
	})

	s.mu.Lock()
	s.authTimer = time.AfterFunc(s.authTimeout, s.authTimedOut)
	s.mu.Unlock()
	return s
}

// Serve runs a Session over conn until the connection closes. When the
// client stops sending (io.EOF), requests already received are answered
// before the session is torn down.
func Serve(ctx context.Context, conn Conn, auth Authenticator, opts ...Option) error {
	s := New(ctx, conn, auth, opts...)
	defer s.OnClose()

	for {
		raw, err := conn.Receive(ctx)
		switch {
		case errors.Is(err, io.EOF):
			if err := s.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		s.OnMessage(raw)
	}
}

// Drain blocks until a pending authentication has finished and every
// document queue is idle, or ctx is done.
func (s *Session) Drain(ctx context.Context) error {
	s.mu.Lock()
	authenticating := s.state == stateAuthenticating
	settled := s.authSettled
	s.mu.Unlock()
	if authenticating {
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// A finished task can queue more work (a replayed buffer, a held op), so
	// repeat until a full pass finds nothing running.
	for {
		s.mu.Lock()
		queues := make([]*taskqueue.Queue[task], 0, len(s.docs))
		for _, ds := range s.docs {
			queues = append(queues, ds.queue)
		}
		s.mu.Unlock()

		busy := false
		for _, q := range queues {
			if !q.Busy() {
				continue
			}
			busy = true
			if err := q.Wait(ctx); err != nil {
				return err
			}
		}
		if !busy {
			return nil
		}
	}
}

func (s *Session) settleAuthLocked() {
	select {
	case <-s.authSettled:
	default:
		close(s.authSettled)
	}
}

// Done is closed once OnClose has run.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnMessage handles one raw client message. Calls must not overlap.
func (s *Session) OnMessage(raw []byte) {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.mu.Lock()
		s.abortLocked("malformed message", err)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateClosed:
		return
	case stateAwaitingAuth:
		if !req.HasAuth() {
			s.buffer = append(s.buffer, &req)
			return
		}
		s.state = stateAuthenticating
		s.authTimer.Stop()

		cred := json.RawMessage("null")
		if v, ok := req.Auth.Get(); ok && len(v) > 0 {
			cred = v
		}
		go s.authenticate(s.ctx, cred)
	case stateAuthenticating:
		if req.HasAuth() {
			s.abortLocked("auth sent twice", nil)
			return
		}
		s.buffer = append(s.buffer, &req)
	case stateActive:
		if req.HasAuth() {
			s.abortLocked("auth sent after authentication", nil)
			return
		}
		s.handleLocked(&req)
	}
}

func (s *Session) authenticate(ctx context.Context, cred json.RawMessage) {
	agent, err := s.auth.Authenticate(ctx, ConnectionData{
		Headers:        s.conn.Headers(),
		RemoteAddr:     s.conn.RemoteAddr(),
		Authentication: cred,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateAuthenticating {
		return
	}
	if err != nil {
		s.failAuthLocked(err)
		return
	}
	if agent == nil {
		s.failAuthLocked(protocol.ErrForbidden)
		return
	}

	s.agent = agent
	sd := &logctx.SessionData{SessionID: agent.SessionID()}
	if u, ok := agent.(interface{ UserID() string }); ok {
		sd.UserID = u.UserID()
	}
	s.ctx = logctx.WithSessionData(s.ctx, sd)

	if s.tracker != nil {
		s.tracker.AddAgent(agent)
	}
	if err := s.out.SendRaw(s.ctx, protocol.Response{Auth: protocol.Some(agent.SessionID())}); err != nil {
		s.log.WarnContext(s.ctx, "session.send_failed", slog.String("err", err.Error()))
	}
	s.log.DebugContext(s.ctx, "session.authenticated", slog.Int("buffered", len(s.buffer)))

	s.state = stateActive
	buffered := s.buffer
	s.buffer = nil
	// The replayed requests are queued before Drain can observe the settled
	// state, since s.mu is held throughout.
	s.settleAuthLocked()
	for _, req := range buffered {
		if s.state != stateActive {
			return
		}
		s.handleLocked(req)
	}
}

func (s *Session) authTimedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateAwaitingAuth {
		return
	}
	s.failAuthLocked(protocol.ErrAuthTimeout)
}

func (s *Session) failAuthLocked(err error) {
	s.state = stateClosed
	s.settleAuthLocked()
	s.buffer = nil
	msg := protocol.ErrorMessage(err)
	s.log.InfoContext(s.ctx, "session.auth_failed", slog.String("err", err.Error()))
	if serr := s.out.SendRaw(s.ctx, protocol.Response{Auth: protocol.Null[string](), Error: msg}); serr != nil {
		s.log.WarnContext(s.ctx, "session.send_failed", slog.String("err", serr.Error()))
	}
	s.conn.Stop()
}

// abortLocked stops the connection after a protocol violation.
func (s *Session) abortLocked(reason string, err error) {
	if s.state == stateClosed {
		return
	}
	attrs := []any{slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	s.log.WarnContext(s.ctx, "session.protocol_violation", attrs...)
	s.state = stateClosed
	s.settleAuthLocked()
	s.buffer = nil
	s.conn.Stop()
}

// OnClose releases every listener and forgets the connection. It is safe to
// call more than once.
func (s *Session) OnClose() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		s.settleAuthLocked()
		s.authTimer.Stop()
		s.buffer = nil
		agent := s.agent
		docs := s.docs
		s.docs = nil
		type open struct {
			name string
			tok  *listenerToken
		}
		var opened []open
		for name, ds := range docs {
			ds.queue.Close()
			if ds.listener != nil {
				opened = append(opened, open{name, ds.listener})
			}
		}
		ctx := s.ctx
		s.mu.Unlock()

		for _, o := range opened {
			o.tok.kill()
			if agent != nil {
				agent.RemoveListener(o.name)
			}
		}
		if agent != nil && s.tracker != nil {
			s.tracker.RemoveAgent(agent)
		}
		s.log.DebugContext(ctx, "session.closed",
			slog.Int("open_docs", len(opened)),
			slog.Int("dropped_sends", s.out.Dropped()),
		)
		close(s.done)
	})
}

func (s *Session) send(ctx context.Context, msg protocol.Response) {
	if err := s.out.Send(ctx, msg); err != nil {
		s.log.WarnContext(ctx, "session.send_failed", slog.String("err", err.Error()))
	}
}

func randomDocName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Package agent turns a client's credential into the identity a session acts
// through, and routes that identity's document calls to the model.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ggoodman/sharedoc/auth"
	"github.com/ggoodman/sharedoc/model"
	"github.com/ggoodman/sharedoc/protocol"
	"github.com/ggoodman/sharedoc/session"
)

// Recorder counts agent activity. stats.Stats implements it.
type Recorder interface {
	OpSubmitted()
	OpBroadcast()
}

type nopRecorder struct{}

func (nopRecorder) OpSubmitted() {}
func (nopRecorder) OpBroadcast() {}

// Option configures a Factory.
type Option func(*Factory)

// WithAuthenticator checks string credentials with a.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(f *Factory) { f.auth = a }
}

// WithAnonymous allows clients that send auth:null.
func WithAnonymous(allow bool) Option {
	return func(f *Factory) { f.anonymous = allow }
}

// WithRecorder reports submitted and broadcast ops to r.
func WithRecorder(r Recorder) Option {
	return func(f *Factory) {
		if r != nil {
			f.rec = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.log = l
		}
	}
}

// Factory authenticates connections and hands out UserAgents.
type Factory struct {
	model     *model.Model
	auth      auth.Authenticator
	anonymous bool
	rec       Recorder
	log       *slog.Logger
}

var _ session.Authenticator = (*Factory)(nil)

// NewFactory returns a Factory whose agents operate on m.
func NewFactory(m *model.Model, opts ...Option) *Factory {
	f := &Factory{
		model: m,
		rec:   nopRecorder{},
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Authenticate accepts a bearer token string, or null when anonymous access
// is enabled. Every failure is reported to the client as "forbidden".
func (f *Factory) Authenticate(ctx context.Context, data session.ConnectionData) (session.Agent, error) {
	cred := bytes.TrimSpace(data.Authentication)
	if len(cred) == 0 || bytes.Equal(cred, []byte("null")) {
		if !f.anonymous {
			return nil, fmt.Errorf("anonymous access disabled: %w", protocol.ErrForbidden)
		}
		return f.newAgent(""), nil
	}

	var tok string
	if err := json.Unmarshal(cred, &tok); err != nil {
		return nil, fmt.Errorf("credential is not a string: %w", protocol.ErrForbidden)
	}
	if f.auth == nil {
		if !f.anonymous {
			return nil, fmt.Errorf("no authenticator configured: %w", protocol.ErrForbidden)
		}
		return f.newAgent(""), nil
	}

	ui, err := f.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		f.log.InfoContext(ctx, "agent.token_rejected", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %v", protocol.ErrForbidden, err)
	}
	a := f.newAgent(ui.UserID())
	f.log.DebugContext(ctx, "agent.authenticated", slog.String("session_id", a.id), slog.String("user_id", a.userID))
	return a, nil
}

func (f *Factory) newAgent(userID string) *UserAgent {
	return &UserAgent{
		id:        uuid.NewString(),
		userID:    userID,
		model:     f.model,
		rec:       f.rec,
		listeners: make(map[string]*model.Listener),
	}
}

// UserAgent is one authenticated connection's view of the model.
type UserAgent struct {
	id     string
	userID string
	model  *model.Model
	rec    Recorder

	mu        sync.Mutex
	listeners map[string]*model.Listener
}

var _ session.Agent = (*UserAgent)(nil)

// SessionID is unique per connection.
func (a *UserAgent) SessionID() string { return a.id }

// UserID is the authenticated subject, or "" for anonymous agents.
func (a *UserAgent) UserID() string { return a.userID }

// Listen subscribes fn to doc. An agent holds at most one listener per
// document.
func (a *UserAgent) Listen(ctx context.Context, doc string, version *int64, fn func(protocol.OpData)) (int64, error) {
	a.mu.Lock()
	_, exists := a.listeners[doc]
	a.mu.Unlock()
	if exists {
		return 0, protocol.ErrDocAlreadyOpen
	}

	l, v, err := a.model.Listen(ctx, doc, version, func(op protocol.OpData) {
		a.rec.OpBroadcast()
		fn(op)
	})
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	if _, exists := a.listeners[doc]; exists {
		a.mu.Unlock()
		_ = l.Close()
		return 0, protocol.ErrDocAlreadyOpen
	}
	a.listeners[doc] = l
	a.mu.Unlock()
	return v, nil
}

// RemoveListener stops the listener on doc, if any.
func (a *UserAgent) RemoveListener(doc string) {
	a.mu.Lock()
	l := a.listeners[doc]
	delete(a.listeners, doc)
	a.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
}

// ListenerCount is the number of documents the agent is listening to.
func (a *UserAgent) ListenerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

func (a *UserAgent) Create(ctx context.Context, doc, typeName string, meta protocol.Meta) error {
	return a.model.Create(ctx, doc, typeName, meta)
}

func (a *UserAgent) GetSnapshot(ctx context.Context, doc string) (protocol.DocData, error) {
	return a.model.GetSnapshot(ctx, doc)
}

// SubmitOp stamps env with the agent's session id as meta.source and applies
// it.
func (a *UserAgent) SubmitOp(ctx context.Context, doc string, env protocol.OpEnvelope) (int64, error) {
	meta := env.Meta.Clone()
	if meta == nil {
		meta = protocol.Meta{}
	}
	meta["source"] = a.id
	env.Meta = meta

	v, err := a.model.ApplyOp(ctx, doc, env)
	if err != nil {
		return 0, err
	}
	if !env.IsMetaOp() {
		a.rec.OpSubmitted()
	}
	return v, nil
}

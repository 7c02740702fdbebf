package session

import (
	"log/slog"
	"sync"

	"github.com/ggoodman/sharedoc/protocol"
)

// listenerToken is the handle a connection registers for one open document.
// Ops delivered before release are held and sent, in order, on release.
type listenerToken struct {
	s  *Session
	ds *docState

	mu       sync.Mutex
	released bool
	dead     bool
	pending  []protocol.OpData
}

func newListenerToken(s *Session, ds *docState) *listenerToken {
	return &listenerToken{s: s, ds: ds}
}

func (t *listenerToken) deliver(op protocol.OpData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}
	if !t.released {
		t.pending = append(t.pending, op)
		return
	}
	t.s.forward(t, op)
}

func (t *listenerToken) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead || t.released {
		return
	}
	for _, op := range t.pending {
		t.s.forward(t, op)
	}
	t.pending = nil
	t.released = true
}

// kill stops delivery. It waits for a delivery in progress.
func (t *listenerToken) kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead = true
	t.pending = nil
}

// forward relays an op from another connection. Callers hold t.mu.
func (s *Session) forward(t *listenerToken, op protocol.OpData) {
	s.mu.Lock()
	if s.docs == nil {
		s.mu.Unlock()
		return
	}
	ds := s.docs[t.ds.name]
	if ds == nil || ds.listener == nil {
		s.mu.Unlock()
		return
	}
	if ds.listener != t {
		s.log.ErrorContext(t.ds.ctx, "session.consistency_violation",
			slog.String("reason", "op delivered to a stale listener"),
			slog.Int64("v", op.V),
		)
		s.state = stateClosed
		s.buffer = nil
		s.mu.Unlock()
		t.dead = true
		s.conn.Stop()
		return
	}
	agent := s.agent
	s.mu.Unlock()

	if op.Meta.Source() == agent.SessionID() {
		return
	}
	s.send(t.ds.ctx, protocol.Response{
		Doc:  protocol.Some(t.ds.name),
		Op:   op.Op,
		V:    protocol.Some(op.V),
		Meta: op.Meta,
	})
}

// Package outbound writes server messages to a connection, omitting the doc
// field when it repeats the previous message's.
package outbound

import (
	"context"
	"sync"

	"github.com/ggoodman/sharedoc/protocol"
)

// Transport is the write side of a connection.
type Transport interface {
	Send(ctx context.Context, msg protocol.Response) error
	// Ready reports whether the connection still accepts messages.
	Ready() bool
}

// Sender serializes writes to a Transport. Messages sent after the
// transport stops being ready are dropped without error.
type Sender struct {
	t Transport

	mu      sync.Mutex
	lastDoc string
	hasLast bool
	dropped int
}

// New constructs a Sender over t.
func New(t Transport) *Sender {
	return &Sender{t: t}
}

// Send writes msg, dropping its doc field when it equals the doc of the last
// message sent through Send.
func (s *Sender) Send(ctx context.Context, msg protocol.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := msg.Doc.Get(); ok {
		if s.hasLast && doc == s.lastDoc {
			msg.Doc = protocol.Optional[string]{}
		} else {
			s.lastDoc, s.hasLast = doc, true
		}
	}
	return s.sendLocked(ctx, msg)
}

// SendRaw writes msg as is. It does not affect doc compression.
func (s *Sender) SendRaw(ctx context.Context, msg protocol.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(ctx, msg)
}

// Dropped returns how many messages were discarded because the transport
// was no longer ready.
func (s *Sender) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sender) sendLocked(ctx context.Context, msg protocol.Response) error {
	if !s.t.Ready() {
		s.dropped++
		return nil
	}
	return s.t.Send(ctx, msg)
}

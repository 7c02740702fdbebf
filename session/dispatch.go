package session

import (
	"context"
	"log/slog"

	"github.com/ggoodman/sharedoc/internal/logctx"
	"github.com/ggoodman/sharedoc/internal/taskqueue"
	"github.com/ggoodman/sharedoc/protocol"
)

// docState is the per-connection state of one document name.
type docState struct {
	name     string
	ctx      context.Context
	queue    *taskqueue.Queue[task]
	listener *listenerToken
}

type task struct {
	req  *protocol.Request
	kind protocol.Kind
}

// handleLocked resolves the document a request addresses and queues it.
func (s *Session) handleLocked(req *protocol.Request) {
	if err := req.Validate(); err != nil {
		s.abortLocked("invalid request", err)
		return
	}

	var name string
	switch {
	case req.Doc.IsNull():
		name = s.newDocName()
		s.lastReceivedDoc = name
	case req.Doc.Present():
		name, _ = req.Doc.Get()
		s.lastReceivedDoc = name
	case s.lastReceivedDoc != "":
		name = s.lastReceivedDoc
	default:
		s.abortLocked("doc missing and no previous doc", nil)
		return
	}

	kind := req.Kind()
	if kind == protocol.KindInvalid {
		s.abortLocked("unrecognized request", nil)
		return
	}

	ds, ok := s.docs[name]
	if !ok {
		ds = s.newDocStateLocked(name)
		s.docs[name] = ds
	}
	if err := ds.queue.Enqueue(task{req: req, kind: kind}); err != nil {
		s.log.DebugContext(ds.ctx, "session.enqueue_dropped", slog.String("err", err.Error()))
	}
}

func (s *Session) newDocStateLocked(name string) *docState {
	// Work already queued for a document is finished even if the connection
	// goes away, so that persistence calls are never cut off halfway.
	ctx := logctx.WithDocData(context.WithoutCancel(s.ctx), &logctx.DocData{Name: name})
	ds := &docState{name: name, ctx: ctx}
	ds.queue = taskqueue.New(ctx, func(ctx context.Context, t task) {
		s.run(ctx, ds, t)
	})
	return ds
}

func (s *Session) run(ctx context.Context, ds *docState, t task) {
	s.mu.Lock()
	closed := s.docs == nil
	agent := s.agent
	s.mu.Unlock()
	if closed {
		return
	}

	switch t.kind {
	case protocol.KindClose:
		s.handleClose(ctx, agent, ds)
	case protocol.KindOpen:
		s.handleOpen(ctx, agent, ds, t.req)
	case protocol.KindOp:
		s.handleOp(ctx, agent, ds, t.req)
	}
}

func (s *Session) handleClose(ctx context.Context, agent Agent, ds *docState) {
	resp := protocol.Response{Doc: protocol.Some(ds.name), Open: protocol.Some(false)}
	if err := s.closeDoc(agent, ds); err != nil {
		resp.Error = protocol.ErrorMessage(err)
	}
	s.send(ctx, resp)
}

// closeDoc removes the document's listener.
func (s *Session) closeDoc(agent Agent, ds *docState) error {
	s.mu.Lock()
	if s.docs == nil {
		s.mu.Unlock()
		return protocol.ErrSessionClosed
	}
	tok := ds.listener
	s.mu.Unlock()
	if tok == nil {
		return protocol.ErrDocAlreadyClosed
	}

	// Kill first: a delivery in progress finishes before the handle is
	// cleared.
	tok.kill()
	s.mu.Lock()
	if ds.listener == tok {
		ds.listener = nil
	}
	s.mu.Unlock()
	agent.RemoveListener(ds.name)
	return nil
}

func (s *Session) handleOp(ctx context.Context, agent Agent, ds *docState, req *protocol.Request) {
	meta, err := req.MetaObject()
	env := protocol.OpEnvelope{
		V:           req.V,
		Op:          req.Op,
		Meta:        meta,
		DupIfSource: req.DupIfSource,
	}

	var v int64
	if err == nil {
		v, err = agent.SubmitOp(ctx, ds.name, env)
	}

	// Meta ops get no reply.
	if env.IsMetaOp() {
		if err != nil {
			s.log.DebugContext(ctx, "session.meta_op_rejected", slog.String("err", err.Error()))
		}
		return
	}

	resp := protocol.Response{Doc: protocol.Some(ds.name)}
	if err != nil {
		resp.V = protocol.Null[int64]()
		resp.Error = protocol.ErrorMessage(err)
		s.log.DebugContext(ctx, "session.op_rejected", slog.String("err", err.Error()))
	} else {
		resp.V = protocol.Some(v)
	}
	s.send(ctx, resp)
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ggoodman/sharedoc/protocol"
)

// openStep names a stage of an open/create/snapshot request.
type openStep int

const (
	stepValidating openStep = iota
	stepFetchingSnapshot
	stepCreating
	stepAttachingSnapshot
	stepOpening
	stepReplying
)

func (st openStep) String() string {
	switch st {
	case stepValidating:
		return "validating"
	case stepFetchingSnapshot:
		return "fetching_snapshot"
	case stepCreating:
		return "creating"
	case stepAttachingSnapshot:
		return "attaching_snapshot"
	case stepOpening:
		return "opening"
	case stepReplying:
		return "replying"
	}
	return "unknown"
}

// openRequest carries one open/create/snapshot request through its steps.
type openRequest struct {
	s     *Session
	agent Agent
	ds    *docState
	req   *protocol.Request

	meta    protocol.Meta
	data    *protocol.DocData
	created bool
	opened  *listenerToken

	reply protocol.Response
	err   error
	// failedAt is the step that set err.
	failedAt openStep
}

// handleOpen answers any combination of open:true, create:true and
// snapshot:null with exactly one reply.
func (s *Session) handleOpen(ctx context.Context, agent Agent, ds *docState, req *protocol.Request) {
	o := &openRequest{
		s:     s,
		agent: agent,
		ds:    ds,
		req:   req,
		reply: protocol.Response{Doc: protocol.Some(ds.name)},
	}

	step := stepValidating
	for step != stepReplying {
		var next openStep
		switch step {
		case stepValidating:
			next = o.validate()
		case stepFetchingSnapshot:
			next = o.fetchSnapshot(ctx)
		case stepCreating:
			next = o.create(ctx)
		case stepAttachingSnapshot:
			next = o.attachSnapshot()
		case stepOpening:
			next = o.open(ctx)
		}
		if o.err != nil {
			o.failedAt = step
			next = stepReplying
		}
		step = next
	}
	o.replyTo(ctx)
}

func (o *openRequest) fail(err error) openStep {
	o.err = err
	return stepReplying
}

func (o *openRequest) wantsSnapshot() bool {
	return o.req.Snapshot.IsNull() || o.isOpen()
}

func (o *openRequest) isOpen() bool {
	v, ok := o.req.Open.Get()
	return ok && v
}

func (o *openRequest) isCreate() bool {
	v, ok := o.req.Create.Get()
	return ok && v
}

func (o *openRequest) validate() openStep {
	if o.ds.name == "" {
		return o.fail(protocol.ErrNoDocName)
	}
	if o.isCreate() {
		if t, ok := o.req.Type.Get(); !ok || t == "" {
			return o.fail(protocol.ErrCreateRequiresType)
		}
	}
	meta, err := o.req.MetaObject()
	if err != nil {
		return o.fail(err)
	}
	o.meta = meta
	if o.wantsSnapshot() {
		return stepFetchingSnapshot
	}
	return stepCreating
}

func (o *openRequest) fetchSnapshot(ctx context.Context) openStep {
	data, err := o.agent.GetSnapshot(ctx, o.ds.name)
	switch {
	case errors.Is(err, protocol.ErrDocNotFound):
		// Not an error yet: the request may create it.
	case err != nil:
		return o.fail(err)
	default:
		o.data = &data
	}
	return stepCreating
}

func (o *openRequest) create(ctx context.Context) openStep {
	if !o.isCreate() {
		return stepAttachingSnapshot
	}
	if o.data != nil {
		o.reply.Create = protocol.Some(false)
		return stepAttachingSnapshot
	}

	typeName, _ := o.req.Type.Get()
	meta := o.meta
	if meta == nil {
		meta = protocol.Meta{}
	}
	err := o.agent.Create(ctx, o.ds.name, typeName, meta)
	switch {
	case errors.Is(err, protocol.ErrDocExists):
		// Lost a race with another creator; carry on with theirs.
		data, err := o.agent.GetSnapshot(ctx, o.ds.name)
		if err != nil {
			return o.fail(err)
		}
		o.data = &data
		o.reply.Create = protocol.Some(false)
	case err != nil:
		return o.fail(err)
	default:
		o.created = true
		o.reply.Create = protocol.Some(true)
	}
	return stepAttachingSnapshot
}

func (o *openRequest) attachSnapshot() openStep {
	if !o.wantsSnapshot() || o.created {
		return stepOpening
	}
	if o.data == nil {
		return o.fail(protocol.ErrDocNotFound)
	}
	o.reply.V = protocol.Some(o.data.V)
	if t, _ := o.req.Type.Get(); t != o.data.Type {
		o.reply.Type = protocol.Some(o.data.Type)
	}
	o.reply.Snapshot = protocol.Some(o.data.Snapshot)
	return stepOpening
}

func (o *openRequest) open(ctx context.Context) openStep {
	if !o.isOpen() {
		return stepReplying
	}
	if t, ok := o.req.Type.Get(); ok && t != "" && o.data != nil && t != o.data.Type {
		return o.fail(protocol.ErrTypeMismatch)
	}

	s := o.s
	tok := newListenerToken(s, o.ds)

	s.mu.Lock()
	switch {
	case s.docs == nil:
		s.mu.Unlock()
		return o.fail(protocol.ErrSessionClosed)
	case o.ds.listener != nil:
		s.mu.Unlock()
		return o.fail(protocol.ErrDocAlreadyOpen)
	}
	o.ds.listener = tok
	s.mu.Unlock()

	v, err := o.agent.Listen(ctx, o.ds.name, o.req.V.Ptr(), tok.deliver)

	s.mu.Lock()
	closed := s.docs == nil
	if err != nil && o.ds.listener == tok {
		o.ds.listener = nil
	}
	s.mu.Unlock()

	if err != nil {
		tok.kill()
		return o.fail(err)
	}
	if closed {
		// The connection went away while the listener was being set up.
		tok.kill()
		o.agent.RemoveListener(o.ds.name)
		return o.fail(protocol.ErrSessionClosed)
	}

	o.opened = tok
	o.reply.Open = protocol.Some(true)
	o.reply.V = protocol.Some(v)
	return stepReplying
}

func (o *openRequest) replyTo(ctx context.Context) {
	if o.err != nil {
		if o.opened != nil {
			_ = o.s.closeDoc(o.agent, o.ds)
			o.opened = nil
		}
		if o.isOpen() {
			o.reply.Open = protocol.Some(false)
		}
		// A failed request reports no document state.
		o.reply.Snapshot = protocol.Optional[json.RawMessage]{}
		if o.req.Snapshot.Present() {
			o.reply.Snapshot = protocol.Null[json.RawMessage]()
		}
		o.reply.V = protocol.Optional[int64]{}
		o.reply.Type = protocol.Optional[string]{}
		o.reply.Create = protocol.Optional[bool]{}
		o.reply.Error = protocol.ErrorMessage(o.err)
		o.s.log.DebugContext(ctx, "session.open_failed",
			slog.String("step", o.failedAt.String()),
			slog.String("err", o.err.Error()),
		)
	}

	o.s.send(ctx, o.reply)

	// Ops that arrived while the reply was being built go out after it.
	if o.opened != nil {
		o.opened.release()
	}
}

package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ggoodman/sharedoc/broker"
	"github.com/ggoodman/sharedoc/protocol"
)

// Listener delivers the ops accepted for one document, in version order and
// exactly once each, to a callback.
type Listener struct {
	m    *Model
	name string
	fn   func(protocol.OpData)
	sub  broker.Stream

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}

	// next is the version of the next op to deliver. Owned by run.
	next int64
}

// Listen subscribes fn to the ops of a document starting at version, or at
// the current version when version is nil. It returns the version the
// subscription starts at. Ops between version and the current version are
// replayed from the store before live ops.
func (m *Model) Listen(ctx context.Context, name string, version *int64, fn func(protocol.OpData)) (*Listener, int64, error) {
	d, err := m.load(ctx, name)
	if err != nil {
		return nil, 0, err
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// Subscribe before reading the current version so that nothing published
	// in between is missed; duplicates are dropped by version.
	sub, err := m.broker.Subscribe(lctx, topic(name), "")
	if err != nil {
		cancel()
		return nil, 0, fmt.Errorf("listen %q: %w", name, err)
	}

	d.mu.Lock()
	current := d.v
	d.mu.Unlock()

	start := current
	if version != nil {
		if *version > current {
			_ = sub.Close()
			cancel()
			return nil, 0, fmt.Errorf("listen %q at v%d (current v%d): %w", name, *version, current, protocol.ErrFutureVersion)
		}
		if current-*version > m.maxOpAge {
			_ = sub.Close()
			cancel()
			return nil, 0, fmt.Errorf("listen %q at v%d (current v%d): %w", name, *version, current, protocol.ErrOpTooOld)
		}
		start = *version
	}

	l := &Listener{
		m:      m,
		name:   name,
		fn:     fn,
		sub:    sub,
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
		next:   start,
	}
	go l.run(current)
	return l, start, nil
}

// Close stops delivery. The callback is not invoked after Close returns
// unless it is already running.
func (l *Listener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.cancel()
		return l.sub.Close()
	}
	return nil
}

// Done is closed when the delivery goroutine exits.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) run(catchUpTo int64) {
	defer close(l.done)
	defer func() { _ = l.sub.Close() }()

	l.fill(catchUpTo)

	for {
		env, err := l.sub.Next(l.ctx)
		if err != nil {
			if !isStreamEnd(err) && !l.closed.Load() {
				l.m.log.WarnContext(l.ctx, "model.listener_stream_failed", slog.String("doc", l.name), slog.String("err", err.Error()))
			}
			return
		}

		var ev event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			l.m.log.WarnContext(l.ctx, "model.listener_bad_event", slog.String("doc", l.name), slog.String("err", err.Error()))
			continue
		}

		if ev.Kind == kindMeta {
			l.emit(protocol.OpData{V: ev.V, Meta: ev.Meta})
			continue
		}
		if ev.V < l.next {
			continue
		}
		if ev.V > l.next {
			l.fill(ev.V)
		}
		if ev.V < l.next {
			continue
		}
		if ev.V > l.next {
			l.m.log.ErrorContext(l.ctx, "model.listener_gap", slog.String("doc", l.name), slog.Int64("want", l.next), slog.Int64("got", ev.V))
		}
		l.emit(protocol.OpData{V: ev.V, Op: ev.Op, Meta: ev.Meta})
		l.next = ev.V + 1
	}
}

// fill delivers stored ops in [l.next, to).
func (l *Listener) fill(to int64) {
	if to <= l.next {
		return
	}
	ops, err := l.m.store.GetOps(l.ctx, l.name, l.next, to)
	if err != nil {
		if !l.closed.Load() {
			l.m.log.ErrorContext(l.ctx, "model.listener_fill_failed", slog.String("doc", l.name), slog.String("err", err.Error()))
		}
		return
	}
	for _, op := range ops {
		if op.V != l.next {
			continue
		}
		var meta protocol.Meta
		if len(op.Meta) > 0 {
			_ = json.Unmarshal(op.Meta, &meta)
		}
		l.emit(protocol.OpData{V: op.V, Op: op.Op, Meta: meta})
		l.next = op.V + 1
	}
}

func (l *Listener) emit(op protocol.OpData) {
	if l.closed.Load() {
		return
	}
	l.fn(op)
}

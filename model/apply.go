package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ggoodman/sharedoc/ot"
	"github.com/ggoodman/sharedoc/protocol"
	"github.com/ggoodman/sharedoc/storage"
)

// event is the broker payload for one accepted operation.
type event struct {
	Kind string          `json:"kind"`
	V    int64           `json:"v"`
	Op   json.RawMessage `json:"op,omitempty"`
	Meta protocol.Meta   `json:"meta"`
}

const (
	kindOp   = "op"
	kindMeta = "meta"
)

// ApplyOp transforms env against every op accepted since env.V, applies it,
// persists it and publishes it to listeners. It returns the version the op
// was applied at.
func (m *Model) ApplyOp(ctx context.Context, name string, env protocol.OpEnvelope) (int64, error) {
	if env.IsMetaOp() {
		return m.applyMetaOp(ctx, name, env)
	}
	base, ok := env.V.Get()
	if !ok {
		return 0, fmt.Errorf("apply %q: %w", name, protocol.ErrMissingVersion)
	}
	dupSources, err := decodeDupIfSource(env.DupIfSource)
	if err != nil {
		return 0, fmt.Errorf("apply %q: %w", name, err)
	}

	for attempt := 0; ; attempt++ {
		d, err := m.load(ctx, name)
		if err != nil {
			return 0, err
		}

		d.mu.Lock()
		v, err := m.applyLocked(ctx, d, base, env, dupSources)
		if errors.Is(err, storage.ErrVersionConflict) && attempt+1 < maxWriteAttempts {
			// Another process appended first. Catch up and try again.
			if cerr := m.catchUp(ctx, d); cerr != nil {
				d.mu.Unlock()
				return 0, cerr
			}
			d.mu.Unlock()
			m.log.DebugContext(ctx, "model.apply_retry", slog.String("doc", name), slog.Int("attempt", attempt+1))
			continue
		}
		d.mu.Unlock()
		return v, err
	}
}

func (m *Model) applyLocked(ctx context.Context, d *document, base int64, env protocol.OpEnvelope, dupSources []string) (int64, error) {
	if base > d.v {
		return 0, fmt.Errorf("apply %q at v%d (current v%d): %w", d.name, base, d.v, protocol.ErrFutureVersion)
	}
	if d.v-base > m.maxOpAge {
		return 0, fmt.Errorf("apply %q at v%d (current v%d): %w", d.name, base, d.v, protocol.ErrOpTooOld)
	}

	concurrent, err := m.opsSince(ctx, d, base)
	if err != nil {
		return 0, err
	}

	op := env.Op
	for _, c := range concurrent {
		if len(dupSources) > 0 {
			var cm protocol.Meta
			_ = json.Unmarshal(c.Meta, &cm)
			if slices.Contains(dupSources, cm.Source()) {
				return 0, fmt.Errorf("apply %q: %w", d.name, protocol.ErrOpAlreadySubmitted)
			}
		}
		if len(c.Op) == 0 {
			continue
		}
		op, err = d.typ.Transform(op, c.Op, ot.Left)
		if err != nil {
			return 0, fmt.Errorf("apply %q: transform against v%d: %w", d.name, c.V, protocol.NewError(err.Error()))
		}
	}

	snapshot, err := d.typ.Apply(d.snapshot, op)
	if err != nil {
		return 0, fmt.Errorf("apply %q: %w", d.name, protocol.NewError(err.Error()))
	}
	if m.validator != nil && !m.validator.Validate(d.name, op, snapshot) {
		return 0, fmt.Errorf("apply %q: %w", d.name, protocol.ErrInvalidOp)
	}

	meta := env.Meta.Clone()
	if meta == nil {
		meta = protocol.Meta{}
	}
	meta["ts"] = m.now().UnixMilli()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("apply %q: encode meta: %w", d.name, err)
	}

	rec := storage.Op{V: d.v, Op: op, Meta: metaJSON}
	if err := m.store.WriteOp(ctx, d.name, rec); err != nil {
		return 0, fmt.Errorf("apply %q: %w", d.name, err)
	}

	d.v++
	d.snapshot = snapshot
	d.remember(rec, m.recentOps)

	if d.v-d.committedV >= int64(m.opsBeforeCommit) {
		if err := m.commit(ctx, d); err != nil {
			// The op is durable in the log; the snapshot catches up on the
			// next commit or flush.
			m.log.ErrorContext(ctx, "model.commit_failed", slog.String("doc", d.name), slog.String("err", err.Error()))
		}
	}

	m.publish(ctx, d.name, event{Kind: kindOp, V: rec.V, Op: op, Meta: meta})
	return rec.V, nil
}

// opsSince returns the ops in [base, d.v), from memory when possible.
func (m *Model) opsSince(ctx context.Context, d *document, base int64) ([]storage.Op, error) {
	if base == d.v {
		return nil, nil
	}
	if n := int64(len(d.recent)); n > 0 && d.recent[0].V <= base {
		return d.recent[base-d.recent[0].V:], nil
	}
	ops, err := m.store.GetOps(ctx, d.name, base, d.v)
	if err != nil {
		return nil, m.storeErr(d.name, err)
	}
	if int64(len(ops)) != d.v-base {
		return nil, fmt.Errorf("apply %q: expected %d ops since v%d, store returned %d: %w", d.name, d.v-base, base, len(ops), protocol.ErrOpTooOld)
	}
	return ops, nil
}

// applyMetaOp broadcasts a metadata op without changing the version. Only
// the "shout" path is relayed; other paths are accepted and dropped.
func (m *Model) applyMetaOp(ctx context.Context, name string, env protocol.OpEnvelope) (int64, error) {
	path, ok := env.Meta["path"].([]any)
	if !ok {
		return 0, fmt.Errorf("apply meta %q: %w", name, protocol.ErrPathNotArray)
	}
	d, err := m.load(ctx, name)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(path) > 0 && path[0] == "shout" {
		m.publish(ctx, name, event{Kind: kindMeta, V: d.v, Meta: env.Meta.Clone()})
	}
	return d.v, nil
}

func (m *Model) publish(ctx context.Context, name string, ev event) {
	b, err := json.Marshal(ev)
	if err != nil {
		m.log.ErrorContext(ctx, "model.publish_encode_failed", slog.String("doc", name), slog.String("err", err.Error()))
		return
	}
	if _, err := m.broker.Publish(context.WithoutCancel(ctx), topic(name), b); err != nil {
		// Listeners recover the op from the store when the next one arrives.
		m.log.ErrorContext(ctx, "model.publish_failed", slog.String("doc", name), slog.String("err", err.Error()))
	}
}

func decodeDupIfSource(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var sources []string
	if err := json.Unmarshal(raw, &sources); err == nil {
		return sources, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		// A bare flag carries no sources to match against.
		return nil, nil
	}
	return nil, protocol.NewError("'dupIfSource' invalid")
}

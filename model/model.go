// Package model owns document state: it loads documents from a storage.Store,
// transforms and applies submitted operations, persists them, and fans them
// out to listeners through a broker.Broker.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/sharedoc/broker"
	"github.com/ggoodman/sharedoc/broker/memory"
	"github.com/ggoodman/sharedoc/ot"
	"github.com/ggoodman/sharedoc/ot/text"
	"github.com/ggoodman/sharedoc/protocol"
	"github.com/ggoodman/sharedoc/storage"
)

const (
	DefaultCacheSize       = 1024
	DefaultOpsBeforeCommit = 20
	DefaultMaxOpAge        = 1000
	DefaultRecentOps       = 64

	maxWriteAttempts = 5
)

// Validator checks a document snapshot after an op is applied.
type Validator interface {
	Validate(docName string, op, snapshot json.RawMessage) bool
}

// Model is the document engine shared by every connection in a process.
type Model struct {
	store     storage.Store
	broker    broker.Broker
	types     *ot.Registry
	validator Validator
	log       *slog.Logger
	now       func() time.Time

	cacheSize       int
	opsBeforeCommit int
	maxOpAge        int64
	recentOps       int

	cache *lru.Cache[string, *document]

	loadMu sync.Mutex
	loads  map[string]*loadCall
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.log = l
		}
	}
}

// WithBroker sets the broker used to fan out operations. Defaults to an
// in-memory broker, which only reaches listeners in this process.
func WithBroker(b broker.Broker) Option {
	return func(m *Model) { m.broker = b }
}

// WithTypes sets the document types. Defaults to the text type.
func WithTypes(r *ot.Registry) Option {
	return func(m *Model) { m.types = r }
}

// WithValidator installs a snapshot validator run after every op.
func WithValidator(v Validator) Option {
	return func(m *Model) { m.validator = v }
}

// WithCacheSize bounds how many documents are held in memory.
func WithCacheSize(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.cacheSize = n
		}
	}
}

// WithOpsBeforeCommit sets how many ops accumulate before the snapshot is
// rewritten.
func WithOpsBeforeCommit(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.opsBeforeCommit = n
		}
	}
}

// WithMaxOpAge sets how far behind the current version a submitted op may be.
func WithMaxOpAge(n int64) Option {
	return func(m *Model) {
		if n > 0 {
			m.maxOpAge = n
		}
	}
}

// WithClock overrides the time source used for op timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// New creates a Model over store.
func New(store storage.Store, opts ...Option) (*Model, error) {
	m := &Model{
		store:           store,
		log:             slog.Default(),
		now:             time.Now,
		cacheSize:       DefaultCacheSize,
		opsBeforeCommit: DefaultOpsBeforeCommit,
		maxOpAge:        DefaultMaxOpAge,
		recentOps:       DefaultRecentOps,
		loads:           make(map[string]*loadCall),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.broker == nil {
		m.broker = memory.New(memory.WithHistory(0))
	}
	if m.types == nil {
		m.types = ot.NewRegistry(text.New())
	}

	cache, err := lru.NewWithEvict(m.cacheSize, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create document cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// document is the cached state of one document.
type document struct {
	mu         sync.Mutex
	name       string
	typ        ot.Type
	v          int64
	snapshot   json.RawMessage
	meta       protocol.Meta
	committedV int64
	createdAt  time.Time
	// recent holds the last ops applied, oldest first, ending at v-1.
	recent []storage.Op
}

func (d *document) docData() protocol.DocData {
	return protocol.DocData{
		V:        d.v,
		Type:     d.typ.Name(),
		Snapshot: append(json.RawMessage(nil), d.snapshot...),
		Meta:     d.meta.Clone(),
	}
}

// Create stores a new empty document of the named type.
func (m *Model) Create(ctx context.Context, name, typeName string, meta protocol.Meta) error {
	typ, ok := m.types.Lookup(typeName)
	if !ok {
		return fmt.Errorf("create %q as %q: %w", name, typeName, protocol.ErrTypeNotFound)
	}
	meta = meta.Clone()
	if meta == nil {
		meta = protocol.Meta{}
	}
	now := m.now()
	meta["ctime"] = now.UnixMilli()
	meta["mtime"] = now.UnixMilli()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("create %q: encode meta: %w", name, err)
	}

	err = m.store.Create(ctx, name, storage.Snapshot{
		V:         0,
		Type:      typ.Name(),
		Data:      typ.Create(),
		Meta:      metaJSON,
		CreatedAt: now.UTC(),
	})
	switch {
	case errors.Is(err, storage.ErrExists):
		return fmt.Errorf("create %q: %w", name, protocol.ErrDocExists)
	case err != nil:
		return fmt.Errorf("create %q: %w", name, err)
	}
	m.log.DebugContext(ctx, "model.create", slog.String("doc", name), slog.String("type", typ.Name()))
	return nil
}

// GetSnapshot returns the current snapshot of a document.
func (m *Model) GetSnapshot(ctx context.Context, name string) (protocol.DocData, error) {
	d, err := m.load(ctx, name)
	if err != nil {
		return protocol.DocData{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.docData(), nil
}

// Version returns the current version of a document.
func (m *Model) Version(ctx context.Context, name string) (int64, error) {
	d, err := m.load(ctx, name)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.v, nil
}

type loadCall struct {
	done chan struct{}
	doc  *document
	err  error
}

// load returns the cached document, reading it from the store on a miss.
// Concurrent misses for the same name share one read.
func (m *Model) load(ctx context.Context, name string) (*document, error) {
	if d, ok := m.cache.Get(name); ok {
		return d, nil
	}

	m.loadMu.Lock()
	if c, ok := m.loads[name]; ok {
		m.loadMu.Unlock()
		select {
		case <-c.done:
			return c.doc, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &loadCall{done: make(chan struct{})}
	m.loads[name] = c
	m.loadMu.Unlock()

	c.doc, c.err = m.read(ctx, name)
	if c.err == nil {
		if prev, ok, _ := m.cache.PeekOrAdd(name, c.doc); ok {
			c.doc = prev
		}
	}

	m.loadMu.Lock()
	delete(m.loads, name)
	m.loadMu.Unlock()
	close(c.done)

	return c.doc, c.err
}

// read rebuilds a document from its stored snapshot and uncommitted ops.
func (m *Model) read(ctx context.Context, name string) (*document, error) {
	snap, err := m.store.GetSnapshot(ctx, name)
	if err != nil {
		return nil, m.storeErr(name, err)
	}
	typ, ok := m.types.Lookup(snap.Type)
	if !ok {
		return nil, fmt.Errorf("load %q of type %q: %w", name, snap.Type, protocol.ErrTypeNotFound)
	}

	d := &document{
		name:       name,
		typ:        typ,
		v:          snap.V,
		snapshot:   snap.Data,
		committedV: snap.V,
		createdAt:  snap.CreatedAt,
	}
	if len(snap.Meta) > 0 {
		if err := json.Unmarshal(snap.Meta, &d.meta); err != nil {
			return nil, m.storeErr(name, fmt.Errorf("%w: %v", storage.ErrCorrupt, err))
		}
	}
	if err := m.catchUp(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// catchUp applies stored ops newer than d.v. Callers hold d.mu or own d
// exclusively.
func (m *Model) catchUp(ctx context.Context, d *document) error {
	ops, err := m.store.GetOps(ctx, d.name, d.v, -1)
	if err != nil {
		return m.storeErr(d.name, err)
	}
	for _, op := range ops {
		if op.V != d.v {
			return fmt.Errorf("load %q: op log has v%d where v%d was expected: %w", d.name, op.V, d.v, storage.ErrCorrupt)
		}
		if len(op.Op) > 0 {
			next, err := d.typ.Apply(d.snapshot, op.Op)
			if err != nil {
				return fmt.Errorf("load %q: replay v%d: %w", d.name, op.V, err)
			}
			d.snapshot = next
		}
		d.v++
		d.remember(op, m.recentOps)
	}
	return nil
}

func (d *document) remember(op storage.Op, limit int) {
	d.recent = append(d.recent, op)
	if over := len(d.recent) - limit; over > 0 {
		d.recent = append([]storage.Op(nil), d.recent[over:]...)
	}
}

// storeErr maps storage errors onto client-facing protocol errors.
func (m *Model) storeErr(name string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load %q: %w", name, protocol.ErrDocNotFound)
	case errors.Is(err, storage.ErrCorrupt):
		m.log.Error("model.corrupt_document", slog.String("doc", name), slog.String("err", err.Error()))
		return fmt.Errorf("load %q: %w", name, protocol.NewError("Error parsing document JSON during fetching of document: "+name))
	default:
		return fmt.Errorf("load %q: %w", name, err)
	}
}

// commit writes the cached snapshot if ops have accumulated since the last
// write. Callers hold d.mu.
func (m *Model) commit(ctx context.Context, d *document) error {
	if d.v == d.committedV {
		return nil
	}
	meta := d.meta.Clone()
	if meta == nil {
		meta = protocol.Meta{}
	}
	meta["mtime"] = m.now().UnixMilli()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("commit %q: encode meta: %w", d.name, err)
	}
	err = m.store.WriteSnapshot(ctx, d.name, storage.Snapshot{
		V:         d.v,
		Type:      d.typ.Name(),
		Data:      d.snapshot,
		Meta:      metaJSON,
		CreatedAt: d.createdAt,
	})
	if err != nil {
		return fmt.Errorf("commit %q at v%d: %w", d.name, d.v, err)
	}
	d.meta = meta
	d.committedV = d.v
	return nil
}

func (m *Model) onEvict(name string, d *document) {
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if err := m.commit(context.Background(), d); err != nil {
			m.log.Error("model.evict_commit_failed", slog.String("doc", name), slog.String("err", err.Error()))
		}
	}()
}

// Close commits every cached document with uncommitted ops.
func (m *Model) Close(ctx context.Context) error {
	var errs []error
	for _, name := range m.cache.Keys() {
		d, ok := m.cache.Peek(name)
		if !ok {
			continue
		}
		d.mu.Lock()
		if err := m.commit(ctx, d); err != nil {
			errs = append(errs, err)
		}
		d.mu.Unlock()
	}
	return errors.Join(errs...)
}

func topic(name string) string { return "doc:" + name }

// isStreamEnd reports whether err ends a broker stream normally.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}

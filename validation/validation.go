// Package validation checks document snapshots against JSON Schemas selected
// by document name.
//
// Schemas are named by Mappings and fetched relative to a base URI, which is
// either an http(s) URL or a local directory. Loading happens in the
// background and is retried at a fixed interval until every mapped schema has
// loaded. Local schemas are reloaded when their files change. A document
// with no mapping, or whose schema has not loaded yet, always passes.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/fsnotify/fsnotify"
	"github.com/google/jsonschema-go/jsonschema"
)

const DefaultRetryInterval = 5 * time.Second

// maxSchemaBytes bounds a fetched schema document.
const maxSchemaBytes = 4 << 20

// Mapping selects a schema for every document whose name matches
// DocNamePattern. The first matching mapping wins.
type Mapping struct {
	DocNamePattern string `mapstructure:"docNamePattern" json:"docNamePattern"`
	SchemaFileName string `mapstructure:"schemaFileName" json:"schemaFileName"`
}

// Config configures a Validator.
type Config struct {
	// BaseSchemaURI is an http(s) URL or a local directory that schema file
	// names are resolved against.
	BaseSchemaURI string
	Mappings      []Mapping
	// RetryInterval is the delay between load attempts. Defaults to
	// DefaultRetryInterval.
	RetryInterval time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.log = l
		}
	}
}

// WithHTTPClient sets the client used to fetch remote schemas.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) {
		if c != nil {
			v.client = c
		}
	}
}

// Validator validates snapshots. The zero value is not usable; call New.
type Validator struct {
	log    *slog.Logger
	client *http.Client
	retry  time.Duration

	base *url.URL // remote base, nil when dir is set
	dir  string   // local base directory

	handlers []*handler

	startOnce sync.Once
	loaded    chan struct{}
	attempts  atomic.Int64
}

type handler struct {
	pattern  *regexp.Regexp
	fileName string
	location string
	schema   atomic.Pointer[jsonschema.Resolved]
}

var (
	ErrNoBaseURI   = errors.New("validation: base schema URI is required")
	ErrBadMapping  = errors.New("validation: invalid mapping")
	errContentType = errors.New("unexpected content type")
)

// New creates a Validator. It does not load anything until Start is called.
func New(cfg Config, opts ...Option) (*Validator, error) {
	v := &Validator{
		log:    slog.Default(),
		client: &http.Client{Timeout: 30 * time.Second},
		retry:  cfg.RetryInterval,
		loaded: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.retry <= 0 {
		v.retry = DefaultRetryInterval
	}

	if len(cfg.Mappings) > 0 {
		if cfg.BaseSchemaURI == "" {
			return nil, ErrNoBaseURI
		}
		if err := v.setBase(cfg.BaseSchemaURI); err != nil {
			return nil, err
		}
	}

	for i, m := range cfg.Mappings {
		if m.SchemaFileName == "" {
			return nil, fmt.Errorf("%w %d: schema file name is empty", ErrBadMapping, i)
		}
		re, err := regexp.Compile(m.DocNamePattern)
		if err != nil {
			return nil, fmt.Errorf("%w %d: %v", ErrBadMapping, i, err)
		}
		v.handlers = append(v.handlers, &handler{
			pattern:  re,
			fileName: m.SchemaFileName,
			location: v.locate(m.SchemaFileName),
		})
	}
	return v, nil
}

func (v *Validator) setBase(raw string) error {
	u, err := url.Parse(raw)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		v.base = u
		return nil
	}
	dir := raw
	if err == nil && u.Scheme == "file" {
		dir = u.Path
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("validation: resolve schema dir %q: %w", raw, err)
	}
	v.dir = abs
	return nil
}

func (v *Validator) locate(fileName string) string {
	if v.base != nil {
		// Plain concatenation, so a base without a trailing slash still
		// names a prefix.
		return v.base.String() + fileName
	}
	return filepath.Join(v.dir, filepath.FromSlash(fileName))
}

// Start loads every schema in the background, retrying until all have
// loaded, then watches local schema files for changes until ctx is done.
func (v *Validator) Start(ctx context.Context) {
	v.startOnce.Do(func() {
		go v.run(ctx)
	})
}

// Loaded is closed once every mapped schema has loaded.
func (v *Validator) Loaded() <-chan struct{} { return v.loaded }

// Attempts returns how many load rounds have run.
func (v *Validator) Attempts() int64 { return v.attempts.Load() }

func (v *Validator) run(ctx context.Context) {
	for {
		if v.loadPending(ctx) == 0 {
			close(v.loaded)
			v.log.InfoContext(ctx, "validation.schemas_loaded", slog.Int("count", len(v.handlers)))
			break
		}
		v.log.WarnContext(ctx, "validation.retry_scheduled", slog.Int64("attempt", v.attempts.Load()), slog.Duration("interval", v.retry))
		select {
		case <-ctx.Done():
			return
		case <-time.After(v.retry):
		}
	}

	if v.dir != "" && len(v.handlers) > 0 {
		v.watch(ctx)
	}
}

// loadPending tries every handler without a schema and returns how many are
// still missing.
func (v *Validator) loadPending(ctx context.Context) int {
	v.attempts.Add(1)
	missing := 0
	for _, h := range v.handlers {
		if h.schema.Load() != nil {
			continue
		}
		if err := v.load(ctx, h); err != nil {
			missing++
			v.log.ErrorContext(ctx, "validation.load_failed", slog.String("uri", h.location), slog.String("err", err.Error()))
			continue
		}
		v.log.InfoContext(ctx, "validation.schema_loaded", slog.String("uri", h.location))
	}
	return missing
}

func (v *Validator) load(ctx context.Context, h *handler) error {
	var (
		raw []byte
		err error
	)
	if v.base != nil {
		raw, err = v.fetch(ctx, h.location)
	} else {
		raw, err = os.ReadFile(h.location)
	}
	if err != nil {
		return err
	}
	rs, err := compile(raw, h.location)
	if err != nil {
		return err
	}
	h.schema.Store(rs)
	return nil
}

func (v *Validator) fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/schema+json, application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, err := contenttype.ParseMediaType(ct)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", errContentType, ct, err)
		}
		if !isJSON(mt) {
			return nil, fmt.Errorf("%w %q", errContentType, ct)
		}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxSchemaBytes))
}

// isJSON accepts application/json, any +json suffix, and text/plain, which
// static file servers commonly use for .json files.
func isJSON(mt contenttype.MediaType) bool {
	switch {
	case mt.Subtype == "json", strings.HasSuffix(mt.Subtype, "+json"):
		return true
	case mt.Type == "text" && mt.Subtype == "plain":
		return true
	}
	return false
}

// compile parses and resolves a schema document. Schemas declaring an older
// draft are validated with 2020-12 semantics.
func compile(raw []byte, location string) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if s.Schema != "" && !strings.Contains(s.Schema, "2020-12") {
		s.Schema = ""
	}
	opts := &jsonschema.ResolveOptions{}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		opts.BaseURI = location
	}
	rs, err := s.Resolve(opts)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return rs, nil
}

// watch reloads local schema files when they change.
func (v *Validator) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		v.log.WarnContext(ctx, "validation.watch_unavailable", slog.String("err", err.Error()))
		return
	}
	defer func() { _ = w.Close() }()

	dirs := map[string]struct{}{}
	for _, h := range v.handlers {
		dirs[filepath.Dir(h.location)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			v.log.WarnContext(ctx, "validation.watch_failed", slog.String("dir", dir), slog.String("err", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			for _, h := range v.handlers {
				if h.location != name {
					continue
				}
				// A failed reload keeps the previous schema.
				if err := v.load(ctx, h); err != nil {
					v.log.WarnContext(ctx, "validation.reload_failed", slog.String("uri", h.location), slog.String("err", err.Error()))
					continue
				}
				v.log.InfoContext(ctx, "validation.schema_reloaded", slog.String("uri", h.location))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			v.log.WarnContext(ctx, "validation.watch_error", slog.String("err", err.Error()))
		}
	}
}

// Validate reports whether snapshot satisfies the schema mapped to docName.
// op is only used for logging.
func (v *Validator) Validate(docName string, op, snapshot json.RawMessage) bool {
	var h *handler
	for _, c := range v.handlers {
		if c.pattern.MatchString(docName) {
			h = c
			break
		}
	}
	if h == nil {
		v.log.Debug("validation.no_schema", slog.String("doc", docName))
		return true
	}
	rs := h.schema.Load()
	if rs == nil {
		v.log.Warn("validation.schema_not_loaded", slog.String("doc", docName), slog.String("uri", h.location))
		return true
	}

	var instance any
	if err := json.Unmarshal(snapshot, &instance); err != nil {
		v.log.Error("validation.bad_snapshot", slog.String("doc", docName), slog.String("err", err.Error()))
		return false
	}
	if err := rs.Validate(instance); err != nil {
		v.log.Error("validation.failed",
			slog.String("doc", docName),
			slog.String("op", string(op)),
			slog.String("err", err.Error()),
		)
		return false
	}
	return true
}

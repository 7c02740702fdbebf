package validation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const titleSchema = `{
	"$schema": "http://json-schema.org/draft-04/schema#",
	"type": "object",
	"required": ["title"],
	"properties": {"title": {"type": "string"}}
}`

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitLoaded(t *testing.T, v *Validator) {
	t.Helper()
	select {
	case <-v.Loaded():
	case <-time.After(5 * time.Second):
		t.Fatalf("schemas did not load after %d attempts", v.Attempts())
	}
}

func startValidator(t *testing.T, cfg Config, opts ...Option) *Validator {
	t.Helper()
	v, err := New(cfg, append([]Option{WithLogger(quiet())}, opts...)...)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v.Start(ctx)
	return v
}

func TestNoMappingPasses(t *testing.T) {
	v := startValidator(t, Config{})
	waitLoaded(t, v)
	if !v.Validate("anything", nil, json.RawMessage(`42`)) {
		t.Fatal("expected documents without a mapping to pass")
	}
}

func TestLocalSchemas(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "page.json"), []byte(titleSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	v := startValidator(t, Config{
		BaseSchemaURI: dir,
		Mappings:      []Mapping{{DocNamePattern: `^page-`, SchemaFileName: "page.json"}},
	})
	waitLoaded(t, v)

	cases := []struct {
		doc      string
		snapshot string
		want     bool
	}{
		{"page-1", `{"title":"hello"}`, true},
		{"page-1", `{}`, false},
		{"page-1", `{"title":7}`, false},
		{"page-1", `not json`, false},
		{"note-1", `{}`, true},
	}
	for _, tc := range cases {
		if got := v.Validate(tc.doc, nil, json.RawMessage(tc.snapshot)); got != tc.want {
			t.Errorf("Validate(%s, %s) = %v, want %v", tc.doc, tc.snapshot, got, tc.want)
		}
	}
}

func TestLocalSchemaReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.json")
	if err := os.WriteFile(path, []byte(titleSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	v := startValidator(t, Config{
		BaseSchemaURI: "file://" + dir,
		Mappings:      []Mapping{{DocNamePattern: `.*`, SchemaFileName: "page.json"}},
	})
	waitLoaded(t, v)

	if v.Validate("doc", nil, json.RawMessage(`{}`)) {
		t.Fatal("expected missing title to fail before reload")
	}

	// Give the watcher a moment to register.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"type":"object"}`), 0o644); err != nil {
		t.Fatalf("rewrite schema: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !v.Validate("doc", nil, json.RawMessage(`{}`)) {
		if time.Now().After(deadline) {
			t.Fatal("schema was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRemoteSchemaRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/schema+json")
		_, _ = io.WriteString(w, titleSchema)
	}))
	defer srv.Close()

	v := startValidator(t, Config{
		BaseSchemaURI: srv.URL + "/schemas/",
		Mappings:      []Mapping{{DocNamePattern: `.*`, SchemaFileName: "page.json"}},
		RetryInterval: 10 * time.Millisecond,
	})

	// Before the schema loads, everything passes.
	if !v.Validate("doc", nil, json.RawMessage(`{}`)) {
		t.Fatal("expected pass while schema is loading")
	}

	waitLoaded(t, v)
	if v.Attempts() < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", v.Attempts())
	}
	if v.Validate("doc", nil, json.RawMessage(`{}`)) {
		t.Fatal("expected validation failure once loaded")
	}
}

func TestRemoteSchemaRejectsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html></html>")
	}))
	defer srv.Close()

	v, err := New(Config{
		BaseSchemaURI: srv.URL + "/",
		Mappings:      []Mapping{{DocNamePattern: `.*`, SchemaFileName: "page.json"}},
	}, WithLogger(quiet()))
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if missing := v.loadPending(context.Background()); missing != 1 {
		t.Fatalf("expected html response to be rejected, %d missing", missing)
	}
	if !v.Validate("doc", nil, json.RawMessage(`{}`)) {
		t.Fatal("expected pass while schema is missing")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{BaseSchemaURI: "/tmp", Mappings: []Mapping{{DocNamePattern: "(", SchemaFileName: "x.json"}}})
	if !errors.Is(err, ErrBadMapping) {
		t.Fatalf("expected ErrBadMapping, got %v", err)
	}
	_, err = New(Config{Mappings: []Mapping{{DocNamePattern: ".*", SchemaFileName: "x.json"}}})
	if !errors.Is(err, ErrNoBaseURI) {
		t.Fatalf("expected ErrNoBaseURI, got %v", err)
	}
}

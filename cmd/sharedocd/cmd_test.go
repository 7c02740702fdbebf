package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ggoodman/sharedoc/storage"
	"github.com/ggoodman/sharedoc/storage/sqlite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var schemas map[string]struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(out), &schemas); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if schemas["request"].Title != "Request" || schemas["response"].Title != "Response" {
		t.Fatalf("unexpected titles: %+v", schemas)
	}

	if _, err := execute(t, "schema", "--message", "bogus"); err == nil {
		t.Fatal("expected an error for an unknown message kind")
	}
}

func TestFlushCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	ctx := context.Background()

	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Create(ctx, "doc", storage.Snapshot{V: 0, Type: "text", Data: json.RawMessage(`""`), Meta: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, op := range []string{`[{"p":0,"i":"abc"}]`, `[{"p":0,"d":"a"}]`} {
		if err := store.WriteOp(ctx, "doc", storage.Op{V: int64(i), Op: json.RawMessage(op)}); err != nil {
			t.Fatalf("write op %d: %v", i, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := execute(t, "flush", "--store", "sqlite", "--sqlite-path", path, "--log-level", "error")
	if err != nil {
		t.Fatalf("flush: %v\n%s", err, out)
	}
	if !strings.Contains(out, "flushed 2 ops into 1 documents") {
		t.Fatalf("unexpected output %q", out)
	}

	store, err = sqlite.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	snap, err := store.GetSnapshot(ctx, "doc")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.V != 2 || string(snap.Data) != `"bc"` {
		t.Fatalf("unexpected snapshot v=%d data=%s", snap.V, snap.Data)
	}
}

func TestStdioCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{"stdio", "--anonymous", "--log-level", "error"})
	cmd.SetIn(strings.NewReader("{\"auth\":null}\n{\"doc\":\"notes\",\"create\":true,\"type\":\"text\"}\n"))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("stdio: %v\n%s", err, errOut.String())
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], `{"auth":"`) || lines[1] != `{"doc":"notes","create":true}` {
		t.Fatalf("unexpected replies:\n%s", out.String())
	}

	if _, err := execute(t, "stdio"); err == nil || !strings.Contains(err.Error(), "no authentication configured") {
		t.Fatalf("expected missing auth error, got %v", err)
	}
}

func TestUnknownBackends(t *testing.T) {
	if _, err := execute(t, "flush", "--store", "etcd"); err == nil || !strings.Contains(err.Error(), "unknown --store") {
		t.Fatalf("expected unknown store error, got %v", err)
	}
	if _, err := execute(t, "flush", "--log-format", "xml"); err == nil {
		t.Fatal("expected invalid log format error")
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "schema", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://Docs.Example/", "http://localhost:3000"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://docs.example", true},
		{"http://localhost:3000", true},
		{"http://docs.example", false},
		{"https://evil.example", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/channel", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}

	wildcard := originChecker([]string{"*"})
	r := httptest.NewRequest("GET", "/channel", nil)
	r.Header.Set("Origin", "https://anything.example")
	if !wildcard(r) {
		t.Fatal("wildcard should allow any origin")
	}
}

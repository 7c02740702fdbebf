package wstransport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/sharedoc/agent"
	"github.com/ggoodman/sharedoc/model"
	memstore "github.com/ggoodman/sharedoc/storage/memory"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newServer(t *testing.T, opts ...agent.Option) *httptest.Server {
	t.Helper()
	m, err := model.New(memstore.New(), model.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	h := New(agent.NewFactory(m, opts...), WithLogger(quiet()))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Wait()
		_ = m.Close(context.Background())
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Client": []string{"test"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write %s: %v", msg, err)
	}
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func authenticate(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	send(t, c, `{"auth":null}`)
	msg := read(t, c)
	id, ok := msg["auth"].(string)
	if !ok || id == "" {
		t.Fatalf("unexpected auth reply %v", msg)
	}
	return id
}

func TestOpsReachOtherConnections(t *testing.T) {
	srv := newServer(t, agent.WithAnonymous(true))
	alice := dial(t, srv)
	bob := dial(t, srv)
	authenticate(t, alice)
	bobID := authenticate(t, bob)

	send(t, alice, `{"doc":"notes","open":true,"create":true,"type":"text"}`)
	if msg := read(t, alice); msg["open"] != true || msg["create"] != true || msg["v"] != float64(0) {
		t.Fatalf("unexpected open reply %v", msg)
	}

	send(t, bob, `{"doc":"notes","v":0,"op":[{"p":0,"i":"hi"}]}`)
	if msg := read(t, bob); msg["doc"] != "notes" || msg["v"] != float64(0) || msg["error"] != nil {
		t.Fatalf("unexpected op reply %v", msg)
	}

	msg := read(t, alice)
	if _, hasDoc := msg["doc"]; hasDoc {
		t.Fatalf("doc should be omitted when unchanged: %v", msg)
	}
	if msg["v"] != float64(0) {
		t.Fatalf("unexpected broadcast %v", msg)
	}
	meta, _ := msg["meta"].(map[string]any)
	if meta["source"] != bobID {
		t.Fatalf("broadcast source %v, want %s", meta["source"], bobID)
	}

	send(t, alice, `{"snapshot":null}`)
	if msg := read(t, alice); msg["snapshot"] != "hi" || msg["v"] != float64(1) {
		t.Fatalf("unexpected snapshot %v", msg)
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	srv := newServer(t)
	c := dial(t, srv)

	send(t, c, `{"auth":null}`)
	msg := read(t, c)
	if v, present := msg["auth"]; !present || v != nil || msg["error"] != "forbidden" {
		t.Fatalf("unexpected auth reply %v", msg)
	}

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	srv := newServer(t, agent.WithAnonymous(true))
	c := dial(t, srv)
	authenticate(t, c)

	send(t, c, `{not json`)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection")
	}
}

func TestRejectsPlainHTTP(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

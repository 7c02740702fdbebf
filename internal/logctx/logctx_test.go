package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	ctx := WithConnData(context.Background(), &ConnData{ConnID: "c1", RemoteAddr: "127.0.0.1:1", Transport: "websocket"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", UserID: "alice"})
	ctx = WithDocData(ctx, &DocData{Name: "readme"})
	log.InfoContext(ctx, "hello")

	var rec struct {
		Component string            `json:"component"`
		Conn      map[string]string `json:"conn"`
		Sess      map[string]string `json:"sess"`
		Doc       map[string]string `json:"doc"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %s: %v", buf.String(), err)
	}
	if rec.Component != "test" {
		t.Fatalf("lost WithAttrs attribute: %s", buf.String())
	}
	if rec.Conn["id"] != "c1" || rec.Conn["transport"] != "websocket" {
		t.Fatalf("unexpected conn group %v", rec.Conn)
	}
	if rec.Sess["id"] != "s1" || rec.Sess["user_id"] != "alice" {
		t.Fatalf("unexpected sess group %v", rec.Sess)
	}
	if rec.Doc["name"] != "readme" {
		t.Fatalf("unexpected doc group %v", rec.Doc)
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"conn", "sess", "doc"} {
		if _, ok := rec[k]; ok {
			t.Fatalf("unexpected %q group in %s", k, buf.String())
		}
	}
}

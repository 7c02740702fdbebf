package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/sharedoc/auth/authtest"
	"github.com/ggoodman/sharedoc/model"
	"github.com/ggoodman/sharedoc/protocol"
	"github.com/ggoodman/sharedoc/session"
	memstore "github.com/ggoodman/sharedoc/storage/memory"
)

type countingRecorder struct {
	submitted atomic.Int64
	broadcast atomic.Int64
}

func (r *countingRecorder) OpSubmitted() { r.submitted.Add(1) }
func (r *countingRecorder) OpBroadcast() { r.broadcast.Add(1) }

func newTestModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.New(memstore.New())
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func authenticate(t *testing.T, f *Factory, cred string) *UserAgent {
	t.Helper()
	a, err := f.Authenticate(context.Background(), session.ConnectionData{Authentication: json.RawMessage(cred)})
	if err != nil {
		t.Fatalf("authenticate %s: %v", cred, err)
	}
	return a.(*UserAgent)
}

func TestAuthenticate(t *testing.T) {
	m := newTestModel(t)

	cases := []struct {
		name    string
		opts    []Option
		cred    string
		wantErr bool
		user    string
	}{
		{"null rejected by default", nil, `null`, true, ""},
		{"null allowed when anonymous", []Option{WithAnonymous(true)}, `null`, false, ""},
		{"token without authenticator", nil, `"tok"`, true, ""},
		{"token checked", []Option{WithAuthenticator(authtest.NewNoAuth(""))}, `"alice"`, false, "alice"},
		{"empty token rejected", []Option{WithAuthenticator(authtest.NewNoAuth(""))}, `""`, true, ""},
		{"non-string credential", []Option{WithAuthenticator(authtest.NewNoAuth(""))}, `{"t":1}`, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFactory(m, tc.opts...)
			a, err := f.Authenticate(context.Background(), session.ConnectionData{Authentication: json.RawMessage(tc.cred)})
			if tc.wantErr {
				if protocol.ErrorMessage(err) != "forbidden" {
					t.Fatalf("expected forbidden, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			ua := a.(*UserAgent)
			if ua.UserID() != tc.user {
				t.Fatalf("user id %q, want %q", ua.UserID(), tc.user)
			}
			if ua.SessionID() == "" {
				t.Fatal("expected a session id")
			}
		})
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	f := NewFactory(newTestModel(t), WithAnonymous(true))
	a := authenticate(t, f, `null`)
	b := authenticate(t, f, `null`)
	if a.SessionID() == b.SessionID() {
		t.Fatalf("session ids collide: %s", a.SessionID())
	}
}

func TestSubmitStampsSourceAndCounts(t *testing.T) {
	m := newTestModel(t)
	rec := &countingRecorder{}
	f := NewFactory(m, WithAnonymous(true), WithRecorder(rec))
	writer := authenticate(t, f, `null`)
	reader := authenticate(t, f, `null`)
	ctx := context.Background()

	if err := writer.Create(ctx, "d", "text", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	got := make(chan protocol.OpData, 4)
	v, err := reader.Listen(ctx, "d", nil, func(op protocol.OpData) { got <- op })
	if err != nil || v != 0 {
		t.Fatalf("listen: v=%d err=%v", v, err)
	}
	if reader.ListenerCount() != 1 {
		t.Fatalf("listener count %d", reader.ListenerCount())
	}

	applied, err := writer.SubmitOp(ctx, "d", protocol.OpEnvelope{
		V:    protocol.Some[int64](0),
		Op:   json.RawMessage(`[{"p":0,"i":"hi"}]`),
		Meta: protocol.Meta{"source": "spoofed"},
	})
	if err != nil || applied != 0 {
		t.Fatalf("submit: v=%d err=%v", applied, err)
	}

	select {
	case op := <-got:
		if op.Meta.Source() != writer.SessionID() {
			t.Fatalf("source %q, want %q", op.Meta.Source(), writer.SessionID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("op was not delivered")
	}
	if rec.submitted.Load() != 1 || rec.broadcast.Load() != 1 {
		t.Fatalf("counts submitted=%d broadcast=%d", rec.submitted.Load(), rec.broadcast.Load())
	}

	data, err := reader.GetSnapshot(ctx, "d")
	if err != nil || string(data.Snapshot) != `"hi"` || data.V != 1 {
		t.Fatalf("snapshot %+v err=%v", data, err)
	}
}

func TestListenOncePerDocument(t *testing.T) {
	m := newTestModel(t)
	f := NewFactory(m, WithAnonymous(true))
	a := authenticate(t, f, `null`)
	ctx := context.Background()
	if err := a.Create(ctx, "d", "text", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := a.Listen(ctx, "d", nil, func(protocol.OpData) {}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := a.Listen(ctx, "d", nil, func(protocol.OpData) {}); !errors.Is(err, protocol.ErrDocAlreadyOpen) {
		t.Fatalf("expected already open, got %v", err)
	}

	a.RemoveListener("d")
	a.RemoveListener("d")
	if a.ListenerCount() != 0 {
		t.Fatalf("listener count %d after remove", a.ListenerCount())
	}
	if _, err := a.Listen(ctx, "d", nil, func(protocol.OpData) {}); err != nil {
		t.Fatalf("listen again: %v", err)
	}
}

func TestListenMissingDocument(t *testing.T) {
	a := authenticate(t, NewFactory(newTestModel(t), WithAnonymous(true)), `null`)
	if _, err := a.Listen(context.Background(), "nope", nil, func(protocol.OpData) {}); !errors.Is(err, protocol.ErrDocNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if a.ListenerCount() != 0 {
		t.Fatal("failed listen left a listener behind")
	}
}

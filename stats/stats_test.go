package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggoodman/sharedoc/protocol"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAgent struct {
	id        string
	listeners int
}

func (a *fakeAgent) SessionID() string  { return a.id }
func (a *fakeAgent) ListenerCount() int { return a.listeners }
func (a *fakeAgent) Listen(context.Context, string, *int64, func(protocol.OpData)) (int64, error) {
	return 0, nil
}
func (a *fakeAgent) RemoveListener(string) {}
func (a *fakeAgent) Create(context.Context, string, string, protocol.Meta) error {
	return nil
}
func (a *fakeAgent) GetSnapshot(context.Context, string) (protocol.DocData, error) {
	return protocol.DocData{}, nil
}
func (a *fakeAgent) SubmitOp(context.Context, string, protocol.OpEnvelope) (int64, error) {
	return 0, nil
}

func TestRateCounterWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_000_000, 0)}
	r := NewRateCounter(clock.now)

	r.Inc()
	r.Inc()
	clock.advance(30 * time.Second)
	r.Inc()
	if got := r.Rate(); got != 3 {
		t.Fatalf("rate after 30s = %d, want 3", got)
	}

	clock.advance(31 * time.Second)
	if got := r.Rate(); got != 1 {
		t.Fatalf("rate after 61s = %d, want 1", got)
	}

	// The 30s bucket is reused a full window later.
	clock.advance(29 * time.Second)
	r.Inc()
	if got := r.Rate(); got != 1 {
		t.Fatalf("rate after bucket reuse = %d, want 1", got)
	}
	if got := r.Total(); got != 4 {
		t.Fatalf("total = %d, want 4", got)
	}
}

func TestAgentRegistry(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := &fakeAgent{id: "a", listeners: 2}
	b := &fakeAgent{id: "b", listeners: 1}
	s.AddAgent(a)
	s.AddAgent(b)

	if got := s.AgentCount(); got != 2 {
		t.Fatalf("agents = %d", got)
	}
	if got := s.OpenDocCount(); got != 3 {
		t.Fatalf("open docs = %d", got)
	}
	if got, ok := s.Agent("a"); !ok || got != a {
		t.Fatal("agent a not found")
	}

	s.RemoveAgent(a)
	s.RemoveAgent(a)
	if got := s.AgentCount(); got != 1 {
		t.Fatalf("agents after remove = %d", got)
	}
	if _, ok := s.Agent("a"); ok {
		t.Fatal("agent a still registered")
	}
}

func TestSnapshotAndPrometheus(t *testing.T) {
	clock := &fakeClock{t: time.Unix(2_000_000, 0)}
	reg := prometheus.NewRegistry()
	s, err := New(WithClock(clock.now), WithRegisterer(reg))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.AddAgent(&fakeAgent{id: "a", listeners: 4})
	s.OpSubmitted()
	s.OpBroadcast()
	s.OpBroadcast()

	snap := s.Snapshot()
	want := Snapshot{Agents: 1, OpenDocs: 4, SubmittedPerMinute: 1, BroadcastPerMinute: 2, SubmittedTotal: 1, BroadcastTotal: 2}
	if snap != want {
		t.Fatalf("snapshot = %+v, want %+v", snap, want)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	for name, v := range map[string]float64{
		"sharedoc_agents":                   1,
		"sharedoc_open_documents":           4,
		"sharedoc_ops_submitted_total":      1,
		"sharedoc_ops_broadcast_total":      2,
		"sharedoc_ops_submitted_per_minute": 1,
		"sharedoc_ops_broadcast_per_minute": 2,
	} {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}

	if _, err := New(WithRegisterer(reg)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

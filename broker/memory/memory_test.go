package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/sharedoc/broker"
	"github.com/ggoodman/sharedoc/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestHistoryIsBounded(t *testing.T) {
	b := New(WithHistory(2))
	ctx := context.Background()

	first, err := b.Publish(ctx, "ns", []byte("1"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, d := range []string{"2", "3", "4"} {
		if _, err := b.Publish(ctx, "ns", []byte(d)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	// first has been evicted, so resuming from it replays nothing.
	s, err := b.Subscribe(ctx, "ns", first)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	sub := s.(*subscription)
	sub.mu.Lock()
	n := len(sub.queue)
	sub.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no replay from evicted ID, got %d messages", n)
	}
}

func TestCleanupDrainsThenEOF(t *testing.T) {
	b := New()
	ctx := context.Background()

	s, err := b.Subscribe(ctx, "ns", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Publish(ctx, "ns", []byte("last")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Cleanup(ctx, "ns"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	env, err := s.Next(ctx)
	if err != nil || string(env.Data) != "last" {
		t.Fatalf("expected queued message before EOF, got %q, %v", env.Data, err)
	}
	if _, err := s.Next(ctx); err == nil {
		t.Fatalf("expected EOF after cleanup")
	}
}

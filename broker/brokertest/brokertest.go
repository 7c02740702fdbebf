// Package brokertest holds a conformance suite that every broker.Broker
// implementation must pass.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/sharedoc/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeThenPublish", func(t *testing.T) {
		testSubscribeThenPublish(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("NoMessagesLostUnderBurst", func(t *testing.T) {
		testNoMessagesLostUnderBurst(t, factory)
	})
	t.Run("MultipleSubscribersToSameTopic", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("NextHonorsContext", func(t *testing.T) {
		testNextHonorsContext(t, factory)
	})
	t.Run("CloseEndsStream", func(t *testing.T) {
		testCloseEndsStream(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Topic returns a topic unique to the running test.
func Topic(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func subscribe(t *testing.T, ctx context.Context, b broker.Broker, ns, last string) broker.Stream {
	t.Helper()
	s, err := b.Subscribe(ctx, ns, last)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func publish(t *testing.T, ctx context.Context, b broker.Broker, ns, data string) string {
	t.Helper()
	id, err := b.Publish(ctx, ns, []byte(data))
	if err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	if id == "" {
		t.Fatal("Expected non-empty event ID")
	}
	return id
}

func next(t *testing.T, ctx context.Context, s broker.Stream) broker.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return env
}

func testSubscribeThenPublish(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := Topic(t)

	publish(t, ctx, b, ns, "before")

	// No sleep between Subscribe and Publish: registration completes before
	// Subscribe returns.
	s := subscribe(t, ctx, b, ns, "")
	id := publish(t, ctx, b, ns, "after")

	env := next(t, ctx, s)
	if env.ID != id {
		t.Fatalf("Expected event ID %s, got %s", id, env.ID)
	}
	if string(env.Data) != "after" {
		t.Fatalf("Expected payload %q, got %q", "after", env.Data)
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := Topic(t)

	id1 := publish(t, ctx, b, ns, "one")
	id2 := publish(t, ctx, b, ns, "two")
	id3 := publish(t, ctx, b, ns, "three")

	s := subscribe(t, ctx, b, ns, id1)
	if env := next(t, ctx, s); env.ID != id2 || string(env.Data) != "two" {
		t.Fatalf("Expected %s/two, got %s/%s", id2, env.ID, env.Data)
	}
	if env := next(t, ctx, s); env.ID != id3 || string(env.Data) != "three" {
		t.Fatalf("Expected %s/three, got %s/%s", id3, env.ID, env.Data)
	}
}

func testNoMessagesLostUnderBurst(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := Topic(t)

	s := subscribe(t, ctx, b, ns, "")
	const n = 500
	for i := 0; i < n; i++ {
		publish(t, ctx, b, ns, fmt.Sprint(i))
	}
	for i := 0; i < n; i++ {
		env := next(t, ctx, s)
		if string(env.Data) != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: got %q", i, env.Data)
		}
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := Topic(t)

	s1 := subscribe(t, ctx, b, ns, "")
	s2 := subscribe(t, ctx, b, ns, "")
	id := publish(t, ctx, b, ns, "shared")

	for i, s := range []broker.Stream{s1, s2} {
		if env := next(t, ctx, s); env.ID != id {
			t.Fatalf("subscriber %d: expected %s, got %s", i, id, env.ID)
		}
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	nsA := Topic(t) + "-a"
	nsB := Topic(t) + "-b"

	sA := subscribe(t, ctx, b, nsA, "")
	publish(t, ctx, b, nsB, "for-b")
	publish(t, ctx, b, nsA, "for-a")

	if env := next(t, ctx, sA); string(env.Data) != "for-a" {
		t.Fatalf("topic A received %q", env.Data)
	}
}

func testNextHonorsContext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := Topic(t)

	s := subscribe(t, ctx, b, ns, "")
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := s.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func testCloseEndsStream(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := Topic(t)

	s, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("Expected io.EOF after Close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := testCtx(t)
	ns := Topic(t)

	id := publish(t, ctx, b, ns, "gone")
	if err := b.Cleanup(ctx, ns); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	// History is gone: resuming from before the cleaned-up message must not
	// replay it.
	s := subscribe(t, ctx, b, ns, "")
	fresh := publish(t, ctx, b, ns, "fresh")
	env := next(t, ctx, s)
	if env.ID == id || string(env.Data) != "fresh" || env.ID != fresh {
		t.Fatalf("Expected only the fresh message, got %s/%s", env.ID, env.Data)
	}
}

package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsInOrderWithoutOverlap(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		done    = make(chan struct{})
	)
	const n = 50

	q := New(context.Background(), func(ctx context.Context, task int) {
		if running.Add(1) != 1 {
			t.Errorf("task %d overlapped another task", task)
		}
		// Earlier tasks take longer, so completion order would invert if
		// tasks were allowed to overlap.
		time.Sleep(time.Duration(n-task) * 50 * time.Microsecond)
		mu.Lock()
		order = append(order, task)
		last := len(order) == n
		mu.Unlock()
		running.Add(-1)
		if last {
			close(done)
		}
	})

	for i := 0; i < n; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for tasks")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("task order mismatch at %d: got %d", i, v)
		}
	}
}

func TestQueueEnqueueFromWorkerDoesNotBlock(t *testing.T) {
	done := make(chan struct{})
	var q *Queue[int]
	q = New(context.Background(), func(ctx context.Context, task int) {
		if task < 3 {
			if err := q.Enqueue(task + 1); err != nil {
				t.Errorf("enqueue: %v", err)
			}
			return
		}
		close(done)
	})
	if err := q.Enqueue(0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("re-entrant enqueue stalled")
	}
}

func TestQueueCloseDropsPending(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var ran atomic.Int32

	q := New(context.Background(), func(ctx context.Context, task int) {
		ran.Add(1)
		if task == 0 {
			close(started)
			<-release
		}
	})

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	<-started
	q.Close()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := ran.Load(); got != 1 {
		t.Fatalf("expected only the running task to execute, got %d", got)
	}
	if err := q.Enqueue(9); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueueRestartsAfterIdle(t *testing.T) {
	results := make(chan int, 2)
	q := New(context.Background(), func(ctx context.Context, task int) {
		results <- task
	})

	if err := q.Enqueue(1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := <-results; got != 1 {
		t.Fatalf("unexpected task %d", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := q.Enqueue(2); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case got := <-results:
		if got != 2 {
			t.Fatalf("unexpected task %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queue did not restart after going idle")
	}
}

func TestQueueBusy(t *testing.T) {
	release := make(chan struct{})
	q := New(context.Background(), func(ctx context.Context, task int) {
		<-release
	})
	if q.Busy() {
		t.Fatal("new queue should be idle")
	}
	if err := q.Enqueue(1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(2); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !q.Busy() {
		t.Fatal("queue with pending work should be busy")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if q.Busy() {
		t.Fatal("queue should be idle after Wait")
	}
}

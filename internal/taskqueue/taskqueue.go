// Package taskqueue provides a FIFO executor that runs at most one task at a
// time. A connection keeps one queue per document name so that requests for
// the same document are handled strictly in arrival order while different
// documents proceed independently.
package taskqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("taskqueue: closed")

// Worker handles one task. The task is complete when Worker returns.
type Worker[T any] func(ctx context.Context, task T)

// Queue serializes tasks through a Worker.
type Queue[T any] struct {
	ctx  context.Context
	work Worker[T]

	mu      sync.Mutex
	pending []T
	running bool
	closed  bool
	idle    chan struct{}
}

// New returns a queue whose worker runs with ctx.
func New[T any](ctx context.Context, work Worker[T]) *Queue[T] {
	return &Queue[T]{ctx: ctx, work: work}
}

// Enqueue appends task and starts a drain goroutine if none is running. It
// never blocks on the worker.
func (q *Queue[T]) Enqueue(task T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, task)
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	return nil
}

func (q *Queue[T]) drain(idle chan struct{}) {
	defer close(idle)
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		var zero T
		q.pending[0] = zero
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.work(q.ctx, task)
	}
}

// Busy reports whether a task is running or waiting to run.
func (q *Queue[T]) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close discards pending tasks. A task already running is allowed to finish;
// nothing queued behind it will run.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
}

// Wait blocks until the queue has no running task or ctx is done.
func (q *Queue[T]) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	running := q.running
	q.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

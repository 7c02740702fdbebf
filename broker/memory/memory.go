// Package memory provides an in-memory implementation of the broker.Broker
// interface. This implementation is suitable for single-node deployments and
// testing scenarios.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/sharedoc/broker"
)

// DefaultHistory is the number of messages retained per topic for resume.
const DefaultHistory = 1024

// Broker implements broker.Broker using in-process queues. Subscribers have
// unbounded queues, so a slow reader never causes a message to be dropped.
type Broker struct {
	mu           sync.RWMutex
	topics   map[string]*topic
	eventCounter atomic.Int64
	history      int
}

// topic represents an isolated message log with its subscribers
type topic struct {
	mu          sync.Mutex
	messages    []broker.Message
	subscribers map[*subscription]struct{}
	closed      bool
}

// subscription represents an active subscription to a topic
type subscription struct {
	topic *topic
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	queue  []broker.Message
	notify chan struct{}
	closed bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory sets how many messages each topic keeps for resumption.
func WithHistory(n int) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.history = n
		}
	}
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics: make(map[string]*topic),
		history:    DefaultHistory,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) getTopic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp, exists := b.topics[name]
	if !exists {
		tp = &topic{subscribers: make(map[*subscription]struct{})}
		b.topics[name] = tp
	}
	return tp
}

// Publish implements broker.Broker.Publish
func (b *Broker) Publish(ctx context.Context, topicName string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	tp := b.getTopic(topicName)

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		return "", fmt.Errorf("topic %q has been cleaned up", topicName)
	}

	// IDs are allocated under the topic lock so that ID order matches
	// delivery order.
	msg := broker.Message{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	if b.history > 0 {
		tp.messages = append(tp.messages, msg)
		if over := len(tp.messages) - b.history; over > 0 {
			tp.messages = append([]broker.Message(nil), tp.messages[over:]...)
		}
	}

	for sub := range tp.subscribers {
		if sub.ctx.Err() != nil {
			delete(tp.subscribers, sub)
			continue
		}
		sub.push(msg)
	}

	return msg.ID, nil
}

// Subscribe implements broker.Broker.Subscribe
func (b *Broker) Subscribe(ctx context.Context, topicName string, lastEventID string) (broker.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tp := b.getTopic(topicName)

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		return nil, fmt.Errorf("topic %q has been cleaned up", topicName)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		topic: tp,
		ctx:       subCtx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
	}

	// Replay retained messages after lastEventID.
	if lastEventID != "" {
		for i, msg := range tp.messages {
			if msg.ID == lastEventID {
				sub.queue = append(sub.queue, tp.messages[i+1:]...)
				break
			}
		}
	}

	tp.subscribers[sub] = struct{}{}
	return sub, nil
}

// Cleanup implements broker.Broker.Cleanup
func (b *Broker) Cleanup(ctx context.Context, topicName string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	tp, exists := b.topics[topicName]
	if !exists {
		b.mu.Unlock()
		return nil // Nothing to clean up
	}
	delete(b.topics, topicName)
	b.mu.Unlock()

	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.closed = true
	for sub := range tp.subscribers {
		sub.finish(false)
	}
	tp.subscribers = make(map[*subscription]struct{})
	tp.messages = nil

	return nil
}

func (s *subscription) push(env broker.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// finish marks the subscription closed. Queued messages remain readable
// unless discard is set.
func (s *subscription) finish(discard bool) {
	s.mu.Lock()
	s.closed = true
	if discard {
		s.queue = nil
	}
	s.mu.Unlock()

	s.cancel()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next implements broker.Stream.Next
func (s *subscription) Next(ctx context.Context) (broker.Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = broker.Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return broker.Message{}, io.EOF
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return broker.Message{}, ctx.Err()
		case <-s.ctx.Done():
			// A closed subscription drains its queue on the next iteration.
			if !s.isClosed() {
				return broker.Message{}, s.ctx.Err()
			}
		}
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements broker.Stream.Close
func (s *subscription) Close() error {
	s.topic.mu.Lock()
	delete(s.topic.subscribers, s)
	s.topic.mu.Unlock()

	s.finish(true)
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.Stream = (*subscription)(nil)
)

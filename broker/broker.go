// Package broker fans accepted operations out to every listener of a
// document, across server processes when backed by a shared broker.
package broker

import (
	"context"
)

// Broker provides topic-isolated, ordered publish/subscribe. Document
// operations are published under a topic derived from the document name.
type Broker interface {
	// Publish appends data to topic and returns the generated event ID.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe opens a stream over topic. The subscription is registered
	// before Subscribe returns: every message published after the call returns
	// is delivered. If lastEventID is provided, delivery resumes from the
	// message after that ID.
	Subscribe(ctx context.Context, topic string, lastEventID string) (Stream, error)

	// Cleanup removes all resources associated with a topic, including
	// stored messages and active subscriptions.
	Cleanup(ctx context.Context, topic string) error
}

// Stream provides ordered message consumption within a topic.
// Streams are safe for concurrent use by a single consumer.
type Stream interface {
	// Next blocks until the next message is available or ctx is cancelled.
	// Returns io.EOF when the stream is closed and no more messages are available.
	Next(ctx context.Context) (Message, error)

	// Close releases resources associated with this stream.
	// After Close is called, Next returns io.EOF.
	Close() error
}

// Message wraps a message with metadata for ordered delivery.
type Message struct {
	// ID is a unique, monotonically increasing identifier within the topic
	ID string `json:"id"`
	// Data is the message payload
	Data []byte `json:"data"`
}

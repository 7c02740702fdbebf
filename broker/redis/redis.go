// Package redis is a Redis Streams implementation of broker.Broker for
// deployments that run more than one server process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/sharedoc/broker"
)

// Broker keeps one stream per document topic. Every process subscribed to a
// topic reads the same entries in the same order.
type Broker struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
	maxLen     int64
	block      time.Duration
}

// Config holds the broker settings. ConfigFromEnv fills it from the
// environment.
type Config struct {
	// Client is the Redis client to use. If nil, a client is dialed at RedisAddr.
	Client redis.UniversalClient

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// ENV: SHAREDOC_BROKER_KEY_PREFIX
	KeyPrefix string `env:"SHAREDOC_BROKER_KEY_PREFIX,default=sharedoc:broker:"`
	// MaxLen caps each stream (approximately). Zero disables trimming.
	// ENV: SHAREDOC_BROKER_MAX_LEN
	MaxLen int64 `env:"SHAREDOC_BROKER_MAX_LEN,default=10000"`
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	owns := false
	if client == nil {
		addr := config.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		owns = true
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "sharedoc:broker:"
	}

	return &Broker{
		client:     client,
		ownsClient: owns,
		keyPrefix:  keyPrefix,
		maxLen:     config.MaxLen,
		block:      time.Second,
	}
}

// ConfigFromEnv reads Config from the environment. Unset variables take the
// defaults in the struct tags.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("redis broker config: %w", err)
	}
	return cfg, nil
}

// Close closes the Redis connection if the broker dialed it.
func (b *Broker) Close() error {
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

// Publish appends data to the topic stream. Redis generates the ID.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	streamKey := b.streamKey(topic)

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	eventID, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe resolves the start position before returning so that messages
// published afterwards are never missed.
func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string) (broker.Stream, error) {
	streamKey := b.streamKey(topic)

	startID := lastEventID
	if startID == "" {
		last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to resolve stream position %s: %w", streamKey, err)
		}
		startID = "0-0"
		if len(last) > 0 {
			startID = last[0].ID
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	return &stream{
		b:      b,
		key:    streamKey,
		lastID: startID,
		ctx:    subCtx,
		cancel: cancel,
	}, nil
}

// Cleanup removes all resources associated with a topic.
func (b *Broker) Cleanup(ctx context.Context, topic string) error {
	streamKey := b.streamKey(topic)

	err := b.client.Del(ctx, streamKey).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete stream of %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

type stream struct {
	b   *Broker
	key string

	mu     sync.Mutex
	lastID string
	buf    []redis.XMessage

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *stream) Next(ctx context.Context) (broker.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			s.lastID = msg.ID

			var data []byte
			switch v := msg.Values["data"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				// Skip malformed message and continue from next
				continue
			}
			return broker.Message{ID: msg.ID, Data: data}, nil
		}

		if s.ctx.Err() != nil {
			return broker.Message{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return broker.Message{}, err
		}

		if err := s.read(ctx); err != nil {
			if s.ctx.Err() != nil {
				return broker.Message{}, io.EOF
			}
			return broker.Message{}, err
		}
	}
}

// read blocks for up to one block interval waiting for new entries.
func (s *stream) read(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	streams, err := s.b.client.XRead(rctx, &redis.XReadArgs{
		Streams: []string{s.key, s.lastID},
		Count:   100,
		Block:   s.b.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to read from stream %s: %w", s.key, err)
	}
	for _, st := range streams {
		s.buf = append(s.buf, st.Messages...)
	}
	return nil
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.Stream = (*stream)(nil)
)

// Package redis provides a storage.Store backed by Redis. Each document is a
// JSON snapshot string plus a list of JSON op records indexed by version.
// Appends run as Lua scripts so that the version check and the push are
// atomic across server processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/sharedoc/storage"
)

// Config for the Redis store. ConfigFromEnv fills it from the environment.
type Config struct {
	// Client is used when set; otherwise a client is dialed at RedisAddr and
	// owned by the store.
	Client *redis.Client

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SHAREDOC_STORAGE_KEY_PREFIX
	KeyPrefix string `env:"SHAREDOC_STORAGE_KEY_PREFIX,default=sharedoc:docs:"`
}

// Store implements storage.Store using Redis.
type Store struct {
	client     *redis.Client
	ownsClient bool
	keyPrefix  string
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sharedoc:docs:"
	}
	if cfg.Client != nil {
		return &Store{client: cfg.Client, keyPrefix: prefix}, nil
	}

	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: cl, ownsClient: true, keyPrefix: prefix}, nil
}

// ConfigFromEnv reads Config from the environment. Unset variables take the
// defaults in the struct tags.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("redis store config: %w", err)
	}
	return cfg, nil
}

// Close closes the Redis client if the store dialed it.
func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// --- Key helpers ---

func (s *Store) snapKey(doc string) string   { return s.keyPrefix + "snap:" + doc }
func (s *Store) opsKey(doc string) string    { return s.keyPrefix + "ops:" + doc }
func (s *Store) uncommittedKey() string      { return s.keyPrefix + "uncommitted" }
func (s *Store) docKeys(doc string) []string { return []string{s.snapKey(doc), s.opsKey(doc), s.uncommittedKey()} }

func (s *Store) Create(ctx context.Context, doc string, snap storage.Snapshot) error {
	if err := storage.CheckSnapshot(doc, snap); err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("create %q: %w", doc, err)
	}
	ok, err := s.client.SetNX(ctx, s.snapKey(doc), b, 0).Result()
	if err != nil {
		return fmt.Errorf("create %q: %w", doc, err)
	}
	if !ok {
		return fmt.Errorf("create %q: %w", doc, storage.ErrExists)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, doc string) (storage.Snapshot, error) {
	b, err := s.client.Get(ctx, s.snapKey(doc)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.Snapshot{}, fmt.Errorf("get snapshot %q: %w", doc, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("get snapshot %q: %w", doc, err)
	}
	return storage.DecodeSnapshot(doc, b)
}

func (s *Store) WriteSnapshot(ctx context.Context, doc string, snap storage.Snapshot) error {
	if err := storage.CheckSnapshot(doc, snap); err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		if prev, err := s.GetSnapshot(ctx, doc); err == nil {
			snap.CreatedAt = prev.CreatedAt
		}
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("write snapshot %q: %w", doc, err)
	}
	n, err := writeSnapshotScript.Run(ctx, s.client, s.docKeys(doc), b, snap.V, doc).Int64()
	if err != nil {
		return fmt.Errorf("write snapshot %q: %w", doc, err)
	}
	if n < 0 {
		return fmt.Errorf("write snapshot %q: %w", doc, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetOps(ctx context.Context, doc string, start, end int64) ([]storage.Op, error) {
	if start < 0 {
		start = 0
	}
	stop := int64(-1)
	if end >= 0 {
		if end <= start {
			return nil, nil
		}
		stop = end - 1
	}
	raw, err := s.client.LRange(ctx, s.opsKey(doc), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("get ops %q: %w", doc, err)
	}
	out := make([]storage.Op, 0, len(raw))
	for _, r := range raw {
		op, err := storage.DecodeOp(doc, []byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *Store) WriteOp(ctx context.Context, doc string, op storage.Op) error {
	if err := storage.CheckOp(doc, op); err != nil {
		return err
	}
	b, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("write op %q: %w", doc, err)
	}
	n, err := writeOpScript.Run(ctx, s.client, s.docKeys(doc), op.V, b, doc).Int64()
	if err != nil {
		return fmt.Errorf("write op %q: %w", doc, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("write op %q: %w", doc, storage.ErrNotFound)
	case -2:
		return fmt.Errorf("write op %q at v%d: %w", doc, op.V, storage.ErrVersionConflict)
	}
	return nil
}

func (s *Store) Version(ctx context.Context, doc string) (int64, error) {
	n, err := versionScript.Run(ctx, s.client, s.docKeys(doc)).Int64()
	if err != nil {
		return 0, fmt.Errorf("version %q: %w", doc, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("version %q: %w", doc, storage.ErrNotFound)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, doc string) error {
	n, err := deleteScript.Run(ctx, s.client, s.docKeys(doc), doc).Int64()
	if err != nil {
		return fmt.Errorf("delete %q: %w", doc, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %q: %w", doc, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUncommitted(ctx context.Context) ([]string, error) {
	docs, err := s.client.SMembers(ctx, s.uncommittedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list uncommitted: %w", err)
	}
	sort.Strings(docs)
	return docs, nil
}

var _ storage.Store = (*Store)(nil)

// --- Scripts ---
// KEYS for every script: snapshot key, ops list key, uncommitted set key.

var writeOpScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = redis.call('LLEN', KEYS[2])
if n ~= tonumber(ARGV[1]) then
  return -2
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
return n + 1
`)

var writeSnapshotScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('SET', KEYS[1], ARGV[1])
if redis.call('LLEN', KEYS[2]) <= tonumber(ARGV[2]) then
  redis.call('SREM', KEYS[3], ARGV[3])
end
return 1
`)

var versionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('LLEN', KEYS[2])
`)

var deleteScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return n
`)

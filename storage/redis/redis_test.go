package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/sharedoc/storage"
	"github.com/ggoodman/sharedoc/storage/storagetest"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2, // Use separate DB for storage tests
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		_ = client.Close()
	})
	return client
}

func TestRedisStore(t *testing.T) {
	client := newClient(t)
	storagetest.RunStoreTests(t, func(t *testing.T) storage.Store {
		s, err := New(Config{Client: client, KeyPrefix: "test:docs:"})
		if err != nil {
			t.Fatalf("Failed to create Redis store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisCorruptSnapshot(t *testing.T) {
	client := newClient(t)
	s, err := New(Config{Client: client, KeyPrefix: "test:corrupt:"})
	if err != nil {
		t.Fatalf("Failed to create Redis store: %v", err)
	}
	ctx := context.Background()
	if err := client.Set(ctx, s.snapKey("bad"), "{oops", 0).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.GetSnapshot(ctx, "bad"); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("addr = %q", cfg.RedisAddr)
	}
	if cfg.KeyPrefix != "sharedoc:docs:" {
		t.Fatalf("prefix = %q", cfg.KeyPrefix)
	}
}

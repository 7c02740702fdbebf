package redis

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/sharedoc/broker"
	"github.com/ggoodman/sharedoc/broker/brokertest"
)

func TestRedisBroker(t *testing.T) {
	// Skip if Redis is not available
	testClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	if err := testClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	_ = testClient.Close()

	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		// Create a fresh client for each test run
		client := redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
		t.Cleanup(func() { _ = client.Close() })
		return New(Config{
			Client:    client,
			KeyPrefix: "test:broker:",
			MaxLen:    1000,
		})
	})
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SHAREDOC_BROKER_MAX_LEN", "42")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6380" || cfg.MaxLen != 42 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.KeyPrefix != "sharedoc:broker:" {
		t.Fatalf("prefix = %q", cfg.KeyPrefix)
	}
}

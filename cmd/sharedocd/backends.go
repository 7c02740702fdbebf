package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/ggoodman/sharedoc/broker"
	membroker "github.com/ggoodman/sharedoc/broker/memory"
	redisbroker "github.com/ggoodman/sharedoc/broker/redis"
	"github.com/ggoodman/sharedoc/storage"
	memstore "github.com/ggoodman/sharedoc/storage/memory"
	redisstore "github.com/ggoodman/sharedoc/storage/redis"
	"github.com/ggoodman/sharedoc/storage/sqlite"
)

// openStore opens the backend named by --store. Redis settings start from
// REDIS_ADDR and the package env defaults; flags and SHAREDOC_* variables
// that are set explicitly win.
func openStore(v *viper.Viper) (storage.Store, error) {
	switch kind := v.GetString("store"); kind {
	case "memory", "":
		return memstore.New(), nil
	case "sqlite":
		return sqlite.Open(v.GetString("sqlite-path"))
	case "redis":
		cfg, err := redisstore.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		if v.IsSet("redis-addr") {
			cfg.RedisAddr = v.GetString("redis-addr")
		}
		if v.IsSet("redis-prefix") {
			cfg.KeyPrefix = v.GetString("redis-prefix") + "docs:"
		}
		return redisstore.New(cfg)
	default:
		return nil, fmt.Errorf("unknown --store %q", kind)
	}
}

// openBroker returns the broker plus a func releasing it.
func openBroker(v *viper.Viper) (broker.Broker, func() error, error) {
	switch kind := v.GetString("broker"); kind {
	case "memory", "":
		// Listeners always start at the live tail, so no history is kept.
		return membroker.New(membroker.WithHistory(0)), func() error { return nil }, nil
	case "redis":
		cfg, err := redisbroker.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		if v.IsSet("redis-addr") {
			cfg.RedisAddr = v.GetString("redis-addr")
		}
		if v.IsSet("redis-prefix") {
			cfg.KeyPrefix = v.GetString("redis-prefix") + "broker:"
		}
		if v.IsSet("broker-max-len") {
			cfg.MaxLen = v.GetInt64("broker-max-len")
		}
		b := redisbroker.New(cfg)
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown --broker %q", kind)
	}
}

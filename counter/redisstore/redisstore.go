// Package redisstore keeps the counter in Redis so several server processes
// share one value. Add maps to INCRBY and is atomic on the Redis side.
//
// Example:
//
//	store, _ := redisstore.NewFromEnv() // REDIS_ADDR, COUNTER_REDIS_KEY
//	defer store.Close()
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-apps-go/counter"
)

// Config for a Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Key holding the counter value. ENV: COUNTER_REDIS_KEY
	Key string `env:"COUNTER_REDIS_KEY,default=mcp-apps:counter"`
}

// Store is a counter.Store on a single Redis key.
type Store struct {
	client *redis.Client
	key    string
}

var _ counter.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	key := cfg.Key
	if key == "" {
		key = "mcp-apps:counter"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: cl, key: key}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redisstore: decode env: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Get(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, s.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return v, nil
}

func (s *Store) Add(ctx context.Context, delta int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, s.key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", s.key, err)
	}
	return v, nil
}

func (s *Store) Reset(ctx context.Context) error {
	if err := s.client.Set(ctx, s.key, 0, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

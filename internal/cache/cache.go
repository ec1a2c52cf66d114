// Package cache provides the shared state layer for triage: deduplication
// records, rate-limit windows, and circuit-breaker flags all live behind the
// Store interface. A Redis backend is used when configured and reachable;
// otherwise state degrades to a per-process in-memory store.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// Version prefixes every key so a schema change can invalidate all
// persisted state at once by bumping it.
const Version = 1

// Key namespaces. Every caller goes through Key() so the layout
// v<version>:<namespace>:<key> holds everywhere.
const (
	NSDedup   = "dedup"
	NSRate    = "rate"
	NSBreaker = "cb"
	NSIntel   = "intel"
)

// Key builds a namespaced, versioned cache key.
func Key(namespace, key string) string {
	return fmt.Sprintf("v%d:%s:%s", Version, namespace, key)
}

// Store is the backend-neutral cache contract. String values only; callers
// serialize their own structures. All blocking operations honor ctx.
type Store interface {
	// Get returns the value and whether the key exists. A miss is not an error.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// SetIfAbsent writes only when the key is missing and reports whether it won.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Sorted-set operations backing the sliding rate-limit windows.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Pipeline queues operations for a single round trip.
	Pipeline() Pipeline

	// Ready reports whether the backend can serve requests right now.
	Ready(ctx context.Context) bool
	Close() error
}

// Pipeline batches mutations. Results come back in submission order.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	Delete(key string)
	Increment(key string, delta int64)
	ZAdd(key string, score float64, member string)
	ZRemRangeByScore(key string, min, max float64)
	Expire(key string, ttl time.Duration)
	Exec(ctx context.Context) ([]PipelineResult, error)
}

// PipelineResult is the outcome of one queued operation.
type PipelineResult struct {
	Val int64
	Err error
}

// Select picks the backing store: Redis when redisURL is set and answers a
// ping, in-memory otherwise. The fallback is logged, never fatal — a triage
// instance without Redis still works, it just loses cross-instance state.
// The prefix only applies to the Redis backend; the in-memory store is
// process-private and has nothing to collide with.
func Select(ctx context.Context, redisURL, prefix string) (Store, string) {
	if redisURL != "" {
		store, err := dialRedis(ctx, redisURL, prefix)
		if err == nil {
			return store, "redis"
		}
		logger.Warn("shared cache unavailable, falling back to in-memory store", "error", err.Error())
	}
	return NewMemoryStore(), "memory"
}

func dialRedis(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

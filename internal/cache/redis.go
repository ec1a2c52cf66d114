package cache

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the Store interface with a shared Redis instance so
// dedup and rate-limit state survives restarts and spans replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an already-connected client. A non-empty prefix is
// prepended to every key so multiple deployments can share one Redis.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) k(key string) string { return s.prefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.k(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.k(key), value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.k(key)).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.k(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.k(key), value, ttl).Result()
}

func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.IncrBy(ctx, s.k(key), delta).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, s.k(key), redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZCount(ctx, s.k(key), formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, s.k(key), formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.k(key), ttl).Err()
}

func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{pipe: s.client.Pipeline(), prefix: s.prefix}
}

func (s *RedisStore) Ready(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(pingCtx).Err() == nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisPipeline queues commands on a go-redis pipeliner and maps each
// command result back into submission order.
type redisPipeline struct {
	pipe   redis.Pipeliner
	prefix string
	cmds   []redis.Cmder
}

func (p *redisPipeline) k(key string) string { return p.prefix + key }

func (p *redisPipeline) Set(key, value string, ttl time.Duration) {
	p.cmds = append(p.cmds, p.pipe.Set(context.Background(), p.k(key), value, ttl))
}

func (p *redisPipeline) Delete(key string) {
	p.cmds = append(p.cmds, p.pipe.Del(context.Background(), p.k(key)))
}

func (p *redisPipeline) Increment(key string, delta int64) {
	p.cmds = append(p.cmds, p.pipe.IncrBy(context.Background(), p.k(key), delta))
}

func (p *redisPipeline) ZAdd(key string, score float64, member string) {
	p.cmds = append(p.cmds, p.pipe.ZAdd(context.Background(), p.k(key), redis.Z{Score: score, Member: member}))
}

func (p *redisPipeline) ZRemRangeByScore(key string, min, max float64) {
	p.cmds = append(p.cmds, p.pipe.ZRemRangeByScore(context.Background(), p.k(key), formatScore(min), formatScore(max)))
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.cmds = append(p.cmds, p.pipe.Expire(context.Background(), p.k(key), ttl))
}

func (p *redisPipeline) Exec(ctx context.Context) ([]PipelineResult, error) {
	_, execErr := p.pipe.Exec(ctx)

	results := make([]PipelineResult, len(p.cmds))
	for i, cmd := range p.cmds {
		res := PipelineResult{Err: cmd.Err()}
		if res.Err == redis.Nil {
			res.Err = nil
		}
		switch c := cmd.(type) {
		case *redis.IntCmd:
			res.Val = c.Val()
		case *redis.BoolCmd:
			if c.Val() {
				res.Val = 1
			}
		case *redis.StatusCmd:
			if c.Err() == nil {
				res.Val = 1
			}
		}
		results[i] = res
	}

	if execErr == redis.Nil {
		execErr = nil
	}
	return results, execErr
}

// formatScore renders a score bound for ZCOUNT/ZREMRANGEBYSCORE, mapping
// infinities to the Redis spellings.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

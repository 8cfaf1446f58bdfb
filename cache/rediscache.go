package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on a shared Redis deployment.
type RedisCache struct {
	client redis.UniversalClient
	owned  bool
}

// NewRedisCache wraps an existing client. The caller keeps ownership of the
// client unless owned is true.
func NewRedisCache(client redis.UniversalClient, owned bool) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("cache: redis client is nil")
	}
	return &RedisCache{client: client, owned: owned}, nil
}

// Get returns the value at key.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: redis get %q: %w", key, err)
	}
	return value, true, nil
}

// MGet returns values for the keys that exist.
func (c *RedisCache) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis mget: %w", err)
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

// Set stores value; ttl zero keeps it until deleted.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %q: %w", key, err)
	}
	return nil
}

// SetEX stores value with a positive ttl.
func (c *RedisCache) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("cache: setex requires a positive ttl")
	}
	if err := c.client.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis setex %q: %w", key, err)
	}
	return nil
}

// Expire sets the ttl of key.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis expire %q: %w", key, err)
	}
	return ok, nil
}

// Del removes keys.
func (c *RedisCache) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: redis del: %w", err)
	}
	return n, nil
}

// Keys walks the keyspace with SCAN so large deployments are not blocked by KEYS.
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("cache: redis scan %q: %w", pattern, err)
		}
		out = append(out, batch...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// LPush prepends values.
func (c *RedisCache) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	n, err := c.client.LPush(ctx, key, toArgs(values)...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: redis lpush %q: %w", key, err)
	}
	return n, nil
}

// LRem removes occurrences of value.
func (c *RedisCache) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	n, err := c.client.LRem(ctx, key, count, value).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: redis lrem %q: %w", key, err)
	}
	return n, nil
}

// LLen returns the list length.
func (c *RedisCache) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: redis llen %q: %w", key, err)
	}
	return n, nil
}

// SAdd adds set members.
func (c *RedisCache) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := c.client.SAdd(ctx, key, toArgs(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: redis sadd %q: %w", key, err)
	}
	return n, nil
}

// SMembers returns set members.
func (c *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis smembers %q: %w", key, err)
	}
	return members, nil
}

// BRPop blocks up to timeout for the tail element of key.
func (c *RedisCache) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	result, err := c.client.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: redis brpop %q: %w", key, err)
	}
	// BRPOP replies with [key, value].
	if len(result) != 2 {
		return "", false, fmt.Errorf("cache: redis brpop %q: unexpected reply length %d", key, len(result))
	}
	return result[1], true, nil
}

// Close closes the client when the cache owns it.
func (c *RedisCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

var _ Cache = (*RedisCache)(nil)

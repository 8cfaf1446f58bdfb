// Package ratelimit decides whether a caller may perform one more action
// inside a sliding time window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned by callers that turn a denied Can into an error.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// Limiter answers whether key may act again within window.
type Limiter interface {
	// Can records an attempt for key and reports whether fewer than max
	// attempts were recorded during the trailing window.
	Can(ctx context.Context, key string, window time.Duration, max int) (bool, error)
}

// NoopLimiter always allows. It is the embedded backend and does not limit
// across processes or even within one.
type NoopLimiter struct{}

// NewNoopLimiter returns a limiter that never denies, logging once so the
// degradation is visible at startup.
func NewNoopLimiter(logger *slog.Logger) NoopLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("ratelimit: embedded limiter allows every request; configure redis for enforcement")
	return NoopLimiter{}
}

// Can always returns true.
func (NoopLimiter) Can(context.Context, string, time.Duration, int) (bool, error) {
	return true, nil
}

// slidingWindow keeps one sorted-set member per attempt, scored by time in
// milliseconds. Members carry a random suffix so attempts in the same
// millisecond are counted separately.
// ARGV: now, cutoff, window, limit, member.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count >= tonumber(ARGV[4]) then
  return 0
end
redis.call('ZADD', key, ARGV[1], ARGV[5])
redis.call('PEXPIRE', key, ARGV[3])
return 1
`)

// RedisLimiter enforces limits fleet-wide with a sorted-set sliding window.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter storing windows under prefix+key.
func NewRedisLimiter(client redis.UniversalClient, prefix string) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is nil")
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}, nil
}

// Can implements Limiter.
func (l *RedisLimiter) Can(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	windowMS := window.Milliseconds()
	if windowMS <= 0 {
		return true, nil
	}
	now := l.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	cutoff := strconv.FormatInt(now-windowMS, 10)
	res, err := slidingWindow.Run(ctx, l.client, []string{l.prefix + key},
		strconv.FormatInt(now, 10), cutoff, strconv.FormatInt(windowMS, 10), max, member).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis window %q: %w", key, err)
	}
	return res == 1, nil
}

var (
	_ Limiter = NoopLimiter{}
	_ Limiter = (*RedisLimiter)(nil)
)

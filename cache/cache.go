// Package cache provides the shared key/value, list and set store used by the
// registry and the task worker pool. Two implementations exist: MemCache for
// single-process deployments and RedisCache for fleets that share a Redis
// instance. Callers depend only on the Cache interface.
package cache

import (
	"context"
	"time"
)

// Cache is a string-valued store with Redis-compatible semantics.
type Cache interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// MGet returns the values of all keys that exist. Missing keys are absent
	// from the result map.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetEX stores value under key with a mandatory positive ttl.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error

	// Expire sets a ttl on an existing key. It reports false when the key
	// does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Keys returns keys matching a glob pattern (*, ?, [..]).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// LPush prepends values to the list at key and returns the new length.
	LPush(ctx context.Context, key string, values ...string) (int64, error)

	// LRem removes up to count occurrences of value (0 = all) and returns the
	// number removed. Negative count removes from the tail.
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)

	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)

	// SAdd adds members to the set at key and returns how many were new.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)

	// SMembers returns all members of the set at key in no particular order.
	SMembers(ctx context.Context, key string) ([]string, error)

	// BRPop pops the tail of the list at key, waiting up to timeout for an
	// element. The bool is false when nothing was popped.
	//
	// MemCache cannot block across process boundaries: it returns
	// immediately with false and logs a warning. Logic that relies on a
	// blocking queue behaves differently on single-node deployments.
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error)

	// Close releases backend resources.
	Close() error
}

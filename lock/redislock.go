package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds the caller's
// identifier, so check and delete happen atomically on the server.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. Keys are stored as
// prefix+resourceID.
func NewRedisLocker(client redis.UniversalClient, prefix string) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("lock: redis client is nil")
	}
	return &RedisLocker{client: client, prefix: prefix}, nil
}

// AcquireLock sets the lock key if absent, with expiry, in one command.
func (l *RedisLocker) AcquireLock(ctx context.Context, resourceID string, ttl time.Duration) (string, bool, error) {
	id := newIdentifier()
	ok, err := l.client.SetNX(ctx, l.prefix+resourceID, id, normalizeTTL(ttl)).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock: acquire %q: %w", resourceID, err)
	}
	if !ok {
		return "", false, nil
	}
	return id, true, nil
}

// ReleaseLock deletes the lock key if identifier still owns it.
func (l *RedisLocker) ReleaseLock(ctx context.Context, resourceID, identifier string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + resourceID}, identifier).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: release %q: %w", resourceID, err)
	}
	return n == 1, nil
}

var _ Locker = (*RedisLocker)(nil)

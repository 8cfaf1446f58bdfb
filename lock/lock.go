// Package lock provides named mutual exclusion with expiry. MemLocker serves
// single-process deployments; RedisLocker coordinates a fleet through a shared
// Redis instance.
//
// A lock has at most one holder. The holder receives an opaque identifier on
// acquisition and must present it to release; a caller whose lock expired and
// was re-acquired by someone else cannot release the new holder's lock.
// Locks are not extended automatically, so the ttl must cover the whole
// critical section.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locker acquires and releases named locks.
type Locker interface {
	// AcquireLock tries once to take resourceID for ttl. It returns the holder
	// identifier and true on success, or "" and false when the lock is held.
	AcquireLock(ctx context.Context, resourceID string, ttl time.Duration) (string, bool, error)

	// ReleaseLock releases resourceID only if identifier is the current
	// holder. It reports whether a release happened.
	ReleaseLock(ctx context.Context, resourceID, identifier string) (bool, error)
}

// DefaultTTL is used when a caller passes a non-positive ttl.
const DefaultTTL = 10 * time.Second

func newIdentifier() string {
	return uuid.NewString()
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

package lock

import (
	"context"
	"sync"
	"time"
)

type memHolder struct {
	identifier string
	expiresAt  time.Time
}

// MemLocker is an in-process Locker.
type MemLocker struct {
	mu    sync.Mutex
	locks map[string]memHolder
	now   func() time.Time
}

// NewMemLocker creates an in-process locker. now may be nil.
func NewMemLocker(now func() time.Time) *MemLocker {
	if now == nil {
		now = time.Now
	}
	return &MemLocker{
		locks: make(map[string]memHolder),
		now:   now,
	}
}

// AcquireLock takes resourceID if it is free or its holder expired.
func (l *MemLocker) AcquireLock(ctx context.Context, resourceID string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if holder, ok := l.locks[resourceID]; ok && now.Before(holder.expiresAt) {
		return "", false, nil
	}
	id := newIdentifier()
	l.locks[resourceID] = memHolder{
		identifier: id,
		expiresAt:  now.Add(normalizeTTL(ttl)),
	}
	return id, true, nil
}

// ReleaseLock removes the lock when identifier matches the live holder.
func (l *MemLocker) ReleaseLock(ctx context.Context, resourceID, identifier string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	holder, ok := l.locks[resourceID]
	if !ok {
		return false, nil
	}
	if !l.now().Before(holder.expiresAt) {
		delete(l.locks, resourceID)
		return false, nil
	}
	if holder.identifier != identifier {
		return false, nil
	}
	delete(l.locks, resourceID)
	return true, nil
}

var _ Locker = (*MemLocker)(nil)

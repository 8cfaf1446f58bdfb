package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := NewRedisLimiter(client, "test:rate:")
	if err != nil {
		t.Fatalf("NewRedisLimiter() error = %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	l, now := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Can(ctx, "weather", time.Second, 3)
		if err != nil {
			t.Fatalf("Can() error = %v", err)
		}
		if !ok {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
	}

	ok, err := l.Can(ctx, "weather", time.Second, 3)
	if err != nil {
		t.Fatalf("Can() error = %v", err)
	}
	if ok {
		t.Fatal("4th call allowed, want denied")
	}

	*now = now.Add(1100 * time.Millisecond)
	ok, err = l.Can(ctx, "weather", time.Second, 3)
	if err != nil {
		t.Fatalf("Can() error = %v", err)
	}
	if !ok {
		t.Fatal("call after window denied, want allowed")
	}
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	if ok, _ := l.Can(ctx, "a", time.Minute, 1); !ok {
		t.Fatal("first call for a denied")
	}
	if ok, _ := l.Can(ctx, "a", time.Minute, 1); ok {
		t.Fatal("second call for a allowed")
	}
	if ok, _ := l.Can(ctx, "b", time.Minute, 1); !ok {
		t.Fatal("first call for b denied")
	}
}

func TestRedisLimiterZeroMaxDenies(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	if ok, err := l.Can(context.Background(), "k", time.Second, 0); err != nil || ok {
		t.Fatalf("Can(max=0) = %v, %v; want false, nil", ok, err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	l := NewNoopLimiter(nil)
	for i := 0; i < 100; i++ {
		if ok, err := l.Can(context.Background(), "k", time.Millisecond, 1); err != nil || !ok {
			t.Fatalf("Can() = %v, %v; want true, nil", ok, err)
		}
	}
}

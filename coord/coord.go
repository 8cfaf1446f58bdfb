// Package coord assembles the coordination primitives the relay shares
// across processes: cache, lock, message bus and rate limiter. With a Redis
// URL every primitive is fleet-wide; without one the embedded backends are
// used and the process behaves as a fleet of one.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/toolrelay/bus"
	"github.com/petal-labs/toolrelay/cache"
	"github.com/petal-labs/toolrelay/lock"
	"github.com/petal-labs/toolrelay/ratelimit"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
)

const (
	lockPrefix  = "lock:"
	pingTimeout = 5 * time.Second
)

// Config selects the backends.
type Config struct {
	// RedisURL enables the distributed backends, e.g. redis://host:6379/0.
	RedisURL string
	// BusDriver overrides the bus backend. Defaults to redis when RedisURL
	// is set, memory otherwise.
	BusDriver string
	// NATSURL is required when BusDriver is nats.
	NATSURL string
	Logger  *slog.Logger
}

// Backends is one consistent set of primitives.
type Backends struct {
	Cache   cache.Cache
	Locker  lock.Locker
	Bus     bus.Bus
	Limiter ratelimit.Limiter
	// Distributed reports whether Cache, Locker and Limiter are shared
	// across processes.
	Distributed bool

	closers []func() error
}

// New connects the configured backends.
func New(ctx context.Context, cfg Config) (*Backends, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.BusDriver))
	if driver == "" {
		driver = BusMemory
		if cfg.RedisURL != "" {
			driver = BusRedis
		}
	}

	b := &Backends{}
	var client *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("coord: parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("coord: redis ping: %w", err)
		}
		if err := b.useRedis(client); err != nil {
			_ = b.Close()
			return nil, err
		}
	} else {
		b.Cache = cache.NewMemCache(cache.MemCacheConfig{Logger: cfg.Logger})
		b.Locker = lock.NewMemLocker(nil)
		b.Limiter = ratelimit.NewNoopLimiter(cfg.Logger)
		b.closers = append(b.closers, b.Cache.Close)
	}

	if err := b.useBus(driver, client, cfg); err != nil {
		_ = b.Close()
		return nil, err
	}
	cfg.Logger.Info("coord: backends ready", "distributed", b.Distributed, "bus", driver)
	return b, nil
}

func (b *Backends) useRedis(client *redis.Client) error {
	c, err := cache.NewRedisCache(client, true)
	if err != nil {
		_ = client.Close()
		return err
	}
	b.Cache = c
	b.closers = append(b.closers, c.Close)

	locker, err := lock.NewRedisLocker(client, lockPrefix)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewRedisLimiter(client, "")
	if err != nil {
		return err
	}
	b.Locker = locker
	b.Limiter = limiter
	b.Distributed = true
	return nil
}

func (b *Backends) useBus(driver string, client *redis.Client, cfg Config) error {
	switch driver {
	case BusMemory:
		mb := bus.NewMemBus(bus.MemBusConfig{})
		b.Bus = mb
		// Bus before cache so subscriptions stop first.
		b.closers = append([]func() error{mb.Close}, b.closers...)
	case BusRedis:
		if client == nil {
			return errors.New("coord: redis bus requires a redis url")
		}
		rb, err := bus.NewRedisBus(client)
		if err != nil {
			return err
		}
		b.Bus = rb
		b.closers = append([]func() error{rb.Close}, b.closers...)
	case BusNATS:
		if cfg.NATSURL == "" {
			return errors.New("coord: nats bus requires a nats url")
		}
		nb, err := bus.DialNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		b.Bus = nb
		b.closers = append([]func() error{nb.Close}, b.closers...)
	default:
		return fmt.Errorf("coord: unknown bus driver %q", driver)
	}
	return nil
}

// Close releases every backend in reverse dependency order.
func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

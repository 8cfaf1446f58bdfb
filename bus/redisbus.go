package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus with Redis PUBLISH/SUBSCRIBE, delivering to every
// subscribed process.
type RedisBus struct {
	client redis.UniversalClient

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBus creates a Redis-backed bus. The client stays owned by the caller.
func NewRedisBus(client redis.UniversalClient) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("bus: redis client is nil")
	}
	return &RedisBus{
		client: client,
		subs:   make(map[*redisSub]struct{}),
	}, nil
}

// Publish sends message to channel.
func (b *RedisBus) Publish(ctx context.Context, channel, message string) error {
	if err := b.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %q: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler for channel. It returns after Redis confirms
// the subscription, so messages published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: handler is nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus: redis bus is closed")
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("bus: redis subscribe %q: %w", channel, err)
	}

	sub := &redisSub{bus: b, pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			handler(msg.Channel, msg.Payload)
		}
	}()

	// The closed check and the registration happen under one lock so a
	// concurrent Close either sees this subscription or makes it fail here.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.shutdown()
		return nil, errors.New("bus: redis bus is closed")
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Close closes all subscriptions. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redisSub]struct{})
	b.mu.Unlock()

	var errs []error
	for sub := range subs {
		if err := sub.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type redisSub struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSub) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.shutdown()
}

func (s *redisSub) shutdown() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}

var _ Bus = (*RedisBus)(nil)
var _ Subscription = (*redisSub)(nil)

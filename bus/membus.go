package bus

import (
	"context"
	"errors"
	"sync"
)

// MemBusConfig configures an in-memory bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-process Bus. Messages never leave the process.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub // channel -> subscribers
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

type memMessage struct {
	channel string
	payload string
}

// Publish delivers message to the channel's subscribers. A subscriber whose
// buffer is full drops the message.
func (b *MemBus) Publish(ctx context.Context, channel, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New("bus: memory bus is closed")
	}
	for _, sub := range b.subs[channel] {
		sub.send(memMessage{channel: channel, payload: message})
	}
	return nil
}

// Subscribe registers handler for channel.
func (b *MemBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("bus: handler is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("bus: memory bus is closed")
	}
	sub := newMemSub(b, channel, b.bufSize, handler)
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string][]*memSub)
	b.closed = true
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.close()
		}
	}
	return nil
}

func (b *MemBus) remove(target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[target.channel]
	for i, sub := range list {
		if sub == target {
			b.subs[target.channel] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[target.channel]) == 0 {
		delete(b.subs, target.channel)
	}
}

// memSub is an in-memory subscription with its own delivery goroutine.
type memSub struct {
	bus     *MemBus
	channel string
	ch      chan memMessage
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newMemSub(b *MemBus, channel string, bufSize int, handler Handler) *memSub {
	s := &memSub{
		bus:     b,
		channel: channel,
		ch:      make(chan memMessage, bufSize),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for msg := range s.ch {
			handler(msg.channel, msg.payload)
		}
	}()
	return s
}

// Close unsubscribes and waits for in-flight deliveries to finish.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}

// send delivers a message to the subscription's channel.
// If the channel is full or the subscription is closed, the message is dropped.
func (s *memSub) send(msg memMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- msg:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ Bus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)

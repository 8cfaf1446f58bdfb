// Package bus provides channel-based publish/subscribe messaging. MemBus fans
// out within one process; RedisBus and NATSBus fan out to every subscribed
// process in the fleet. Components depend only on the Bus interface.
package bus

import "context"

// Handler receives one message published on channel.
type Handler func(channel, message string)

// Bus distributes messages to subscribers of a channel.
type Bus interface {
	// Publish sends message to all current subscribers of channel.
	Publish(ctx context.Context, channel, message string) error

	// Subscribe registers handler for channel. Handlers run on a goroutine
	// owned by the subscription, one message at a time.
	// The returned Subscription must be closed when done.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is an active channel registration.
type Subscription interface {
	// Close unsubscribes and waits for the delivery goroutine to exit.
	Close() error
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus implements Bus on core NATS subjects. Channel names are used as
// subjects verbatim.
type NATSBus struct {
	conn  *nats.Conn
	owned bool

	mu   sync.Mutex
	subs map[*natsSub]struct{}
}

// DialNATS connects to url and returns a bus that owns the connection.
func DialNATS(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("toolrelay"))
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	return &NATSBus{conn: conn, owned: true, subs: make(map[*natsSub]struct{})}, nil
}

// NewNATSBus wraps an existing connection owned by the caller.
func NewNATSBus(conn *nats.Conn) (*NATSBus, error) {
	if conn == nil {
		return nil, errors.New("bus: nats connection is nil")
	}
	return &NATSBus{conn: conn, subs: make(map[*natsSub]struct{})}, nil
}

// Publish sends message on the subject named channel.
func (b *NATSBus) Publish(ctx context.Context, channel, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(channel, []byte(message)); err != nil {
		return fmt.Errorf("bus: nats publish %q: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler for channel. NATS delivers on its own
// goroutine per subscription, one message at a time.
func (b *NATSBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("bus: handler is nil")
	}
	ns, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
		handler(m.Subject, string(m.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("bus: nats subscribe %q: %w", channel, err)
	}
	// Flush so the server has registered interest before we return.
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("bus: nats flush: %w", err)
	}

	sub := &natsSub{bus: b, sub: ns}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Close drains subscriptions and, when owned, the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*natsSub]struct{})
	b.mu.Unlock()

	var errs []error
	for sub := range subs {
		if err := sub.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if b.owned {
		if err := b.conn.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type natsSub struct {
	bus *NATSBus
	sub *nats.Subscription
}

func (s *natsSub) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

var _ Bus = (*NATSBus)(nil)
var _ Subscription = (*natsSub)(nil)

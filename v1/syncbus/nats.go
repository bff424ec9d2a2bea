package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend. Topics map directly to
// subjects; the ':' separators used by queue topics are legal subject
// characters.
type NATSBus struct {
	conn *nats.Conn
	reg  *registry

	mu     sync.Mutex
	remote map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, reg: newRegistry(), remote: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := b.conn.Publish(topic, []byte("1")); err != nil {
		return err
	}
	b.reg.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.reg.add(topic)
	if first {
		sub, err := b.conn.Subscribe(topic, func(_ *nats.Msg) {
			b.reg.notify(topic)
		})
		if err == nil {
			// make sure the server registered interest before returning
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.reg.remove(topic, ch)
			return nil, err
		}
		b.remote[topic] = sub
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reg.remove(topic, ch) {
		return nil
	}
	sub := b.remote[topic]
	delete(b.remote, topic)
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.reg.metrics()
}

package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-redqueue/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub. Each topic with at least one
// local subscriber holds one Redis subscription.
type RedisBus struct {
	client *redis.Client
	reg    *registry

	mu     sync.Mutex
	remote map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, reg: newRegistry(), remote: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("redqueue.bus.topic", topic)))
	defer span.End()
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		span.RecordError(err)
		return err
	}
	b.reg.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed the
// subscription, so a publish issued afterwards is not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.reg.add(topic)
	if first {
		ps := b.client.Subscribe(context.Background(), topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.reg.remove(topic, ch)
			return nil, err
		}
		b.remote[topic] = ps
		go func() {
			for range ps.Channel() {
				b.reg.notify(topic)
			}
		}()
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reg.remove(topic, ch) {
		return nil
	}
	ps := b.remote[topic]
	delete(b.remote, topic)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.reg.metrics()
}

// Close drops every Redis subscription held by the bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for topic, ps := range b.remote {
		if err := ps.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.remote, topic)
	}
	return first
}

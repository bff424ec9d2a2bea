// Package syncbus carries wake-up notifications between queue clients.
// Lock holders announce releases and pushers announce new elements so that
// waiters on other nodes can retry early instead of sleeping a full retry
// interval. Delivery is best effort: a lost notification only costs latency.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

// registry tracks the local channels attached to each topic. Every Bus
// implementation fans remote events out through one.
type registry struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newRegistry() *registry {
	return &registry{subs: make(map[string][]chan struct{})}
}

// add attaches a new channel to topic. first reports whether the topic had
// no subscribers before, i.e. whether a remote subscription must be opened.
func (r *registry) add(topic string) (ch chan struct{}, first bool) {
	ch = make(chan struct{}, 1)
	r.mu.Lock()
	first = len(r.subs[topic]) == 0
	r.subs[topic] = append(r.subs[topic], ch)
	r.mu.Unlock()
	return ch, first
}

// remove detaches and closes ch. last reports whether ch was the final
// subscriber of topic.
func (r *registry) remove(topic string, ch chan struct{}) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[topic]
	found := false
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(subs) == 0 {
		delete(r.subs, topic)
		return true
	}
	r.subs[topic] = subs
	return false
}

// notify wakes every subscriber of topic without blocking.
func (r *registry) notify(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.subs[topic] {
		select {
		case c <- struct{}{}:
			r.delivered.Add(1)
		default:
		}
	}
}

func (r *registry) metrics() Metrics {
	return Metrics{Published: r.published.Load(), Delivered: r.delivered.Load()}
}

// unsubscribeOnDone removes ch once ctx is cancelled.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a local implementation of Bus for tests and single-process
// deployments.
type InMemoryBus struct {
	reg *registry
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{reg: newRegistry()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.reg.published.Add(1)
	b.reg.notify(topic)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.reg.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.reg.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.reg.metrics()
}

package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "topic"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}

	bus.reg.mu.Lock()
	defer bus.reg.mu.Unlock()
	if _, ok := bus.reg.subs["topic"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestPublishDoesNotBlockOnFullChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ch, _ := bus.Subscribe(context.Background(), "topic")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = bus.Publish(context.Background(), "topic")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if m := bus.Metrics(); m.Published != 5 || m.Delivered != 1 {
		t.Fatalf("expected 5 published and 1 delivered, got %+v", m)
	}
	<-ch
	_ = bus.Unsubscribe(context.Background(), "topic", ch)
}

func TestRegistryFirstAndLast(t *testing.T) {
	r := newRegistry()
	a, first := r.add("t")
	if !first {
		t.Fatal("expected first subscriber")
	}
	b, first := r.add("t")
	if first {
		t.Fatal("second subscriber reported as first")
	}
	if last := r.remove("t", a); last {
		t.Fatal("expected subscribers remaining")
	}
	if last := r.remove("t", a); last {
		t.Fatal("removing twice must be a no-op")
	}
	if last := r.remove("t", b); !last {
		t.Fatal("expected last subscriber")
	}
}

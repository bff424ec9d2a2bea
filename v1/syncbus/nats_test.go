package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("REDQUEUE_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	bus := NewNATSBus(conn)
	ctx := context.Background()
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, ctx
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "redis-queue:jobs:lock:released")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "redis-queue:jobs:lock:released"); err != nil {
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

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "topic")
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
}

func TestNATSBusSharedSubscription(t *testing.T) {
	bus, ctx := newNATSBus(t)
	a, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	bus.mu.Lock()
	n := len(bus.remote)
	bus.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one NATS subscription, got %d", n)
	}
	if err := bus.Publish(ctx, "topic"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber not woken")
		}
	}
}

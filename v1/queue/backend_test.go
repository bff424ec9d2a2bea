package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-redqueue/v1/adapter"
	"github.com/mirkobrombin/go-redqueue/v1/syncbus"
	"github.com/mirkobrombin/go-redqueue/v1/validator"
)

// newRedisQueues returns n queues sharing one miniredis server, each over
// its own client and bus.
func newRedisQueues(t *testing.T, n int) []*Queue[string] {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	queues := make([]*Queue[string], n)
	for i := range queues {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus := syncbus.NewRedisBus(client)
		t.Cleanup(func() {
			_ = bus.Close()
			_ = client.Close()
		})
		queues[i] = newTestQueue[string](t, adapter.NewRedisStore(client), func(c *Config) { c.Bus = bus })
	}
	return queues
}

func TestRedisQueueSharedBetweenClients(t *testing.T) {
	queues := newRedisQueues(t, 2)
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c"} {
		if err := queues[0].Push(ctx, v); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	mustPop(t, queues[1], "a")
	mustPop(t, queues[0], "b")
	mustPop(t, queues[1], "c")
	mustBeEmpty(t, queues[0])
}

func TestRedisConcurrentProducers(t *testing.T) {
	queues := newRedisQueues(t, 3)
	const perClient = 20
	var wg sync.WaitGroup
	errs := make(chan error, len(queues)*perClient)
	for i, q := range queues {
		wg.Add(1)
		go func(i int, q *Queue[string]) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				errs <- q.Push(context.Background(), fmt.Sprintf("%d-%d", i, j))
			}
		}(i, q)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	q := queues[0]
	r, err := validator.Check(context.Background(), q.store, q.Name(), nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !r.OK() || r.Length != len(queues)*perClient {
		t.Fatalf("expected intact list of %d, got %+v", len(queues)*perClient, r)
	}
}

func TestRedisReceiveAcrossClients(t *testing.T) {
	queues := newRedisQueues(t, 2)
	queues[0].retry = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		v, err := queues[0].Receive(ctx)
		if err != nil {
			t.Errorf("Receive: %v", err)
		}
		got <- v
	}()
	time.Sleep(50 * time.Millisecond)
	if err := queues[1].Push(ctx, "remote"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case v := <-got:
		if v != "remote" {
			t.Fatalf("expected remote, got %q", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("receive was not woken across clients")
	}
}

func TestNATSQueue(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		s.Shutdown()
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	js, err := conn.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: "redqueue"})
	if err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	q := newTestQueue[int](t, adapter.NewNATSStore(kv), func(c *Config) { c.Bus = syncbus.NewNATSBus(conn) })
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if n, err := q.Len(ctx); err != nil || n != 5 {
		t.Fatalf("expected len 5, got %d err %v", n, err)
	}
	for i := 0; i < 5; i++ {
		mustPop(t, q, i)
	}
	mustBeEmpty(t, q)
}

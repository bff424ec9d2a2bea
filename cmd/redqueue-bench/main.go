package main

import (
	"context"
	"flag"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-redqueue/v1/presets"
	"github.com/mirkobrombin/go-redqueue/v1/queue"
)

var (
	concurrency = flag.Int("c", 8, "Number of concurrent clients")
	requests    = flag.Int("n", 10000, "Total number of pushes (and pops)")
	dataSize    = flag.Int("d", 256, "Data size in bytes")
	redisAddr   = flag.String("redis-addr", "", "Redis address; in-memory when empty")
	name        = flag.String("queue", "bench", "Queue name")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d items, %d concurrency, %d bytes payload", *requests, *concurrency, *dataSize)

	var (
		q   *queue.Queue[[]byte]
		err error
	)
	if *redisAddr == "" {
		log.Println("Initializing queue (InMemory)...")
		q, err = presets.NewInMemoryQueue[[]byte](*name)
	} else {
		log.Printf("Initializing queue (Redis %s)...", *redisAddr)
		q, err = presets.NewRedisQueue[[]byte](presets.RedisOptions{Addr: *redisAddr}, *name)
	}
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	ctx := context.Background()
	if err := q.Clear(ctx); err != nil {
		log.Fatalf("Clear failed: %v", err)
	}
	val := make([]byte, *dataSize)
	for i := range val {
		val[i] = 'x'
	}

	perWorker := *requests / *concurrency
	total := int64(perWorker * *concurrency)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				if err := q.Push(gctx, val); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Push failed: %v", err)
	}
	pushElapsed := time.Since(start)

	var popped, empty int64
	start = time.Now()
	g, gctx = errgroup.WithContext(ctx)
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for atomic.LoadInt64(&popped) < total {
				_, ok, err := q.Pop(gctx)
				if err != nil {
					return err
				}
				if ok {
					atomic.AddInt64(&popped, 1)
				} else {
					atomic.AddInt64(&empty, 1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Pop failed: %v", err)
	}
	popElapsed := time.Since(start)

	report := func(op string, n int64, elapsed time.Duration) {
		log.Printf("%s: %d ops in %v, %.2f ops/s, avg %.2f µs", op, n, elapsed,
			float64(n)/elapsed.Seconds(), elapsed.Seconds()/float64(n)*1e6)
	}
	report("Push", total, pushElapsed)
	report("Pop", popped, popElapsed)
	if empty > 0 {
		log.Printf("Empty pops: %d", empty)
	}
}

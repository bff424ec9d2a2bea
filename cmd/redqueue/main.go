package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-redqueue/v1/adapter"
	"github.com/mirkobrombin/go-redqueue/v1/metrics"
	"github.com/mirkobrombin/go-redqueue/v1/presets"
	"github.com/mirkobrombin/go-redqueue/v1/queue"
	"github.com/mirkobrombin/go-redqueue/v1/server"
	"github.com/mirkobrombin/go-redqueue/v1/syncbus"
	"github.com/mirkobrombin/go-redqueue/v1/validator"
)

const usage = `usage: redqueue [flags] <command> [args]

commands:
  push <value>   append a value (JSON, or a plain string)
  pop            remove and print the head value
  peek           print the head value
  len            print the number of elements
  verify         check the linked list and report problems
  unlock         force-release the queue lock
  clear          remove every element
  serve          serve the HTTP API and /metrics

flags (environment fallbacks: REDQUEUE_REDIS_ADDR, REDQUEUE_REDIS_PASSWORD,
REDQUEUE_REDIS_DB, REDQUEUE_KAFKA_BROKERS, REDQUEUE_RETRY_INTERVAL):
`

var (
	redisAddr     = flag.String("redis-addr", "localhost:6379", "Redis address")
	redisPassword = flag.String("redis-password", "", "Redis password")
	redisDB       = flag.Int("redis-db", 0, "Redis database")
	kafkaBrokers  = flag.String("kafka-brokers", "", "Comma-separated Kafka brokers for wake-ups; Redis pub/sub when empty")
	retryInterval = flag.Duration("retry", 100*time.Millisecond, "Lock retry interval")
	queueName     = flag.String("queue", "default", "Queue name")
	listen        = flag.String("listen", ":8080", "Address for serve")
	traceOut      = flag.Bool("trace", false, "Print spans to stdout")
)

// envFlags maps flags to the environment variables used when the flag is
// not given on the command line.
var envFlags = map[string]string{
	"redis-addr":     "REDQUEUE_REDIS_ADDR",
	"redis-password": "REDQUEUE_REDIS_PASSWORD",
	"redis-db":       "REDQUEUE_REDIS_DB",
	"kafka-brokers":  "REDQUEUE_KAFKA_BROKERS",
	"retry":          "REDQUEUE_RETRY_INTERVAL",
}

func applyEnv() error {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for name, key := range envFlags {
		v := os.Getenv(key)
		if set[name] || v == "" {
			continue
		}
		if err := flag.Set(name, v); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

type app struct {
	store *adapter.RedisStore
	bus   syncbus.Bus
}

// newBus returns the wake-up bus behind a circuit breaker and a function
// closing it.
func newBus(client *redis.Client) (syncbus.Bus, func(), error) {
	var (
		bus      syncbus.Bus
		closeBus func()
	)
	if *kafkaBrokers == "" {
		rb := syncbus.NewRedisBus(client)
		bus, closeBus = rb, func() { _ = rb.Close() }
	} else {
		kb, err := syncbus.NewKafkaBus(strings.Split(*kafkaBrokers, ","), sarama.NewConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		bus, closeBus = kb, kb.Close
	}
	return syncbus.NewCircuitBreaker(bus, presets.BusFailureThreshold, presets.BusCooldown), closeBus, nil
}

var errEmpty = errors.New("queue is empty")

func (a *app) queue(name string) (*queue.Queue[json.RawMessage], error) {
	return queue.New[json.RawMessage](queue.Config{
		Name:          name,
		Store:         a.store,
		Bus:           a.bus,
		RetryInterval: *retryInterval,
	})
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}
	if err := applyEnv(); err != nil {
		log.Printf("redqueue: %v", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *traceOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Printf("redqueue: trace exporter: %v", err)
			return 1
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: *redisPassword,
		DB:       *redisDB,
	})
	defer client.Close()
	bus, closeBus, err := newBus(client)
	if err != nil {
		log.Printf("redqueue: %v", err)
		return 1
	}
	defer closeBus()
	a := &app{store: adapter.NewRedisStore(client), bus: bus}

	err = a.run(ctx, flag.Arg(0), flag.Args()[1:])
	switch {
	case errors.Is(err, errEmpty):
		fmt.Fprintln(os.Stderr, err)
		return 3
	case err != nil:
		log.Printf("redqueue: %v", err)
		return 1
	}
	return 0
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	if cmd == "serve" {
		return a.serve(ctx)
	}
	q, err := a.queue(*queueName)
	if err != nil {
		return err
	}
	switch cmd {
	case "push":
		if len(args) != 1 {
			return fmt.Errorf("push takes exactly one value")
		}
		return q.Push(ctx, toJSON(args[0]))
	case "pop", "peek":
		pick := q.Pop
		if cmd == "peek" {
			pick = q.Peek
		}
		v, ok, err := pick(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errEmpty
		}
		fmt.Println(string(v))
	case "len":
		n, err := q.Len(ctx)
		if err != nil {
			return err
		}
		fmt.Println(n)
	case "verify":
		r, err := validator.Check(ctx, a.store, *queueName, nil)
		if err != nil {
			return err
		}
		fmt.Printf("queue %s: %d reachable elements\n", r.Queue, r.Length)
		for _, issue := range r.Issues {
			fmt.Println("  " + issue.String())
		}
		if !r.OK() {
			return fmt.Errorf("%d problems found", len(r.Issues))
		}
	case "unlock":
		return q.Lock().ForceRelease(ctx)
	case "clear":
		return q.Clear(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// toJSON keeps valid JSON as is and encodes anything else as a string.
func toJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func (a *app) serve(ctx context.Context) error {
	reg := metrics.NewRegistry()
	metrics.RegisterQueueMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/queues/", server.New[json.RawMessage](a.queue, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("redqueue listening on %s (redis %s)", *listen, *redisAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

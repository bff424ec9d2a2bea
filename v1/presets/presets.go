package presets

import (
	"errors"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-redqueue/v1/adapter"
	"github.com/mirkobrombin/go-redqueue/v1/queue"
	"github.com/mirkobrombin/go-redqueue/v1/syncbus"
)

// Remote buses are wrapped in a circuit breaker: after BusFailureThreshold
// consecutive failures they are skipped for BusCooldown and waiters poll.
const (
	BusFailureThreshold = 3
	BusCooldown         = 5 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KafkaBrokers, when set, carries wake-ups over Kafka instead of Redis
	// pub/sub.
	KafkaBrokers []string
}

// NewRedisQueue creates a queue using Redis as the Store and, unless Kafka
// brokers are given, as the wake-up Bus too. Every process pointing at the
// same server and name shares the queue.
func NewRedisQueue[T any](opts RedisOptions, name string) (*queue.Queue[T], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	var bus syncbus.Bus = syncbus.NewRedisBus(client)
	if len(opts.KafkaBrokers) > 0 {
		kb, err := syncbus.NewKafkaBus(opts.KafkaBrokers, sarama.NewConfig())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		bus = kb
	}
	q, err := queue.New[T](queue.Config{
		Name:  name,
		Store: adapter.NewRedisStore(client),
		Bus:   syncbus.NewCircuitBreaker(bus, BusFailureThreshold, BusCooldown),
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

// NewNATSQueue creates a queue stored in the JetStream key-value bucket
// named bucket, creating it when missing, with NATS subjects as the Bus.
// Lock leases are not available on this backend.
func NewNATSQueue[T any](conn *nats.Conn, bucket, name string) (*queue.Queue[T], error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, err
	}
	return queue.New[T](queue.Config{
		Name:  name,
		Store: adapter.NewNATSStore(kv),
		Bus:   syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), BusFailureThreshold, BusCooldown),
	})
}

// NewInMemoryQueue creates a queue that lives entirely in the process. It
// is useful for local development and tests.
func NewInMemoryQueue[T any](name string) (*queue.Queue[T], error) {
	return queue.New[T](queue.Config{
		Name:  name,
		Store: adapter.NewInMemoryStore(),
		Bus:   syncbus.NewInMemoryBus(),
	})
}

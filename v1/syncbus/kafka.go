package syncbus

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka backend. Every topic is consumed from
// partition 0 at the newest offset; only events produced after Subscribe are
// observed.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	reg      *registry

	mu     sync.Mutex
	remote map[string]sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFromClients(producer, consumer)
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients builds a KafkaBus over an existing producer and
// consumer. Close closes both.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		reg:      newRegistry(),
		remote:   make(map[string]sarama.PartitionConsumer),
	}
}

var kafkaTopicReplacer = strings.NewReplacer(":", ".", "*", "_", "?", "_", "/", "_", " ", "_")

// KafkaTopic maps a bus topic onto a legal Kafka topic name.
func KafkaTopic(topic string) string {
	return kafkaTopicReplacer.Replace(topic)
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	msg := &sarama.ProducerMessage{Topic: KafkaTopic(topic), Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.reg.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.reg.add(topic)
	if first {
		pc, err := b.consumer.ConsumePartition(KafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.reg.remove(topic, ch)
			return nil, err
		}
		b.remote[topic] = pc
		go func() {
			for range pc.Messages() {
				b.reg.notify(topic)
			}
		}()
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reg.remove(topic, ch) {
		return nil
	}
	pc := b.remote[topic]
	delete(b.remote, topic)
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.reg.metrics()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for topic, pc := range b.remote {
		_ = pc.Close()
		delete(b.remote, topic)
	}
	b.mu.Unlock()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	if b.client != nil {
		_ = b.client.Close()
	}
}

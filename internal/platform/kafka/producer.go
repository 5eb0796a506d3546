package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"cityfix/internal/platform/config"
)

// Producer publishes records synchronously. Used by the development event
// publisher; backend services own the real publishing path.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects a producer for the configured topic.
func NewProducer(cfg config.Kafka) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic}, nil
}

// Publish sends one record keyed by key and waits for the broker ack.
// attempt is stamped into message metadata for the consumer's redelivery
// accounting.
func (p *Producer) Publish(ctx context.Context, key, value []byte, attempt int) error {
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   key,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderDeliveryAttempt, Value: []byte(strconv.Itoa(attempt))},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and releases the client.
func (p *Producer) Close() {
	p.client.Close()
}

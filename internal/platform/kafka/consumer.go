package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"cityfix/internal/platform/config"
)

// Consumer is a consumer-group client with manual offset commits. Offsets are
// committed per message via Commit, never automatically, so an uncommitted
// message is redelivered after a rebalance or restart.
type Consumer struct {
	client *kgo.Client
}

// NewConsumer joins the configured consumer group.
func NewConsumer(cfg config.Kafka) (*Consumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Consumer{client: client}, nil
}

// Poll blocks until at least one record arrives or ctx is cancelled.
func (c *Consumer) Poll(ctx context.Context) ([]*Message, error) {
	fetches := c.client.PollFetches(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("poll topic %s: %w", errs[0].Topic, errs[0].Err)
	}

	var msgs []*Message
	fetches.EachRecord(func(rec *kgo.Record) {
		msgs = append(msgs, fromRecord(rec))
	})
	return msgs, nil
}

// Commit acknowledges a processed message to the broker.
func (c *Consumer) Commit(ctx context.Context, msg *Message) error {
	if err := c.client.CommitRecords(ctx, msg.rec); err != nil {
		return fmt.Errorf("commit offset %d on %s/%d: %w", msg.Offset, msg.Topic, msg.Partition, err)
	}
	return nil
}

// Ping verifies broker connectivity.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}

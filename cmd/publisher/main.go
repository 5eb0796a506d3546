package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cityfix/internal/audit"
	"cityfix/internal/platform/config"
	"cityfix/internal/platform/kafka"
	"cityfix/internal/platform/logger"
)

// Development tool that feeds synthetic report events into the audit topic.
// Useful for exercising the auditor locally without the backend services.
func main() {
	count := flag.Int("count", 10, "number of events to publish")
	entities := flag.Int("entities", 3, "number of distinct report IDs to spread events over")
	duplicates := flag.Bool("duplicates", false, "republish every event a second time")
	malformed := flag.Bool("malformed", false, "also publish one unparseable message")
	flag.Parse()

	log := logger.New()

	auditorCfg, err := config.AuditorFromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	cfg := auditorCfg.Kafka

	ctx := context.Background()
	if err := kafka.EnsureTopic(ctx, cfg.Brokers, cfg.Topic, 1); err != nil {
		log.Error("failed to ensure topic", "topic", cfg.Topic, "error", err)
		os.Exit(1)
	}

	producer, err := kafka.NewProducer(cfg)
	if err != nil {
		log.Error("failed to create producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	eventTypes := []audit.EventType{
		audit.EventCreated,
		audit.EventUpdated,
		audit.EventStatusChanged,
		audit.EventDeleted,
	}

	for i := 0; i < *count; i++ {
		entityID := int64(1 + rand.Intn(*entities))
		event := audit.DomainEvent{
			EventID:    uuid.New(),
			EntityType: audit.EntityReport,
			EntityID:   entityID,
			EventType:  eventTypes[rand.Intn(len(eventTypes))],
			OccurredAt: time.Now().UTC(),
			Payload:    json.RawMessage(fmt.Sprintf(`{"report_id":%d,"seq":%d}`, entityID, i)),
		}

		if err := publish(ctx, producer, event); err != nil {
			log.Error("publish failed", "error", err)
			os.Exit(1)
		}
		if *duplicates {
			if err := publish(ctx, producer, event); err != nil {
				log.Error("duplicate publish failed", "error", err)
				os.Exit(1)
			}
		}
	}

	if *malformed {
		if err := producer.Publish(ctx, []byte("0"), []byte("{this is not an event"), 1); err != nil {
			log.Error("malformed publish failed", "error", err)
			os.Exit(1)
		}
	}

	log.Info("published", "events", *count, "topic", cfg.Topic, "duplicates", *duplicates)
}

func publish(ctx context.Context, producer *kafka.Producer, event audit.DomainEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := []byte(strconv.FormatInt(event.EntityID, 10))
	return producer.Publish(ctx, key, value, 1)
}

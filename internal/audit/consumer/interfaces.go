package consumer

import (
	"context"

	"cityfix/internal/audit"
	"cityfix/internal/platform/kafka"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

// Source delivers broker messages and accepts acknowledgments. Implemented
// by the platform Kafka consumer; tests use a fake.
type Source interface {
	Poll(ctx context.Context) ([]*kafka.Message, error)
	Commit(ctx context.Context, msg *kafka.Message) error
}

// Processor turns one event into a durable record. Implemented by the audit
// writer.
type Processor interface {
	Process(ctx context.Context, event audit.DomainEvent, attempt int) (audit.Result, error)
}

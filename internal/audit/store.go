package audit

import (
	"context"

	"github.com/google/uuid"
)

// InsertOutcome reports what a dedup insert did.
type InsertOutcome struct {
	// Inserted is false when a record with the same eventID already
	// existed and the insert was a no-op.
	Inserted bool
	// OrderViolation is set when the stored record's occurredAt precedes
	// the latest already-stored occurredAt for the same entity.
	OrderViolation bool
}

// Store is the durable audit trail. The event_id uniqueness constraint at the
// store is the sole dedup correctness mechanism; implementations must make
// InsertAuditRecord atomic with respect to concurrent inserts of the same
// eventID.
type Store interface {
	InsertAuditRecord(ctx context.Context, rec AuditRecord) (InsertOutcome, error)
	GetByEventID(ctx context.Context, eventID uuid.UUID) (AuditRecord, error)
	ListByEntity(ctx context.Context, entityType EntityType, entityID int64, limit int) ([]AuditRecord, error)
	ListRecent(ctx context.Context, limit int) ([]AuditRecord, error)

	InsertDeadLetter(ctx context.Context, rec DeadLetterRecord) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error)
}

// DeadLetterStore is the subset needed by components that only dead-letter.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, rec DeadLetterRecord) error
}

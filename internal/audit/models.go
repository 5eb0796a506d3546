package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies the kind of entity an event describes.
type EntityType string

const EntityReport EntityType = "REPORT"

// EventType is the state change a DomainEvent records.
type EventType string

const (
	EventCreated       EventType = "CREATED"
	EventUpdated       EventType = "UPDATED"
	EventStatusChanged EventType = "STATUS_CHANGED"
	EventDeleted       EventType = "DELETED"
)

var knownEventTypes = map[EntityType]map[EventType]struct{}{
	EntityReport: {
		EventCreated:       {},
		EventUpdated:       {},
		EventStatusChanged: {},
		EventDeleted:       {},
	},
}

// DomainEvent is an immutable fact emitted by a backend service. EventID is
// assigned by the publisher and is the deduplication key; this side never
// mints IDs for well-formed events.
type DomainEvent struct {
	EventID    uuid.UUID       `json:"event_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	EventType  EventType       `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ParseEvent deserializes a message body. Any failure is ErrMalformed; a
// malformed payload will not self-correct, so callers dead-letter instead of
// retrying.
func ParseEvent(data []byte) (DomainEvent, error) {
	var event DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if event.EventID == uuid.Nil {
		return DomainEvent{}, fmt.Errorf("%w: missing event_id", ErrMalformed)
	}
	if event.OccurredAt.IsZero() {
		return DomainEvent{}, fmt.Errorf("%w: missing occurred_at", ErrMalformed)
	}
	return event, nil
}

// ValidateSchema checks the entityType/eventType combination. A violation is
// permanent: no retry can fix it.
func (e DomainEvent) ValidateSchema() error {
	types, ok := knownEventTypes[e.EntityType]
	if !ok {
		return fmt.Errorf("%w: unknown entity type %q", ErrSchemaViolation, e.EntityType)
	}
	if _, ok := types[e.EventType]; !ok {
		return fmt.Errorf("%w: event type %q not valid for %s", ErrSchemaViolation, e.EventType, e.EntityType)
	}
	return nil
}

// AuditRecord is the durable projection of a DomainEvent. At most one exists
// per EventID; it is never mutated or deleted by this subsystem.
type AuditRecord struct {
	DomainEvent
	ReceivedAt      time.Time `json:"received_at"`
	DeliveryAttempt int       `json:"delivery_attempt"`
	// OrderViolation marks records whose occurredAt moved backwards
	// relative to what was already stored for the entity. The record is
	// kept; downstream readers decide what to do with the flag.
	OrderViolation bool `json:"order_violation"`
}

// DeadLetterRecord captures an event that exhausted its retry budget or could
// never be processed. Read-only to the pipeline after creation.
type DeadLetterRecord struct {
	Event       DomainEvent `json:"event"`
	LastError   string      `json:"last_error"`
	Attempts    int         `json:"attempts"`
	FirstSeenAt time.Time   `json:"first_seen_at"`
}

// Result is the outcome of processing one event.
type Result int

const (
	// ResultStored means a new AuditRecord was durably written.
	ResultStored Result = iota
	// ResultDuplicate means the eventID was already stored. Treated as
	// success for acknowledgment: idempotency, not an error.
	ResultDuplicate
	// ResultTransientFailure means the store was unreachable; the message
	// must not be acknowledged.
	ResultTransientFailure
	// ResultPermanentFailure means the event can never be stored; a dead
	// letter has been written.
	ResultPermanentFailure
)

func (r Result) String() string {
	switch r {
	case ResultStored:
		return "stored"
	case ResultDuplicate:
		return "duplicate"
	case ResultTransientFailure:
		return "transient_failure"
	case ResultPermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

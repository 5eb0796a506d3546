package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cityfix/internal/audit"
)

//go:embed schema.sql
var schema string

// Store persists the audit trail in Postgres. The event_id primary key is the
// dedup correctness mechanism: concurrent inserts of the same eventID race at
// the constraint, and exactly one wins.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the schema. Idempotent; called on auditor startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

// InsertAuditRecord inserts in a single statement that also computes the
// order-violation flag, so there is no read-modify-write window. A conflict
// on event_id inserts nothing and reports Inserted=false.
func (s *Store) InsertAuditRecord(ctx context.Context, rec audit.AuditRecord) (audit.InsertOutcome, error) {
	const query = `
		INSERT INTO audit_records (
			event_id, entity_type, entity_id, event_type, occurred_at,
			payload, received_at, delivery_attempt, order_violation
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8,
			EXISTS (
				SELECT 1 FROM audit_records r
				WHERE r.entity_type = $2 AND r.entity_id = $3 AND r.occurred_at > $5
			)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING order_violation
	`

	var orderViolation bool
	err := s.pool.QueryRow(ctx, query,
		rec.EventID,
		string(rec.EntityType),
		rec.EntityID,
		string(rec.EventType),
		rec.OccurredAt,
		rec.Payload,
		rec.ReceivedAt,
		rec.DeliveryAttempt,
	).Scan(&orderViolation)

	if errors.Is(err, pgx.ErrNoRows) {
		return audit.InsertOutcome{Inserted: false}, nil
	}
	if err != nil {
		return audit.InsertOutcome{}, classify(fmt.Errorf("insert audit record: %w", err))
	}
	return audit.InsertOutcome{Inserted: true, OrderViolation: orderViolation}, nil
}

// GetByEventID fetches one record.
func (s *Store) GetByEventID(ctx context.Context, eventID uuid.UUID) (audit.AuditRecord, error) {
	const query = `
		SELECT event_id, entity_type, entity_id, event_type, occurred_at,
			   payload, received_at, delivery_attempt, order_violation
		FROM audit_records
		WHERE event_id = $1
	`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.AuditRecord{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.AuditRecord{}, classify(fmt.Errorf("get audit record: %w", err))
	}
	return rec, nil
}

// ListByEntity returns records for one entity, most recent occurredAt first.
func (s *Store) ListByEntity(ctx context.Context, entityType audit.EntityType, entityID int64, limit int) ([]audit.AuditRecord, error) {
	const query = `
		SELECT event_id, entity_type, entity_id, event_type, occurred_at,
			   payload, received_at, delivery_attempt, order_violation
		FROM audit_records
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, string(entityType), entityID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list audit records by entity: %w", err))
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListRecent returns the newest records by arrival time.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.AuditRecord, error) {
	const query = `
		SELECT event_id, entity_type, entity_id, event_type, occurred_at,
			   payload, received_at, delivery_attempt, order_violation
		FROM audit_records
		ORDER BY received_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list recent audit records: %w", err))
	}
	defer rows.Close()
	return scanRecords(rows)
}

// InsertDeadLetter appends a dead letter. Not deduplicated: each exhausted
// delivery is its own operator-facing record.
func (s *Store) InsertDeadLetter(ctx context.Context, rec audit.DeadLetterRecord) error {
	const query = `
		INSERT INTO dead_letter_records (
			event_id, entity_type, entity_id, event_type, payload,
			last_error, attempts, first_seen_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	var eventID *uuid.UUID
	if rec.Event.EventID != uuid.Nil {
		eventID = &rec.Event.EventID
	}
	_, err := s.pool.Exec(ctx, query,
		eventID,
		string(rec.Event.EntityType),
		rec.Event.EntityID,
		string(rec.Event.EventType),
		rec.Event.Payload,
		rec.LastError,
		rec.Attempts,
		rec.FirstSeenAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert dead letter: %w", err))
	}
	return nil
}

// ListDeadLetters returns dead letters, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]audit.DeadLetterRecord, error) {
	const query = `
		SELECT COALESCE(event_id, '00000000-0000-0000-0000-000000000000'::uuid),
			   COALESCE(entity_type, ''), COALESCE(entity_id, 0),
			   COALESCE(event_type, ''), payload,
			   last_error, attempts, first_seen_at
		FROM dead_letter_records
		ORDER BY id
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list dead letters: %w", err))
	}
	defer rows.Close()

	var out []audit.DeadLetterRecord
	for rows.Next() {
		var rec audit.DeadLetterRecord
		var entityType, eventType string
		err := rows.Scan(
			&rec.Event.EventID,
			&entityType,
			&rec.Event.EntityID,
			&eventType,
			&rec.Event.Payload,
			&rec.LastError,
			&rec.Attempts,
			&rec.FirstSeenAt,
		)
		if err != nil {
			return nil, classify(fmt.Errorf("scan dead letter: %w", err))
		}
		rec.Event.EntityType = audit.EntityType(entityType)
		rec.Event.EventType = audit.EventType(eventType)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate dead letters: %w", err))
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (audit.AuditRecord, error) {
	var rec audit.AuditRecord
	var entityType, eventType string
	err := row.Scan(
		&rec.EventID,
		&entityType,
		&rec.EntityID,
		&eventType,
		&rec.OccurredAt,
		&rec.Payload,
		&rec.ReceivedAt,
		&rec.DeliveryAttempt,
		&rec.OrderViolation,
	)
	if err != nil {
		return audit.AuditRecord{}, err
	}
	rec.EntityType = audit.EntityType(entityType)
	rec.EventType = audit.EventType(eventType)
	return rec, nil
}

func scanRecords(rows pgx.Rows) ([]audit.AuditRecord, error) {
	var out []audit.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify(fmt.Errorf("scan audit record: %w", err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate audit records: %w", err))
	}
	return out, nil
}

// classify wraps connectivity failures with ErrTransientStore so the writer
// can tell retryable failures from permanent ones. Postgres error classes 08
// (connection), 53 (insufficient resources), 57 (operator intervention) and
// 58 (system error) are transient; other server errors are not.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"),
			strings.HasPrefix(pgErr.Code, "58"):
			return fmt.Errorf("%w: %w", audit.ErrTransientStore, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", audit.ErrTransientStore, err)
	}
	// Anything else non-Postgres (closed pool, broken conn) is worth a retry.
	if !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", audit.ErrTransientStore, err)
	}
	return err
}

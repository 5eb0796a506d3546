package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"cityfix/internal/audit"
)

// Store is an in-memory audit store for unit tests and local development.
// It mirrors the postgres store's semantics, including the atomic
// dedup-insert and the order-violation flag.
type Store struct {
	mu          sync.Mutex
	records     map[uuid.UUID]audit.AuditRecord
	inserted    []uuid.UUID
	deadLetters []audit.DeadLetterRecord
	failures    []error
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[uuid.UUID]audit.AuditRecord)}
}

// FailNext queues errors returned by the next store operations, in order.
// Used to exercise transient-failure handling.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *Store) popFailure() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

// InsertAuditRecord stores the record unless its eventID already exists.
func (s *Store) InsertAuditRecord(ctx context.Context, rec audit.AuditRecord) (audit.InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return audit.InsertOutcome{}, err
	}

	if _, exists := s.records[rec.EventID]; exists {
		return audit.InsertOutcome{Inserted: false}, nil
	}

	for _, existing := range s.records {
		if existing.EntityType == rec.EntityType && existing.EntityID == rec.EntityID &&
			existing.OccurredAt.After(rec.OccurredAt) {
			rec.OrderViolation = true
			break
		}
	}

	s.records[rec.EventID] = rec
	s.inserted = append(s.inserted, rec.EventID)
	return audit.InsertOutcome{Inserted: true, OrderViolation: rec.OrderViolation}, nil
}

// GetByEventID looks up a stored record.
func (s *Store) GetByEventID(ctx context.Context, eventID uuid.UUID) (audit.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return audit.AuditRecord{}, err
	}
	rec, ok := s.records[eventID]
	if !ok {
		return audit.AuditRecord{}, audit.ErrNotFound
	}
	return rec, nil
}

// ListByEntity returns records for one entity, most recent occurredAt first.
func (s *Store) ListByEntity(ctx context.Context, entityType audit.EntityType, entityID int64, limit int) ([]audit.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return nil, err
	}

	var out []audit.AuditRecord
	for _, rec := range s.records {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecent returns the most recently inserted records, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return nil, err
	}

	var out []audit.AuditRecord
	for i := len(s.inserted) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.records[s.inserted[i]])
	}
	return out, nil
}

// InsertDeadLetter appends a dead letter.
func (s *Store) InsertDeadLetter(ctx context.Context, rec audit.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return err
	}
	s.deadLetters = append(s.deadLetters, rec)
	return nil
}

// ListDeadLetters returns dead letters in insertion order.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]audit.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return nil, err
	}
	out := make([]audit.DeadLetterRecord, len(s.deadLetters))
	copy(out, s.deadLetters)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"cityfix/internal/audit"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *Store
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = New()
}

func (s *MemoryStoreSuite) record(entityID int64, occurredAt time.Time) audit.AuditRecord {
	return audit.AuditRecord{
		DomainEvent: audit.DomainEvent{
			EventID:    uuid.New(),
			EntityType: audit.EntityReport,
			EntityID:   entityID,
			EventType:  audit.EventUpdated,
			OccurredAt: occurredAt,
			Payload:    []byte(`{"status":"OPEN"}`),
		},
		ReceivedAt:      time.Now(),
		DeliveryAttempt: 1,
	}
}

func (s *MemoryStoreSuite) TestInsertAuditRecord() {
	ctx := context.Background()

	s.Run("first insert stores the record", func() {
		rec := s.record(7, time.Now())
		outcome, err := s.store.InsertAuditRecord(ctx, rec)
		s.Require().NoError(err)
		s.True(outcome.Inserted)
		s.False(outcome.OrderViolation)

		got, err := s.store.GetByEventID(ctx, rec.EventID)
		s.Require().NoError(err)
		s.Equal(rec.EventID, got.EventID)
	})

	s.Run("same eventID inserts nothing", func() {
		rec := s.record(7, time.Now())
		_, err := s.store.InsertAuditRecord(ctx, rec)
		s.Require().NoError(err)

		outcome, err := s.store.InsertAuditRecord(ctx, rec)
		s.Require().NoError(err)
		s.False(outcome.Inserted)
	})

	s.Run("backwards occurredAt is stored with the violation flag", func() {
		now := time.Now()
		_, err := s.store.InsertAuditRecord(ctx, s.record(9, now))
		s.Require().NoError(err)

		late := s.record(9, now.Add(-time.Minute))
		outcome, err := s.store.InsertAuditRecord(ctx, late)
		s.Require().NoError(err)
		s.True(outcome.Inserted, "out-of-order events are kept, not rejected")
		s.True(outcome.OrderViolation)

		got, err := s.store.GetByEventID(ctx, late.EventID)
		s.Require().NoError(err)
		s.True(got.OrderViolation)
	})

	s.Run("other entities do not trip the flag", func() {
		now := time.Now()
		_, err := s.store.InsertAuditRecord(ctx, s.record(1, now))
		s.Require().NoError(err)

		outcome, err := s.store.InsertAuditRecord(ctx, s.record(2, now.Add(-time.Hour)))
		s.Require().NoError(err)
		s.False(outcome.OrderViolation)
	})

	s.Run("injected failure surfaces", func() {
		s.store.FailNext(audit.ErrTransientStore)
		_, err := s.store.InsertAuditRecord(ctx, s.record(3, time.Now()))
		s.ErrorIs(err, audit.ErrTransientStore)
	})
}

func (s *MemoryStoreSuite) TestQueries() {
	ctx := context.Background()
	now := time.Now()

	older := s.record(7, now.Add(-time.Minute))
	newer := s.record(7, now)
	other := s.record(8, now)
	for _, rec := range []audit.AuditRecord{older, newer, other} {
		_, err := s.store.InsertAuditRecord(ctx, rec)
		s.Require().NoError(err)
	}

	s.Run("unknown eventID is not found", func() {
		_, err := s.store.GetByEventID(ctx, uuid.New())
		s.ErrorIs(err, audit.ErrNotFound)
	})

	s.Run("list by entity is newest first and scoped", func() {
		recs, err := s.store.ListByEntity(ctx, audit.EntityReport, 7, 10)
		s.Require().NoError(err)
		s.Require().Len(recs, 2)
		s.Equal(newer.EventID, recs[0].EventID)
		s.Equal(older.EventID, recs[1].EventID)
	})

	s.Run("list recent respects the limit", func() {
		recs, err := s.store.ListRecent(ctx, 2)
		s.Require().NoError(err)
		s.Require().Len(recs, 2)
		s.Equal(other.EventID, recs[0].EventID)
	})
}

func (s *MemoryStoreSuite) TestDeadLetters() {
	ctx := context.Background()

	rec := audit.DeadLetterRecord{
		Event:       s.record(5, time.Now()).DomainEvent,
		LastError:   "store unreachable",
		Attempts:    5,
		FirstSeenAt: time.Now(),
	}
	s.Require().NoError(s.store.InsertDeadLetter(ctx, rec))

	letters, err := s.store.ListDeadLetters(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(letters, 1)
	s.Equal("store unreachable", letters[0].LastError)
	s.Equal(5, letters[0].Attempts)
}

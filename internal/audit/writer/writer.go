package writer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cityfix/internal/audit"
	"cityfix/internal/platform/redis"
)

// Writer turns DomainEvents into durable AuditRecords. It owns all writes to
// the audit and dead-letter tables; dedup correctness rests entirely on the
// store's eventID uniqueness, the optional Redis cache only short-circuits
// round trips for recently seen duplicates.
type Writer struct {
	store    audit.Store
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New builds a writer. cache may be nil when Redis is not configured.
func New(store audit.Store, cache *redis.Client, cacheTTL time.Duration, logger *slog.Logger) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	return &Writer{
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		tracer:   otel.Tracer("cityfix/audit/writer"),
		now:      time.Now,
	}, nil
}

// Process attempts to persist one event. attempt is the delivery attempt
// recorded on the stored row. The insert itself runs on a detached context:
// once started it completes even if the caller is shutting down, since a
// cancelled half-write would undermine the uniqueness invariant.
func (w *Writer) Process(ctx context.Context, event audit.DomainEvent, attempt int) (audit.Result, error) {
	ctx, span := w.tracer.Start(ctx, "audit.process", trace.WithAttributes(
		attribute.String("event.id", event.EventID.String()),
		attribute.String("event.type", string(event.EventType)),
		attribute.Int("delivery.attempt", attempt),
	))
	defer span.End()

	if err := event.ValidateSchema(); err != nil {
		if dlErr := w.deadLetter(ctx, event, err, attempt); dlErr != nil {
			return audit.ResultTransientFailure, fmt.Errorf("dead-letter schema violation: %w", dlErr)
		}
		w.logger.Warn("event dead-lettered for schema violation",
			"event_id", event.EventID,
			"entity_type", event.EntityType,
			"event_type", event.EventType,
		)
		return audit.ResultPermanentFailure, err
	}

	if w.seenRecently(ctx, event) {
		return audit.ResultDuplicate, nil
	}

	rec := audit.AuditRecord{
		DomainEvent:     event,
		ReceivedAt:      w.now(),
		DeliveryAttempt: attempt,
	}

	outcome, err := w.store.InsertAuditRecord(context.WithoutCancel(ctx), rec)
	if err != nil {
		return audit.ResultTransientFailure, err
	}

	w.markSeen(ctx, event)

	if !outcome.Inserted {
		return audit.ResultDuplicate, nil
	}
	if outcome.OrderViolation {
		w.logger.Warn("stored event with monotonicity violation",
			"event_id", event.EventID,
			"entity_id", event.EntityID,
			"occurred_at", event.OccurredAt,
		)
	}
	return audit.ResultStored, nil
}

// deadLetter records a permanently failed event. Runs detached for the same
// reason as the insert.
func (w *Writer) deadLetter(ctx context.Context, event audit.DomainEvent, cause error, attempts int) error {
	return w.store.InsertDeadLetter(context.WithoutCancel(ctx), audit.DeadLetterRecord{
		Event:       event,
		LastError:   cause.Error(),
		Attempts:    attempts,
		FirstSeenAt: w.now(),
	})
}

func cacheKey(event audit.DomainEvent) string {
	return "audit:event:" + event.EventID.String()
}

// seenRecently consults the dedup cache. Cache errors are ignored; the store
// constraint catches whatever the cache misses.
func (w *Writer) seenRecently(ctx context.Context, event audit.DomainEvent) bool {
	if w.cache == nil {
		return false
	}
	n, err := w.cache.Exists(ctx, cacheKey(event)).Result()
	if err != nil {
		w.logger.Debug("dedup cache lookup failed", "error", err)
		return false
	}
	return n > 0
}

func (w *Writer) markSeen(ctx context.Context, event audit.DomainEvent) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Set(ctx, cacheKey(event), 1, w.cacheTTL).Err(); err != nil {
		w.logger.Debug("dedup cache set failed", "error", err)
	}
}

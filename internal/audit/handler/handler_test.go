package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cityfix/internal/audit"
	"cityfix/internal/audit/store/memory"
)

func newAuditRouter(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	h := New(store, logger)
	r := chi.NewRouter()
	h.Register(r)
	return r, store
}

func seedRecord(t *testing.T, store *memory.Store, entityID int64, occurredAt time.Time) audit.AuditRecord {
	t.Helper()
	rec := audit.AuditRecord{
		DomainEvent: audit.DomainEvent{
			EventID:    uuid.New(),
			EntityType: audit.EntityReport,
			EntityID:   entityID,
			EventType:  audit.EventStatusChanged,
			OccurredAt: occurredAt,
			Payload:    json.RawMessage(`{"status":"RESOLVED"}`),
		},
		ReceivedAt:      time.Now(),
		DeliveryAttempt: 1,
	}
	if _, err := store.InsertAuditRecord(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

func TestGetRecord(t *testing.T) {
	router, store := newAuditRouter(t)
	rec := seedRecord(t, store, 7, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/audit/records/"+rec.EventID.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got audit.AuditRecord
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.EventID != rec.EventID || got.EntityID != 7 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	router, _ := newAuditRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/audit/records/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetRecordBadID(t *testing.T) {
	router, _ := newAuditRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/audit/records/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListRecordsByEntity(t *testing.T) {
	router, store := newAuditRouter(t)
	now := time.Now()
	seedRecord(t, store, 7, now.Add(-2*time.Minute))
	newest := seedRecord(t, store, 7, now)
	seedRecord(t, store, 8, now)

	req := httptest.NewRequest(http.MethodGet, "/audit/records?entity_id=7", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Records []audit.AuditRecord `json:"records"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Records) != 2 {
		t.Fatalf("expected 2 records for entity 7, got %d", len(resp.Records))
	}
	if resp.Records[0].EventID != newest.EventID {
		t.Fatalf("expected newest record first")
	}
}

func TestListRecordsRecent(t *testing.T) {
	router, store := newAuditRouter(t)
	seedRecord(t, store, 1, time.Now())
	seedRecord(t, store, 2, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/audit/records?limit=1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Records []audit.AuditRecord `json:"records"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("expected limit to cap results, got %d records", len(resp.Records))
	}
}

func TestListRecordsBadParams(t *testing.T) {
	router, _ := newAuditRouter(t)

	for _, target := range []string{
		"/audit/records?entity_id=abc",
		"/audit/records?limit=0",
		"/audit/records?limit=-5",
		"/audit/records?limit=many",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", target, w.Code)
		}
	}
}

func TestListDeadLetters(t *testing.T) {
	router, store := newAuditRouter(t)
	letter := audit.DeadLetterRecord{
		Event: audit.DomainEvent{
			EventID:    uuid.New(),
			EntityType: audit.EntityReport,
			EntityID:   7,
			EventType:  "ESCALATED",
			OccurredAt: time.Now(),
		},
		LastError:   "schema violation",
		Attempts:    1,
		FirstSeenAt: time.Now(),
	}
	if err := store.InsertDeadLetter(context.Background(), letter); err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/audit/dead-letters", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		DeadLetters []audit.DeadLetterRecord `json:"dead_letters"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.DeadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(resp.DeadLetters))
	}
	if resp.DeadLetters[0].LastError != "schema violation" {
		t.Fatalf("unexpected dead letter: %+v", resp.DeadLetters[0])
	}
}

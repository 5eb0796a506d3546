package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cityfix/internal/audit"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Reader is the query surface of the audit store.
type Reader interface {
	GetByEventID(ctx context.Context, eventID uuid.UUID) (audit.AuditRecord, error)
	ListByEntity(ctx context.Context, entityType audit.EntityType, entityID int64, limit int) ([]audit.AuditRecord, error)
	ListRecent(ctx context.Context, limit int) ([]audit.AuditRecord, error)
	ListDeadLetters(ctx context.Context, limit int) ([]audit.DeadLetterRecord, error)
}

// Handler serves the operational read API for the audit trail. It is mounted
// on the auditor's admin listener, not the public gateway.
type Handler struct {
	reader Reader
	logger *slog.Logger
}

// New constructs the audit read handler.
func New(reader Reader, logger *slog.Logger) *Handler {
	return &Handler{reader: reader, logger: logger}
}

// Register mounts the read endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/audit/records", h.HandleListRecords)
	r.Get("/audit/records/{eventID}", h.HandleGetRecord)
	r.Get("/audit/dead-letters", h.HandleListDeadLetters)
}

// HandleListRecords handles GET /audit/records. Without an entity_id filter it
// returns the most recently stored records; with one it returns that entity's
// history newest-first.
func (h *Handler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, "limit must be a positive integer")
		return
	}

	rawEntityID := r.URL.Query().Get("entity_id")
	if rawEntityID == "" {
		recs, err := h.reader.ListRecent(ctx, limit)
		if err != nil {
			h.writeStoreError(ctx, w, "list recent records", err)
			return
		}
		writeJSON(w, http.StatusOK, recordsResponse{Records: recs})
		return
	}

	entityID, err := strconv.ParseInt(rawEntityID, 10, 64)
	if err != nil {
		writeBadRequest(w, "entity_id must be an integer")
		return
	}
	entityType := audit.EntityType(r.URL.Query().Get("entity_type"))
	if entityType == "" {
		entityType = audit.EntityReport
	}

	recs, err := h.reader.ListByEntity(ctx, entityType, entityID, limit)
	if err != nil {
		h.writeStoreError(ctx, w, "list entity records", err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{Records: recs})
}

// HandleGetRecord handles GET /audit/records/{eventID}.
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeBadRequest(w, "eventID must be a UUID")
		return
	}

	rec, err := h.reader.GetByEventID(ctx, eventID)
	if errors.Is(err, audit.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}
	if err != nil {
		h.writeStoreError(ctx, w, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleListDeadLetters handles GET /audit/dead-letters.
func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, "limit must be a positive integer")
		return
	}

	letters, err := h.reader.ListDeadLetters(ctx, limit)
	if err != nil {
		h.writeStoreError(ctx, w, "list dead letters", err)
		return
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{DeadLetters: letters})
}

func (h *Handler) writeStoreError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	h.logger.ErrorContext(ctx, "audit read failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(limit, maxLimit), nil
}

type recordsResponse struct {
	Records []audit.AuditRecord `json:"records"`
}

type deadLettersResponse struct {
	DeadLetters []audit.DeadLetterRecord `json:"dead_letters"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeBadRequest(w http.ResponseWriter, description string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:            "bad_request",
		ErrorDescription: description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// EntryReader is the read side of the retry queue used by the admin API.
type EntryReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.RetryQueueEntry, error)
	ListEntries(ctx context.Context, filter domain.ListFilter) ([]*domain.RetryQueueEntry, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
}

type AdminHandler struct {
	entries EntryReader
	logger  *slog.Logger
}

func NewAdminHandler(entries EntryReader, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{entries: entries, logger: logger.With("handler", "retry_admin")}
}

// ListEntries handles GET /admin/retry/entries?status=&limit=&offset=.
func (h *AdminHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := domain.ListFilter{Limit: defaultListLimit}
	if s := q.Get("status"); s != "" {
		filter.Status = domain.Status(s)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	entries, err := h.entries.ListEntries(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list retry entries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list retry entries")
		return
	}
	if entries == nil {
		entries = []*domain.RetryQueueEntry{}
	}
	writeJSON(w, http.StatusOK, ListEntriesResponse{Entries: entries, Limit: filter.Limit, Offset: filter.Offset})
}

// GetEntry handles GET /admin/retry/entries/{id}.
func (h *AdminHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	entry, err := h.entries.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "retry entry not found")
			return
		}
		h.logger.ErrorContext(ctx, "Failed to get retry entry", "error", err, "entry_id", id)
		writeError(w, http.StatusInternalServerError, "failed to get retry entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Stats handles GET /admin/retry/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := h.entries.CountByStatus(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to count retry entries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count retry entries")
		return
	}

	resp := StatsResponse{Counts: make(map[string]int64, 4)}
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusInFlight, domain.StatusDelivered, domain.StatusFailed} {
		resp.Counts[string(s)] = counts[s]
		resp.Total += counts[s]
	}
	writeJSON(w, http.StatusOK, resp)
}

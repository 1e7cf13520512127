package http

import (
	"encoding/json"
	"net/http"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

// WebhookAckResponse is returned for every well-formed delivery callback.
type WebhookAckResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListEntriesResponse wraps an admin listing.
type ListEntriesResponse struct {
	Entries []*domain.RetryQueueEntry `json:"entries"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
}

// StatsResponse holds entry counts by status.
type StatsResponse struct {
	Counts map[string]int64 `json:"counts"`
	Total  int64            `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/roach88/fieldsync/internal/store"
)

// QueueEntryView is the JSON shape of an outbox entry.
type QueueEntryView struct {
	ID         string `json:"id"`
	Table      string `json:"table"`
	RecordID   string `json:"record_id"`
	Operation  string `json:"operation"`
	State      string `json:"state"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
}

func newQueueEntryView(e store.QueueEntry) QueueEntryView {
	return QueueEntryView{
		ID:         e.ID,
		Table:      e.Table,
		RecordID:   e.RecordID,
		Operation:  string(e.Operation),
		State:      string(e.State),
		RetryCount: e.RetryCount,
		LastError:  e.LastError,
		UpdatedAt:  e.UpdatedAt,
	}
}

// ReviewView is the JSON shape of a conflict review.
type ReviewView struct {
	Seq       int64           `json:"seq"`
	Table     string          `json:"table"`
	RecordID  string          `json:"record_id"`
	Reason    string          `json:"reason"`
	Local     json.RawMessage `json:"local,omitempty"`
	Remote    json.RawMessage `json:"remote"`
	CreatedAt int64           `json:"created_at"`
	Resolved  bool            `json:"resolved"`
}

func newReviewView(r store.Review) ReviewView {
	return ReviewView{
		Seq:       r.Seq,
		Table:     r.Table,
		RecordID:  r.RecordID,
		Reason:    r.Reason,
		Local:     r.Local,
		Remote:    r.Remote,
		CreatedAt: r.CreatedAt,
		Resolved:  r.Resolved,
	}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func internalError(w http.ResponseWriter, op string, err error) {
	slog.Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChenyqThu/MailAgent/internal/store"
)

// HealthResponse reports the daemon's component probes.
type HealthResponse struct {
	Status    string `json:"status"`
	Store     bool   `json:"store"`
	MailIndex bool   `json:"mail_index"`
}

// StatsResponse summarizes the sync lifecycle for operators.
type StatsResponse struct {
	TotalMessages int64            `json:"total_messages"`
	ByStatus      map[string]int64 `json:"by_status"`
	DeadLetters   int64            `json:"dead_letters"`
	LastMaxRowID  int64            `json:"last_max_rowid"`
	LastSyncTime  string           `json:"last_sync_time,omitempty"`
	DatabaseSize  int64            `json:"database_size_bytes"`
	Polls         int64            `json:"polls"`
}

// MessageStatus is one tracked message in API responses.
type MessageStatus struct {
	InternalID   int64  `json:"internal_id"`
	MessageID    string `json:"message_id,omitempty"`
	Subject      string `json:"subject"`
	Sender       string `json:"sender,omitempty"`
	Mailbox      string `json:"mailbox,omitempty"`
	DateReceived string `json:"date_received,omitempty"`
	SyncStatus   string `json:"sync_status"`
	NotionPageID string `json:"notion_page_id,omitempty"`
	RetryCount   int    `json:"retry_count"`
	NextRetryAt  string `json:"next_retry_at,omitempty"`
	SyncError    string `json:"sync_error,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// handleHealth probes the store and the mail index. Degraded components
// turn the response 503 so launchd health checks notice.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: true, MailIndex: true}

	if err := s.store.Ping(); err != nil {
		s.logger.Warn("health: store probe failed", "error", err)
		resp.Store = false
	}
	if s.radar != nil && !s.radar.IsAvailable() {
		resp.MailIndex = false
	}

	status := http.StatusOK
	if !resp.Store || !resp.MailIndex {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleStats returns lifecycle counts and the radar watermark.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	resp := StatsResponse{
		TotalMessages: stats.TotalMessages,
		ByStatus:      stats.ByStatus,
		DeadLetters:   stats.DeadLetters,
		LastMaxRowID:  stats.LastMaxRowID,
		DatabaseSize:  stats.DatabaseSize,
	}
	if !stats.LastSyncTime.IsZero() {
		resp.LastSyncTime = stats.LastSyncTime.Format(time.RFC3339)
	}
	if s.sync != nil {
		resp.Polls = s.sync.Polls()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetMessage returns the lifecycle state of one tracked message.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "Message ID must be a number")
		return
	}

	msg, err := s.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Message not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get message", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve message")
		return
	}

	writeJSON(w, http.StatusOK, messageStatus(msg))
}

// handleDeadLetters lists terminally failed messages, most recent first.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	msgs, err := s.store.ListDeadLetters(limit)
	if err != nil {
		s.logger.Error("failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve dead letters")
		return
	}

	out := make([]MessageStatus, len(msgs))
	for i := range msgs {
		out[i] = messageStatus(&msgs[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":        len(out),
		"dead_letters": out,
	})
}

func messageStatus(m *store.Message) MessageStatus {
	out := MessageStatus{
		InternalID:   m.InternalID,
		MessageID:    m.MessageID,
		Subject:      m.Subject,
		Sender:       m.Sender,
		Mailbox:      m.Mailbox,
		SyncStatus:   m.SyncStatus,
		NotionPageID: m.NotionPageID,
		RetryCount:   m.RetryCount,
		SyncError:    m.SyncError,
	}
	if !m.DateReceived.IsZero() {
		out.DateReceived = m.DateReceived.Format(time.RFC3339)
	}
	if !m.NextRetryAt.IsZero() {
		out.NextRetryAt = m.NextRetryAt.Format(time.RFC3339)
	}
	return out
}

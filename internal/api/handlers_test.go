package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChenyqThu/MailAgent/internal/config"
	"github.com/ChenyqThu/MailAgent/internal/store"
)

type fakeStatusStore struct {
	stats       *store.Stats
	statsErr    error
	deadLetters []store.Message
	messages    map[int64]*store.Message
	pingErr     error
}

func (f *fakeStatusStore) GetStats() (*store.Stats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeStatusStore) ListDeadLetters(limit int) ([]store.Message, error) {
	if limit < len(f.deadLetters) {
		return f.deadLetters[:limit], nil
	}
	return f.deadLetters, nil
}

func (f *fakeStatusStore) Get(internalID int64) (*store.Message, error) {
	if m, ok := f.messages[internalID]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStatusStore) Ping() error { return f.pingErr }

type fakeSyncStatus struct{ polls int64 }

func (f *fakeSyncStatus) Polls() int64 { return f.polls }

type fakeMailIndex struct{ available bool }

func (f *fakeMailIndex) IsAvailable() bool { return f.available }

func newTestServer(st *fakeStatusStore, radar *fakeMailIndex) *Server {
	cfg := &config.Config{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, st, &fakeSyncStatus{polls: 42}, radar, logger)
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rec.Body.String())
	}
}

func TestHealthOK(t *testing.T) {
	s := newTestServer(&fakeStatusStore{}, &fakeMailIndex{available: true})

	rec := doRequest(t, s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" || !resp.Store || !resp.MailIndex {
		t.Errorf("health = %+v", resp)
	}
}

func TestHealthDegraded(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStatusStore
		radar *fakeMailIndex
	}{
		{"store down", &fakeStatusStore{pingErr: errors.New("locked")}, &fakeMailIndex{available: true}},
		{"mail index gone", &fakeStatusStore{}, &fakeMailIndex{available: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.store, tt.radar)
			rec := doRequest(t, s, http.MethodGet, "/health")
			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", rec.Code)
			}
			var resp HealthResponse
			decodeBody(t, rec, &resp)
			if resp.Status != "degraded" {
				t.Errorf("status = %q, want degraded", resp.Status)
			}
		})
	}
}

func TestStats(t *testing.T) {
	st := &fakeStatusStore{
		stats: &store.Stats{
			TotalMessages: 12,
			ByStatus:      map[string]int64{"synced": 10, "pending": 2},
			DeadLetters:   1,
			LastMaxRowID:  900,
			LastSyncTime:  time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
			DatabaseSize:  4096,
		},
	}
	s := newTestServer(st, &fakeMailIndex{available: true})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatsResponse
	decodeBody(t, rec, &resp)
	if resp.TotalMessages != 12 || resp.LastMaxRowID != 900 || resp.Polls != 42 {
		t.Errorf("stats = %+v", resp)
	}
	if resp.ByStatus["synced"] != 10 {
		t.Errorf("by_status = %v", resp.ByStatus)
	}
	if resp.LastSyncTime == "" {
		t.Error("last sync time missing")
	}
}

func TestStatsStoreError(t *testing.T) {
	s := newTestServer(&fakeStatusStore{statsErr: errors.New("corrupt")}, &fakeMailIndex{available: true})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/stats")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestGetMessage(t *testing.T) {
	st := &fakeStatusStore{messages: map[int64]*store.Message{
		7: {
			InternalID:   7,
			MessageID:    "m7@example.com",
			Subject:      "seventh",
			SyncStatus:   store.StatusSynced,
			NotionPageID: "page-7",
		},
	}}
	s := newTestServer(st, &fakeMailIndex{available: true})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/messages/7")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp MessageStatus
	decodeBody(t, rec, &resp)
	if resp.InternalID != 7 || resp.SyncStatus != store.StatusSynced || resp.NotionPageID != "page-7" {
		t.Errorf("message = %+v", resp)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	s := newTestServer(&fakeStatusStore{}, &fakeMailIndex{available: true})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/messages/99")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetMessageBadID(t *testing.T) {
	s := newTestServer(&fakeStatusStore{}, &fakeMailIndex{available: true})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/messages/abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeadLetters(t *testing.T) {
	st := &fakeStatusStore{deadLetters: []store.Message{
		{InternalID: 1, Subject: "poison", SyncStatus: store.StatusDeadLetter, RetryCount: 5, SyncError: "remote 400"},
		{InternalID: 2, Subject: "also bad", SyncStatus: store.StatusDeadLetter, RetryCount: 5},
	}}
	s := newTestServer(st, &fakeMailIndex{available: true})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/dead-letters")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Total       int             `json:"total"`
		DeadLetters []MessageStatus `json:"dead_letters"`
	}
	decodeBody(t, rec, &resp)
	if resp.Total != 2 || len(resp.DeadLetters) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.DeadLetters[0].SyncError != "remote 400" {
		t.Errorf("sync error = %q", resp.DeadLetters[0].SyncError)
	}
}

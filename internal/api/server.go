// Package api provides the local HTTP status server for mailagent.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ChenyqThu/MailAgent/internal/config"
	"github.com/ChenyqThu/MailAgent/internal/store"
)

// StatusStore defines the store operations the API needs.
type StatusStore interface {
	GetStats() (*store.Stats, error)
	ListDeadLetters(limit int) ([]store.Message, error)
	Get(internalID int64) (*store.Message, error)
	Ping() error
}

// SyncStatus exposes the running reconciler's counters.
type SyncStatus interface {
	Polls() int64
}

// MailIndex reports whether the local mail index is reachable.
type MailIndex interface {
	IsAvailable() bool
}

// Server is the local status HTTP server. It binds loopback only; the
// surface is read-only apart from dead-letter requeueing.
type Server struct {
	cfg         *config.Config
	store       StatusStore
	sync        SyncStatus
	radar       MailIndex
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates the status server. sync and radar may be nil when the
// server fronts a store-only process such as the stats command.
func NewServer(cfg *config.Config, st StatusStore, syncStatus SyncStatus, radar MailIndex, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		sync:   syncStatus,
		radar:  radar,
		logger: logger,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	// Rate limiting (10 req/sec with burst of 20)
	s.rateLimiter = NewRateLimiter(10, 20)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Get("/dead-letters", s.handleDeadLetters)
	})

	return r
}

// Start begins listening for HTTP requests. Blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start() error {
	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting status server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down status server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

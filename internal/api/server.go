// Package api exposes the HTTP surface: petition submission with a
// streamed NDJSON response, cancellation, status, history and an SSE
// event feed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petitiond/petitiond/internal/auth"
	"github.com/petitiond/petitiond/internal/events"
	"github.com/petitiond/petitiond/internal/history"
	"github.com/petitiond/petitiond/internal/log"
	"github.com/petitiond/petitiond/internal/processor"
	"github.com/petitiond/petitiond/internal/protocol"
)

// maxBodySize bounds submit request bodies.
const maxBodySize = 1 << 20

// Config holds API server configuration.
type Config struct {
	Listen string
	// Name is reported in status responses.
	Name string
}

// Server is the HTTP API server.
type Server struct {
	config  Config
	proc    *processor.Processor
	hub     *events.Hub
	store   *history.Store
	keyring *auth.Keyring
	logger  *slog.Logger
	started time.Time
	server  *http.Server
}

// New builds a server. store may be nil when history is disabled.
func New(config Config, proc *processor.Processor, hub *events.Hub, store *history.Store, keyring *auth.Keyring) *Server {
	return &Server{
		config:  config,
		proc:    proc,
		hub:     hub,
		store:   store,
		keyring: keyring,
		logger:  log.WithComponent("api"),
		started: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
		// Petition streams stay open for the lifetime of the work, so no
		// write timeout here.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router. Exposed for tests.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/petitions", s.handleSubmit)
		r.Post("/v1/petitions/{petitionID}/cancel", s.handleCancel)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/history", s.handleHistory)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware verifies the keyed digest of the request body. The body
// is consumed for verification and replayed to the handler.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, err := auth.ExtractDigest(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body.Close()

		if err := s.keyring.Verify(presented, body); err != nil {
			s.logger.Warn("authentication failed", "path", r.URL.Path, "error", err)
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.proc.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, protocol.StatusResponse{
		Name:          s.config.Name,
		Healthy:       s.proc.Healthy(),
		Running:       s.proc.Running(),
		Queued:        s.proc.QueueDepth(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	records, err := s.store.Recent(r.Context(), 50)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	type entry struct {
		PetitionID string    `json:"petition_id"`
		Kind       string    `json:"kind"`
		Priority   float64   `json:"priority"`
		State      string    `json:"state"`
		ExitCode   *int      `json:"exit_code,omitempty"`
		StartedAt  time.Time `json:"started_at"`
		FinishedAt time.Time `json:"finished_at"`
	}
	out := make([]entry, 0, len(records))
	for _, rec := range records {
		out = append(out, entry(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

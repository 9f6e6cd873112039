package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Status reports the updater state exposed by the ops server.
type Status interface {
	Running() bool
	LastUpdateID() int
}

// Server wraps the ops HTTP server with health and readiness checks.
type Server struct {
	server *http.Server
	router chi.Router
	status Status
	mode   string
	log    *slog.Logger
}

// New creates a new ops HTTP server. Readiness follows status.Running.
func New(addr, mode string, status Status, log *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	s := &Server{
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		status: status,
		mode:   mode,
		log:    log,
	}
	s.registerHealth()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusResponse struct {
	Mode         string `json:"mode"`
	Running      bool   `json:"running"`
	LastUpdateID int    `json:"last_update_id"`
}

func (s *Server) registerHealth() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.status.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Get("/statusz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Mode:         s.mode,
			Running:      s.status.Running(),
			LastUpdateID: s.status.LastUpdateID(),
		})
	})
}

// ABOUTME: Operational HTTP surface: health, metrics, roster, and queue.
// ABOUTME: Served on its own listener, separate from the chat transport.

package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferndesk/livechat/internal/presence"
	"github.com/ferndesk/livechat/internal/store"
)

// Server exposes the operational endpoints. It is read-only: nothing here
// mutates sessions or the roster.
type Server struct {
	registry *presence.Registry
	waiting  store.WaitingList
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer builds the ops server listening on addr.
func NewServer(addr string, registry *presence.Registry, waiting store.WaitingList, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		waiting:  waiting,
		logger:   logger.With("component", "ops"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/agents", s.handleAgents)
	r.Get("/queue", s.handleQueue)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener closes. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type agentStatus struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Load   int    `json:"load"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.All()
	out := make([]agentStatus, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentStatus{
			UID:    a.UID,
			Name:   a.Name,
			Status: a.Status.Label(),
			Load:   a.Load(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	queued, err := s.waiting.ListQueued(r.Context())
	if err != nil {
		s.logger.Error("listing waiting queue", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, queued)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package admin serves the operator HTTP API: health, runtime stats and
// maintenance actions on the in-memory stores.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/ratelimit"
	"github.com/stupiduntilnot/chatrelay/internal/router"
)

// Store is the conversation store surface used by the API.
type Store interface {
	GetStats() ctxpkg.Stats
	Entries(userID string) []ctxpkg.Entry
	ResetContext(userID string) bool
	ClearAll()
}

// Limiter is the rate limiter surface used by the API.
type Limiter interface {
	Stats() ratelimit.Stats
	ResetUserCooldown(userID string)
	ClearAll()
}

// Providers reports provider configuration.
type Providers interface {
	Status() []router.ProviderStatus
}

// Circuit reports the poll-loop breaker.
type Circuit interface {
	Snapshot() control.CircuitSnapshot
}

// Deps are the collaborators of a Server. DB may be nil.
type Deps struct {
	Store     Store
	Limiter   Limiter
	Providers Providers
	Circuit   Circuit
	DB        *sql.DB
	ParentID  *int64
	Logger    *slog.Logger
}

// Server is the admin HTTP API.
type Server struct {
	deps    Deps
	secret  []byte
	logger  *slog.Logger
	started time.Time
	router  chi.Router
}

func New(secret string, deps Deps) (*Server, error) {
	if secret == "" {
		return nil, errEmptySecret
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, secret: []byte(secret), logger: logger, started: time.Now()}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireJWT)
		r.Get("/stats", s.stats)
		r.Get("/providers", s.providers)
		r.Post("/cooldowns/{userID}/reset", s.resetCooldown)
		r.Get("/contexts/{userID}", s.getContext)
		r.Delete("/contexts/{userID}", s.resetContext)
		r.Post("/maintenance/clear", s.clearAll)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("admin api listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin shutdown: %w", err)
		}
		return nil
	}
}

type statsResponse struct {
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Conversations ctxpkg.Stats             `json:"conversations"`
	Limiter       ratelimit.Stats          `json:"limiter"`
	Circuit       *control.CircuitSnapshot `json:"circuit,omitempty"`
	Events        map[string]int           `json:"events,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.deps.Store != nil {
		resp.Conversations = s.deps.Store.GetStats()
	}
	if s.deps.Limiter != nil {
		resp.Limiter = s.deps.Limiter.Stats()
	}
	if s.deps.Circuit != nil {
		snap := s.deps.Circuit.Snapshot()
		resp.Circuit = &snap
	}
	if s.deps.DB != nil {
		counts, err := db.CountEvents(s.deps.DB, s.deps.ParentID, 0)
		if err != nil {
			s.logger.Error("count events failed", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to read event counts")
			return
		}
		resp.Events = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) providers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Providers == nil {
		writeJSON(w, http.StatusOK, []router.ProviderStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Providers.Status())
}

func (s *Server) resetCooldown(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if s.deps.Limiter != nil {
		s.deps.Limiter.ResetUserCooldown(userID)
	}
	s.recordMaintenance("reset_cooldown", userID)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "reset": true})
}

func (s *Server) getContext(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	entries := []ctxpkg.Entry{}
	if s.deps.Store != nil {
		entries = s.deps.Store.Entries(userID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "messages": entries})
}

func (s *Server) resetContext(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	cleared := false
	if s.deps.Store != nil {
		cleared = s.deps.Store.ResetContext(userID)
	}
	s.recordMaintenance("reset_context", userID)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "cleared": cleared})
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		s.deps.Store.ClearAll()
	}
	if s.deps.Limiter != nil {
		s.deps.Limiter.ClearAll()
	}
	s.recordMaintenance("clear_all", "")
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) recordMaintenance(action, userID string) {
	s.logger.Info("admin maintenance", "action", action, "user_id", userID)
	if s.deps.DB == nil {
		return
	}
	payload := map[string]any{"action": action}
	if userID != "" {
		payload["user_id"] = userID
	}
	if _, err := db.LogEvent(s.deps.DB, s.deps.ParentID, db.EventMaintenance, payload); err != nil {
		s.logger.Warn("event log write failed", "event", db.EventMaintenance, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Package api provides HTTP handlers for the chat backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/identity"
	"github.com/namajain/kily-agent/internal/orchestrator"
	"github.com/namajain/kily-agent/internal/session"
	"github.com/namajain/kily-agent/internal/store"
)

// Backend is the persistence surface the HTTP API reads.
type Backend interface {
	Ping(ctx context.Context) error
	ListProfiles(ctx context.Context, userID string) ([]*domain.Profile, error)
}

// ChatReader is the read side of the orchestrator.
type ChatReader interface {
	ListSessions(ctx context.Context, userID string) ([]domain.SessionSummary, error)
	Transcript(ctx context.Context, userID, sessionID string) ([]domain.Message, error)
	Stats() session.Stats
}

// Handler serves the REST endpoints.
type Handler struct {
	backend     Backend
	chat        ChatReader
	artifactDir string
	logger      *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(backend Backend, chat ChatReader, artifactDir string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		backend:     backend,
		chat:        chat,
		artifactDir: artifactDir,
		logger:      logger,
	}
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/users/{userID}/profiles", h.ListProfiles)
		r.Get("/users/{userID}/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}/messages", h.Messages)
		r.Get("/artifacts/{runID}/{name}", h.Artifact)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health reports database reachability and live session counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.chat.Stats()
	if err := h.backend.Ping(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"database": "unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"database":        "ok",
		"active_sessions": stats.Active,
		"active_users":    stats.Users,
	})
}

// callerOwns rejects requests for another user's resources.
func callerOwns(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := identity.UserIDFromContext(r.Context())
	if caller == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	if userID := chi.URLParam(r, "userID"); userID != "" && userID != caller {
		Error(w, http.StatusForbidden, "forbidden")
		return "", false
	}
	return caller, true
}

// ListProfiles returns the caller's active profiles.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerOwns(w, r)
	if !ok {
		return
	}
	profiles, err := h.backend.ListProfiles(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list profiles", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list profiles")
		return
	}
	if profiles == nil {
		profiles = []*domain.Profile{}
	}
	JSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

// ListSessions returns the caller's durable sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerOwns(w, r)
	if !ok {
		return
	}
	sessions, err := h.chat.ListSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Messages returns a session transcript.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerOwns(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	msgs, err := h.chat.Transcript(r.Context(), userID, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		h.logger.Error("Failed to load transcript", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, orchestrator.UserMessage(err))
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": msgs})
}

// Artifact serves a file written by a sandbox run.
func (h *Handler) Artifact(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	name := chi.URLParam(r, "name")
	if _, err := uuid.Parse(runID); err != nil || !safeArtifactName(name) {
		Error(w, http.StatusNotFound, "artifact not found")
		return
	}

	f, err := os.Open(filepath.Join(h.artifactDir, runID, name))
	if err != nil {
		Error(w, http.StatusNotFound, "artifact not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		Error(w, http.StatusNotFound, "artifact not found")
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func safeArtifactName(name string) bool {
	return name != "" &&
		!strings.HasPrefix(name, ".") &&
		!strings.ContainsAny(name, `/\`) &&
		filepath.Base(name) == name
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/frame"
	"github.com/namajain/kily-agent/internal/identity"
	"github.com/namajain/kily-agent/internal/orchestrator"
	"github.com/namajain/kily-agent/internal/session"
)

// ChatService is the orchestrator surface the transport drives.
type ChatService interface {
	StartSession(ctx context.Context, userID, profileID string) (*orchestrator.Started, error)
	Submit(ctx context.Context, userID, sessionID, query string) (*orchestrator.Answer, error)
	Restore(ctx context.Context, userID, sessionID string) (*orchestrator.Restored, error)
	End(userID, sessionID string) error
	Transcript(ctx context.Context, userID, sessionID string) ([]domain.Message, error)
	DatasetSummaries(userID, sessionID string) ([]frame.Summary, error)
}

// Options configures a Handler.
type Options struct {
	AllowedOrigin      string
	IsDev              bool
	RateLimitPerMinute int
	Logger             *slog.Logger
}

// Handler upgrades /ws/chat requests and runs the chat protocol.
type Handler struct {
	svc           ChatService
	hub           *Hub
	limiter       *userLimiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	// inflight tracks submits, which outlive their connection.
	inflight sync.WaitGroup
}

// NewHandler creates a chat Handler.
func NewHandler(svc ChatService, hub *Hub, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		svc:           svc,
		hub:           hub,
		limiter:       newUserLimiter(opts.RateLimitPerMinute),
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		logger:        opts.Logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(2 * MaxQueryBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	c := newClient(ws, userID)
	h.hub.register(c)
	defer h.hub.Unregister(c)
	h.logger.Info("Chat connection opened", "user_id", userID, "ip", identity.IPFromRequest(r))

	h.readLoop(r.Context(), c)
	h.logger.Info("Chat connection closed", "user_id", userID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, c *client) {
	for {
		var in Inbound
		if err := wsjson.Read(ctx, c.conn, &in); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "user_id", c.userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", c.userID)
			}
			return
		}
		eventsTotal.WithLabelValues(in.Type).Inc()

		if err := validateInbound(&in); err != nil {
			h.reply(c, Outbound{Type: EventError, RequestID: in.RequestID, SessionID: in.SessionID, Message: "Invalid request: " + err.Error()})
			continue
		}
		h.dispatch(ctx, c, in)
	}
}

func (h *Handler) dispatch(ctx context.Context, c *client, in Inbound) {
	switch in.Type {
	case EventPing:
		h.reply(c, Outbound{Type: EventPong, RequestID: in.RequestID})

	case EventStartSession:
		if in.UserID != "" && in.UserID != c.userID {
			h.reply(c, Outbound{Type: EventError, RequestID: in.RequestID, Message: "User does not match this connection."})
			return
		}
		started, err := h.svc.StartSession(ctx, c.userID, in.ProfileID)
		if err != nil {
			h.replyError(c, in, err)
			return
		}
		h.hub.Bind(started.SessionID, c)
		h.reply(c, Outbound{Type: EventSessionStarted, RequestID: in.RequestID, SessionID: started.SessionID, Data: started})

	case EventSubmitQuery:
		if !h.limiter.Allow(c.userID) {
			h.reply(c, Outbound{
				Type:      EventError,
				RequestID: in.RequestID,
				SessionID: in.SessionID,
				Message:   "Too many questions. Please wait a moment.",
				Retryable: true,
			})
			return
		}
		if !h.hub.Claim(in.SessionID, c) {
			h.replyError(c, in, session.ErrNotFound)
			return
		}
		h.reply(c, Outbound{Type: EventProcessing, RequestID: in.RequestID, SessionID: in.SessionID})
		h.inflight.Add(1)
		go h.submit(context.WithoutCancel(ctx), c, in)

	case EventRestoreSession:
		restored, err := h.svc.Restore(ctx, c.userID, in.SessionID)
		if err != nil {
			h.replyError(c, in, err)
			return
		}
		h.hub.Bind(in.SessionID, c)
		h.reply(c, Outbound{Type: EventSessionRestored, RequestID: in.RequestID, SessionID: in.SessionID, Data: restored})

	case EventEndSession:
		if err := h.svc.End(c.userID, in.SessionID); err != nil {
			h.replyError(c, in, err)
			return
		}
		h.hub.Release(in.SessionID, c)
		h.reply(c, Outbound{Type: EventSessionEnded, RequestID: in.RequestID, SessionID: in.SessionID})

	case EventGetHistory:
		msgs, err := h.svc.Transcript(ctx, c.userID, in.SessionID)
		if err != nil {
			h.replyError(c, in, err)
			return
		}
		h.reply(c, Outbound{Type: EventHistory, RequestID: in.RequestID, SessionID: in.SessionID, Data: msgs})

	case EventGetContextSummary:
		sums, err := h.svc.DatasetSummaries(c.userID, in.SessionID)
		if err != nil {
			h.replyError(c, in, err)
			return
		}
		h.reply(c, Outbound{Type: EventContextSummary, RequestID: in.RequestID, SessionID: in.SessionID, Data: sums})
	}
}

// submit runs one query. The answer goes to whichever connection owns the
// session when it is ready, which may not be c.
func (h *Handler) submit(ctx context.Context, c *client, in Inbound) {
	defer h.inflight.Done()
	start := time.Now()

	ans, err := h.svc.Submit(ctx, c.userID, in.SessionID, in.Text)
	if err != nil {
		h.logger.Warn("Query failed", "user_id", c.userID, "session_id", in.SessionID, "error", err)
		ev := Outbound{
			Type:      EventError,
			RequestID: in.RequestID,
			SessionID: in.SessionID,
			Message:   orchestrator.UserMessage(err),
			Retryable: orchestrator.Retryable(err),
		}
		if errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrExpired) {
			// Drop the claim so it cannot block the real owner.
			h.hub.ReleaseUser(in.SessionID, c.userID)
			h.reply(c, ev)
			return
		}
		h.hub.Deliver(in.SessionID, c.userID, ev)
		return
	}

	delivered := h.hub.Deliver(in.SessionID, c.userID, Outbound{
		Type:      EventAnswer,
		RequestID: in.RequestID,
		SessionID: ans.SessionID,
		Content:   ans.Content,
		Timestamp: ans.Timestamp,
		Data: answerData{
			Success:   ans.Success,
			Attempts:  ans.Attempts,
			Artifacts: ans.Artifacts,
		},
	})
	h.logger.Info("Query answered",
		"user_id", c.userID,
		"session_id", in.SessionID,
		"success", ans.Success,
		"attempts", ans.Attempts,
		"delivered", delivered,
		"duration_ms", time.Since(start).Milliseconds())
}

type answerData struct {
	Success   bool     `json:"success"`
	Attempts  int      `json:"attempts"`
	Artifacts []string `json:"artifacts,omitempty"`
}

func (h *Handler) reply(c *client, ev Outbound) {
	if err := c.send(ev); err != nil {
		h.logger.Debug("Failed to send chat event", "type", ev.Type, "user_id", c.userID, "error", err)
	}
}

func (h *Handler) replyError(c *client, in Inbound, err error) {
	h.logger.Info("Chat request failed", "type", in.Type, "user_id", c.userID, "session_id", in.SessionID, "error", err)
	h.reply(c, Outbound{
		Type:      EventError,
		RequestID: in.RequestID,
		SessionID: in.SessionID,
		Message:   orchestrator.UserMessage(err),
		Retryable: orchestrator.Retryable(err),
	})
}

// Wait blocks until in-flight submits finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// client is one chat connection. Writes are serialized; reads happen only on
// the connection's own read loop.
type client struct {
	conn   *websocket.Conn
	userID string
	wmu    sync.Mutex
}

func newClient(conn *websocket.Conn, userID string) *client {
	return &client{conn: conn, userID: userID}
}

func (c *client) send(ev Outbound) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, ev)
}

// Hub tracks which connection currently owns each session, so answers reach
// a client that reconnected while its question was being processed.
type Hub struct {
	mu     sync.RWMutex
	owners map[string]*client
	byConn map[*client]map[string]struct{}
	logger *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		owners: make(map[string]*client),
		byConn: make(map[*client]map[string]struct{}),
		logger: logger,
	}
}

// Bind makes c the owner of sessionID after the service has confirmed that
// c's user owns the session. Any previous owner is replaced.
func (h *Hub) Bind(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bindLocked(sessionID, c)
}

// Claim binds sessionID to c before ownership is known. It reports false when
// another user's connection owns the session.
func (h *Hub) Claim(sessionID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.owners[sessionID]; ok && prev.userID != c.userID {
		return false
	}
	h.bindLocked(sessionID, c)
	return true
}

func (h *Hub) bindLocked(sessionID string, c *client) {
	if prev, ok := h.owners[sessionID]; ok && prev != c {
		delete(h.byConn[prev], sessionID)
	}
	h.owners[sessionID] = c
	if _, ok := h.byConn[c]; !ok {
		h.byConn[c] = make(map[string]struct{})
	}
	h.byConn[c][sessionID] = struct{}{}
	h.logger.Debug("Chat session bound", "user_id", c.userID, "session_id", sessionID)
}

// Release drops sessionID from the hub if c still owns it.
func (h *Hub) Release(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owners[sessionID] == c {
		delete(h.owners, sessionID)
	}
	delete(h.byConn[c], sessionID)
}

// ReleaseUser drops sessionID if any connection of userID owns it.
func (h *Hub) ReleaseUser(sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.owners[sessionID]; ok && c.userID == userID {
		delete(h.owners, sessionID)
		delete(h.byConn[c], sessionID)
	}
}

// Unregister drops every session owned by c.
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid := range h.byConn[c] {
		if h.owners[sid] == c {
			delete(h.owners, sid)
		}
	}
	delete(h.byConn, c)
	h.logger.Debug("Chat connection unregistered", "user_id", c.userID)
}

// Deliver sends ev to userID's connection owning sessionID. It reports false
// when nobody is listening; the event is then dropped.
func (h *Hub) Deliver(sessionID, userID string, ev Outbound) bool {
	h.mu.RLock()
	c, ok := h.owners[sessionID]
	h.mu.RUnlock()
	if !ok || c.userID != userID {
		h.logger.Info("No connection for session, dropping event", "session_id", sessionID, "type", ev.Type)
		return false
	}
	if err := c.send(ev); err != nil {
		h.logger.Debug("Failed to deliver chat event", "session_id", sessionID, "type", ev.Type, "error", err)
		return false
	}
	return true
}

// NotifyExpired tells the owner of sessionID that the session expired.
func (h *Hub) NotifyExpired(sessionID, userID string) {
	h.Deliver(sessionID, userID, Outbound{Type: EventSessionExpired, SessionID: sessionID})
	h.mu.Lock()
	if c, ok := h.owners[sessionID]; ok && c.userID == userID {
		delete(h.owners, sessionID)
		delete(h.byConn[c], sessionID)
	}
	h.mu.Unlock()
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.byConn {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byConn)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byConn[c]; !ok {
		h.byConn[c] = make(map[string]struct{})
	}
}

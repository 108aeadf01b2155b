package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks live duplex connections per user so logout can tear them down.
// Teardown is best-effort and never blocks the logout response.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// Register associates a connection with a user id.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.conns[userID] = set
	}
	set[conn] = struct{}{}
}

// Unregister removes a connection. Safe to call for connections that were
// never registered.
func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[userID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
}

// CloseUser closes every connection registered for the user. Close errors
// are logged and otherwise ignored.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	set := h.conns[userID]
	delete(h.conns, userID)
	conns := make([]*websocket.Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(websocket.StatusNormalClosure, "logged out"); err != nil {
			h.logger.Debug("closing connection on logout", "user_id", userID, "error", err)
		}
	}
}

// serveStream upgrades the request and parks on a read loop until the peer
// or a logout closes the connection.
func (h *Hub) serveStream(ctx context.Context, conn *websocket.Conn, userID string) {
	h.Register(userID, conn)
	defer h.Unregister(userID, conn)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/layer-3/passkeyd/ports"
)

// Hub tracks authenticated sockets by user and delivers session events
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[string]*client // userID -> client id -> client
}

// NewHub constructs a Hub instance
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]map[string]*client),
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.clients[c.userID]
	if !ok {
		byID = make(map[string]*client)
		h.clients[c.userID] = byID
	}
	byID[c.id] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID := h.clients[c.userID]
	delete(byID, c.id)
	if len(byID) == 0 {
		delete(h.clients, c.userID)
	}
}

// Connected returns the number of sockets open for userID
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// PublishLogout pushes session_revoked to the sockets authenticated with
// sessionID. Other sessions of the same user keep their sockets.
func (h *Hub) PublishLogout(ctx context.Context, userID string, sessionID string) error {
	h.mu.RLock()
	var targets []*client
	for _, c := range h.clients[userID] {
		if c.sessionID == sessionID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(Frame{Type: TypeSessionRevoked, UserID: userID, SessionID: sessionID}) {
			h.log.Info("ws.revoke.dropped", "client_id", c.id, "user_id", userID)
			c.Close()
		}
	}
	return nil
}

var _ ports.EventPublisher = (*Hub)(nil)

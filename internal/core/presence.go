package core

import (
	"log/slog"

	"parley/server/internal/protocol"
)

// Online returns one entry per live connection in registration order.
func (h *Hub) Online() []protocol.OnlineUser {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

// RequestSnapshot sends the current presence list to one connection.
func (h *Hub) RequestSnapshot(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	return h.enqueueLocked(c, protocol.Message{Type: protocol.TypeOnlineUsersList, Online: h.onlineLocked()})
}

func (h *Hub) onlineLocked() []protocol.OnlineUser {
	cs := h.sortedConnsLocked()
	out := make([]protocol.OnlineUser, len(cs))
	for i, c := range cs {
		out[i] = c.online()
	}
	return out
}

func (h *Hub) broadcastPresenceLocked() {
	cs := h.sortedConnsLocked()
	online := make([]protocol.OnlineUser, len(cs))
	for i, c := range cs {
		online[i] = c.online()
	}
	msg := protocol.Message{Type: protocol.TypeOnlineUsersList, Online: online}
	for _, c := range cs {
		h.enqueueLocked(c, msg)
	}
	slog.Debug("presence broadcast", "online", len(online))
}

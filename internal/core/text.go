package core

import (
	"log/slog"

	"parley/server/internal/protocol"
)

// Subscribe adds the connection to a text channel's broadcast group.
func (h *Hub) Subscribe(connID, channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	group, ok := h.groups[channelID]
	if !ok {
		group = make(map[string]struct{})
		h.groups[channelID] = group
	}
	group[connID] = struct{}{}
	c.text[channelID] = struct{}{}
	slog.Debug("text subscribed", "conn_id", connID, "channel_id", channelID, "subscribers", len(group))
	return nil
}

// Unsubscribe removes the connection from a text channel's group.
func (h *Hub) Unsubscribe(connID, channelID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	return h.unsubscribeLocked(c, channelID)
}

// Subscribed reports whether the connection is in the channel's group.
func (h *Hub) Subscribed(connID, channelID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[channelID][connID]
	return ok
}

// Broadcast enqueues msg to every subscriber of channelID except exceptConnID,
// in registration order. It returns the number of recipients.
func (h *Hub) Broadcast(channelID string, msg protocol.Message, exceptConnID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	group := h.groups[channelID]
	n := 0
	for _, c := range h.sortedConnsLocked() {
		if c.id == exceptConnID {
			continue
		}
		if _, ok := group[c.id]; !ok {
			continue
		}
		if h.enqueueLocked(c, msg) {
			n++
		}
	}
	slog.Debug("channel broadcast", "type", msg.Type, "channel_id", channelID, "recipients", n)
	return n
}

func (h *Hub) unsubscribeLocked(c *conn, channelID string) bool {
	if _, ok := c.text[channelID]; !ok {
		return false
	}
	delete(c.text, channelID)
	if group, ok := h.groups[channelID]; ok {
		delete(group, c.id)
		if len(group) == 0 {
			delete(h.groups, channelID)
		}
	}
	return true
}

package core

import (
	"encoding/json"
	"log/slog"

	"parley/server/internal/protocol"
)

// Relay forwards an offer, answer or candidate from one connection to
// another without looking at the payload. It reports false, and drops the
// event, when the kind is not a signaling event or either end is unknown.
func (h *Hub) Relay(kind, from, to string, payload json.RawMessage) bool {
	if !protocol.IsSignal(kind) {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.conns[from]; !ok {
		return false
	}
	dst, ok := h.conns[to]
	if !ok {
		slog.Debug("relay target unknown", "type", kind, "from", from, "to", to)
		return false
	}

	msg := protocol.Message{Type: kind, From: from}
	if kind == protocol.TypeCandidate {
		msg.Candidate = payload
	} else {
		msg.SDP = payload
	}
	return h.enqueueLocked(dst, msg)
}

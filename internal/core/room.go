package core

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"parley/server/internal/protocol"
)

// Room identifies a voice channel and the server it belongs to.
type Room struct {
	ChannelID string
	ServerID  string
}

type room struct {
	serverID string
	members  map[string]uint64 // conn id -> join sequence
	nextSeq  uint64
}

func (r *room) orderedLocked(h *Hub) []*conn {
	type entry struct {
		c   *conn
		seq uint64
	}
	entries := make([]entry, 0, len(r.members))
	for id, seq := range r.members {
		if c, ok := h.conns[id]; ok {
			entries = append(entries, entry{c, seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*conn, len(entries))
	for i, e := range entries {
		out[i] = e.c
	}
	return out
}

// JoinVoice moves the connection into the room. The previous room, if any, is
// left first (its members get user_left). The joiner receives existing_users
// with every current member marked as one it must offer to; every current
// member receives user_joined_voice for the joiner. Rejoining the same room is
// a leave followed by a join.
func (h *Hub) JoinVoice(connID string, target Room) ([]protocol.Peer, error) {
	target.ChannelID = strings.TrimSpace(target.ChannelID)
	if target.ChannelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return nil, ErrConnNotFound
	}
	h.leaveVoiceLocked(c)

	r, ok := h.rooms[target.ChannelID]
	if !ok {
		r = &room{serverID: target.ServerID, members: make(map[string]uint64)}
		h.rooms[target.ChannelID] = r
	}

	existing := r.orderedLocked(h)
	peers := make([]protocol.Peer, len(existing))
	for i, m := range existing {
		peers[i] = m.peer(true)
	}

	r.nextSeq++
	r.members[c.id] = r.nextSeq
	c.voice = target.ChannelID

	h.enqueueLocked(c, protocol.Message{Type: protocol.TypeExistingUsers, ChannelID: target.ChannelID, Peers: peers})
	joined := c.peer(false)
	for _, m := range existing {
		h.enqueueLocked(m, protocol.Message{Type: protocol.TypeUserJoinedVoice, ChannelID: target.ChannelID, Peer: &joined})
	}

	slog.Info("voice joined", "conn_id", c.id, "user_id", c.who.UserID, "channel_id", target.ChannelID, "server_id", target.ServerID, "members", len(r.members))
	return peers, nil
}

// LeaveVoice removes the connection from its room. It reports false when the
// connection was not in one.
func (h *Hub) LeaveVoice(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	return h.leaveVoiceLocked(c)
}

// EvictFromServer takes every connection of userID out of voice rooms that
// belong to serverID and tells each of them why. It returns the number of
// connections evicted.
func (h *Hub) EvictFromServer(userID int64, serverID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, c := range h.sortedConnsLocked() {
		if c.who.UserID != userID || c.voice == "" {
			continue
		}
		r := h.rooms[c.voice]
		if r == nil || r.serverID != serverID {
			continue
		}
		channelID := c.voice
		h.leaveVoiceLocked(c)
		h.enqueueLocked(c, protocol.Message{
			Type:      protocol.TypeError,
			ChannelID: channelID,
			Code:      protocol.CodeBanned,
			Error:     "removed from voice: banned from this server",
		})
		n++
	}
	if n > 0 {
		slog.Info("voice evicted", "user_id", userID, "server_id", serverID, "conns", n)
	}
	return n
}

// VoiceChannel returns the voice channel the connection is in, or "".
func (h *Hub) VoiceChannel(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[connID]; ok {
		return c.voice
	}
	return ""
}

// VoiceRooms returns every non-empty room with members in join order.
func (h *Hub) VoiceRooms() []protocol.VoiceRoom {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]protocol.VoiceRoom, 0, len(h.rooms))
	for channelID, r := range h.rooms {
		members := r.orderedLocked(h)
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.id
		}
		out = append(out, protocol.VoiceRoom{ChannelID: channelID, ServerID: r.serverID, Members: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

func (h *Hub) leaveVoiceLocked(c *conn) bool {
	if c.voice == "" {
		return false
	}
	channelID := c.voice
	c.voice = ""

	r, ok := h.rooms[channelID]
	if !ok {
		return true
	}
	delete(r.members, c.id)
	left := protocol.Message{Type: protocol.TypeUserLeft, ChannelID: channelID, ConnectionID: c.id}
	for _, m := range r.orderedLocked(h) {
		h.enqueueLocked(m, left)
	}
	if len(r.members) == 0 {
		delete(h.rooms, channelID)
	}
	slog.Info("voice left", "conn_id", c.id, "user_id", c.who.UserID, "channel_id", channelID, "remaining", len(r.members))
	return true
}

// Package core holds the in-memory coordination state of live connections:
// sessions, text-channel broadcast groups, voice rooms, call-setup relay and
// presence. A single RWMutex guards all of it, and every enqueue onto a
// connection's outbound queue happens while that lock is held, so recipients
// observe events in the order the state changed.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"parley/server/internal/auth"
	"parley/server/internal/perm"
	"parley/server/internal/protocol"
)

// DefaultOutboundBuffer is the per-connection queue length used when Options
// leaves it unset.
const DefaultOutboundBuffer = 256

// ErrConnNotFound is returned for operations on an unknown or removed
// connection.
var ErrConnNotFound = errors.New("connection not found")

// Identity is who a connection belongs to, resolved from a verified token and
// the stored profile.
type Identity struct {
	UserID      int64
	Username    string
	DisplayName string
	Avatar      string
	Permissions perm.Set
}

// Session is handed to the transport for one registered connection.
type Session struct {
	ConnID string
	// Send carries outbound events. It is closed by Remove.
	Send <-chan protocol.Message
	// Kicked is closed when the hub wants the transport to drop the connection.
	Kicked <-chan struct{}
}

// ProfileUpdate carries the profile fields to change; nil means unchanged.
type ProfileUpdate struct {
	DisplayName *string
	Avatar      *string
}

// Options configures a Hub.
type Options struct {
	OutboundBuffer int
	// ICEServers are handed to every connection in its ready event.
	ICEServers []protocol.ICEServer
}

type conn struct {
	id     string
	seq    uint64
	who    Identity
	send   chan protocol.Message
	kicked chan struct{}
	kick   sync.Once
	voice  string // channel id of the current voice room, "" when idle
	text   map[string]struct{}
}

func (c *conn) online() protocol.OnlineUser {
	return protocol.OnlineUser{
		ID:          c.id,
		UserID:      c.who.UserID,
		Username:    c.who.Username,
		DisplayName: c.who.DisplayName,
		Avatar:      c.who.Avatar,
	}
}

func (c *conn) peer(initiator bool) protocol.Peer {
	return protocol.Peer{
		ID:          c.id,
		UserID:      c.who.UserID,
		Username:    c.who.Username,
		DisplayName: c.who.DisplayName,
		Avatar:      c.who.Avatar,
		Initiator:   initiator,
	}
}

// Hub is the shared coordination state.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	rooms  map[string]*room
	groups map[string]map[string]struct{} // text channel id -> conn ids
	seq    uint64
	buffer int
	ice    []protocol.ICEServer

	kicks atomic.Uint64

	// enqueued, when set, observes every accepted enqueue under h.mu.
	enqueued func(connID string, msg protocol.Message)
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = DefaultOutboundBuffer
	}
	return &Hub{
		conns:  make(map[string]*conn),
		rooms:  make(map[string]*room),
		groups: make(map[string]map[string]struct{}),
		buffer: opts.OutboundBuffer,
		ice:    opts.ICEServers,
	}
}

// Register adds a connection for an authenticated identity. The connection's
// first event is ready, followed by the new presence list.
func (h *Hub) Register(ctx context.Context, who Identity) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	who.Username = strings.TrimSpace(who.Username)
	if who.UserID <= 0 || who.Username == "" {
		return nil, fmt.Errorf("register: %w", auth.ErrUnauthenticated)
	}
	if who.Permissions == nil {
		who.Permissions = perm.NewSet()
	}

	c := &conn{
		id:     uuid.NewString(),
		who:    who,
		send:   make(chan protocol.Message, h.buffer),
		kicked: make(chan struct{}),
		text:   make(map[string]struct{}),
	}

	h.mu.Lock()
	h.seq++
	c.seq = h.seq
	h.conns[c.id] = c
	self := c.online()
	h.enqueueLocked(c, protocol.Message{
		Type:         protocol.TypeReady,
		ConnectionID: c.id,
		Self:         &self,
		ICEServers:   h.ice,
	})
	h.broadcastPresenceLocked()
	total := len(h.conns)
	h.mu.Unlock()

	slog.Info("connection registered", "conn_id", c.id, "user_id", who.UserID, "username", who.Username, "total_conns", total)
	return &Session{ConnID: c.id, Send: c.send, Kicked: c.kicked}, nil
}

// Lookup returns the presence entry of a live connection.
func (h *Hub) Lookup(connID string) (protocol.OnlineUser, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return protocol.OnlineUser{}, false
	}
	return c.online(), true
}

// Identity returns who a live connection belongs to.
func (h *Hub) Identity(connID string) (Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return Identity{}, false
	}
	return c.who, true
}

// UpdateProfile applies a profile change to every live connection of userID
// and broadcasts presence when anything changed. It returns the number of
// connections touched.
func (h *Hub) UpdateProfile(userID int64, upd ProfileUpdate) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, c := range h.conns {
		if c.who.UserID != userID {
			continue
		}
		if upd.DisplayName != nil {
			c.who.DisplayName = *upd.DisplayName
		}
		if upd.Avatar != nil {
			c.who.Avatar = *upd.Avatar
		}
		n++
	}
	if n > 0 {
		h.broadcastPresenceLocked()
	}
	slog.Debug("profile updated", "user_id", userID, "conns", n)
	return n
}

// SetPermissions replaces the cached capability set on every connection of
// userID.
func (h *Hub) SetPermissions(userID int64, perms perm.Set) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.conns {
		if c.who.UserID == userID {
			c.who.Permissions = perms
			n++
		}
	}
	return n
}

// Remove tears a connection down: leaves its voice room, drops its text
// subscriptions, closes its outbound queue and broadcasts presence. Only the
// first call for a connection has any effect.
func (h *Hub) Remove(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	hadVoice := c.voice != ""
	h.leaveVoiceLocked(c)
	for channelID := range c.text {
		h.unsubscribeLocked(c, channelID)
	}
	delete(h.conns, connID)
	close(c.send)
	c.kick.Do(func() { close(c.kicked) })
	h.broadcastPresenceLocked()

	slog.Info("connection removed", "conn_id", connID, "user_id", c.who.UserID, "had_voice", hadVoice, "remaining_conns", len(h.conns))
	return true
}

// Kick asks the transport to close the connection. Cleanup still flows
// through Remove.
func (h *Hub) Kick(connID string) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.kickConn(c, "requested")
	return true
}

func (h *Hub) kickConn(c *conn, reason string) {
	c.kick.Do(func() {
		close(c.kicked)
		h.kicks.Add(1)
		slog.Warn("connection kicked", "conn_id", c.id, "user_id", c.who.UserID, "reason", reason)
	})
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendTo enqueues msg for one connection.
func (h *Hub) SendTo(connID string, msg protocol.Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	return h.enqueueLocked(c, msg)
}

// Stats is a point-in-time summary used by metrics and health endpoints.
type Stats struct {
	Conns        int
	Users        int
	VoiceRooms   int
	VoiceMembers int
	TextGroups   int
	Kicks        uint64
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make(map[int64]struct{}, len(h.conns))
	members := 0
	for _, c := range h.conns {
		users[c.who.UserID] = struct{}{}
		if c.voice != "" {
			members++
		}
	}
	return Stats{
		Conns:        len(h.conns),
		Users:        len(users),
		VoiceRooms:   len(h.rooms),
		VoiceMembers: members,
		TextGroups:   len(h.groups),
		Kicks:        h.kicks.Load(),
	}
}

// enqueueLocked is a non-blocking send. A full queue kicks the connection.
// The caller holds h.mu (read or write), which keeps c.send open.
func (h *Hub) enqueueLocked(c *conn, msg protocol.Message) bool {
	select {
	case c.send <- msg:
		if h.enqueued != nil {
			h.enqueued(c.id, msg)
		}
		return true
	default:
		h.kickConn(c, "outbound queue full")
		return false
	}
}

func (h *Hub) sortedConnsLocked() []*conn {
	cs := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].seq < cs[j].seq })
	return cs
}

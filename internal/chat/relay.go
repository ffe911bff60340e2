// Package chat implements text-channel messaging: joining a channel's
// broadcast group with history, posting through the ban/mute gate, deleting
// by author or moderator, and asynchronous link previews.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"parley/server/internal/core"
	"parley/server/internal/linkpreview"
	"parley/server/internal/perm"
	"parley/server/internal/protocol"
	"parley/server/internal/store"
)

var (
	ErrBanned          = errors.New("banned from this server")
	ErrMuted           = errors.New("muted in this channel")
	ErrForbidden       = errors.New("not allowed")
	ErrChannelNotFound = errors.New("channel not found")
	ErrInvalid         = errors.New("invalid request")
	ErrPersist         = errors.New("could not save message")
)

// Store is the persistence the relay needs.
type Store interface {
	ChannelByID(ctx context.Context, id string) (store.Channel, error)
	EnsureMember(ctx context.Context, serverID string, userID int64) error
	RecentMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error)
	SendFacts(ctx context.Context, serverID, channelID string, userID int64, now time.Time) (perm.Facts, error)
	InsertMessage(ctx context.Context, m store.Message) (store.Message, error)
	MessageByID(ctx context.Context, id int64) (store.Message, error)
	DeleteMessage(ctx context.Context, id int64) (bool, error)
	IsServerAdmin(ctx context.Context, serverID string, userID int64) (bool, error)
	UserByID(ctx context.Context, id int64) (store.User, error)
	InsertAudit(ctx context.Context, e store.AuditEntry) error
}

// Hub is the broadcast surface the relay needs.
type Hub interface {
	Identity(connID string) (core.Identity, bool)
	Subscribe(connID, channelID string) error
	Unsubscribe(connID, channelID string) bool
	Subscribed(connID, channelID string) bool
	Broadcast(channelID string, msg protocol.Message, exceptConnID string) int
	SendTo(connID string, msg protocol.Message) bool
}

// Previewer fetches link previews.
type Previewer interface {
	Fetch(ctx context.Context, rawURL string) (protocol.LinkPreview, error)
}

// Options configures a Relay.
type Options struct {
	HistoryLimit int
	MaxLength    int
	// Previews may be nil to disable link previews.
	Previews       Previewer
	PreviewTimeout time.Duration
}

// Relay is the chat entry point used by the websocket handler.
type Relay struct {
	store Store
	hub   Hub
	opts  Options
	now   func() time.Time

	previewCtx    context.Context
	cancelPreview context.CancelFunc
	previews      sync.WaitGroup
}

// NewRelay wires a relay.
func NewRelay(st Store, hub Hub, opts Options) *Relay {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 4000
	}
	if opts.PreviewTimeout <= 0 {
		opts.PreviewTimeout = linkpreview.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		store:         st,
		hub:           hub,
		opts:          opts,
		now:           time.Now,
		previewCtx:    ctx,
		cancelPreview: cancel,
	}
}

// Close cancels in-flight previews and waits for them.
func (r *Relay) Close() {
	r.cancelPreview()
	r.previews.Wait()
}

func (r *Relay) identity(connID string) (core.Identity, error) {
	who, ok := r.hub.Identity(connID)
	if !ok {
		return core.Identity{}, core.ErrConnNotFound
	}
	return who, nil
}

func (r *Relay) channel(ctx context.Context, channelID string) (store.Channel, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return store.Channel{}, fmt.Errorf("%w: channel id is required", ErrInvalid)
	}
	ch, err := r.store.ChannelByID(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if err != nil {
		return store.Channel{}, err
	}
	if ch.Type != store.ChannelText {
		return store.Channel{}, fmt.Errorf("%w: %s is not a text channel", ErrInvalid, channelID)
	}
	return ch, nil
}

// Join subscribes the connection to the channel and returns recent history,
// oldest first.
func (r *Relay) Join(ctx context.Context, connID, channelID string) ([]protocol.ChatMessage, error) {
	who, err := r.identity(connID)
	if err != nil {
		return nil, err
	}
	ch, err := r.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := r.store.EnsureMember(ctx, ch.ServerID, who.UserID); err != nil {
		return nil, err
	}
	msgs, err := r.store.RecentMessages(ctx, ch.ID, r.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if err := r.hub.Subscribe(connID, ch.ID); err != nil {
		return nil, err
	}

	history := make([]protocol.ChatMessage, len(msgs))
	for i, m := range msgs {
		history[i] = WireMessage(m)
	}
	slog.Debug("text channel joined", "conn_id", connID, "user_id", who.UserID, "channel_id", ch.ID, "history", len(history))
	return history, nil
}

// Leave unsubscribes the connection from the channel.
func (r *Relay) Leave(connID, channelID string) bool {
	return r.hub.Unsubscribe(connID, channelID)
}

// Send posts content to the channel. The sender gets message_ack with the
// stored id; every other subscriber gets receive_message.
func (r *Relay) Send(ctx context.Context, connID, channelID, content, clientID string) (protocol.ChatMessage, error) {
	who, err := r.identity(connID)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return protocol.ChatMessage{}, fmt.Errorf("%w: message is empty", ErrInvalid)
	}
	if utf8.RuneCountInString(content) > r.opts.MaxLength {
		return protocol.ChatMessage{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalid, r.opts.MaxLength)
	}
	ch, err := r.channel(ctx, channelID)
	if err != nil {
		return protocol.ChatMessage{}, err
	}

	now := r.now()
	facts, err := r.store.SendFacts(ctx, ch.ServerID, ch.ID, who.UserID, now)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	switch perm.SendDenial(facts, now) {
	case perm.DenyBanned:
		slog.Info("message refused", "conn_id", connID, "user_id", who.UserID, "channel_id", ch.ID, "reason", "banned")
		return protocol.ChatMessage{}, ErrBanned
	case perm.DenyMuted:
		slog.Info("message refused", "conn_id", connID, "user_id", who.UserID, "channel_id", ch.ID, "reason", "muted")
		return protocol.ChatMessage{}, ErrMuted
	}

	if err := r.store.EnsureMember(ctx, ch.ServerID, who.UserID); err != nil {
		slog.Warn("ensure membership failed", "user_id", who.UserID, "server_id", ch.ServerID, "err", err)
	}
	stored, err := r.store.InsertMessage(ctx, store.Message{
		ChannelID:    ch.ID,
		ServerID:     ch.ServerID,
		UserID:       who.UserID,
		Username:     who.Username,
		AvatarAtPost: who.Avatar,
		Content:      content,
		Timestamp:    now,
	})
	if err != nil {
		slog.Error("persist message failed", "conn_id", connID, "channel_id", ch.ID, "err", err)
		return protocol.ChatMessage{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	stored.DisplayName = who.DisplayName
	stored.Avatar = who.Avatar
	wire := WireMessage(stored)

	r.hub.Broadcast(ch.ID, protocol.Message{Type: protocol.TypeReceiveMessage, ChannelID: ch.ID, Chat: &wire}, connID)
	r.hub.SendTo(connID, protocol.Message{
		Type:      protocol.TypeMessageAck,
		ChannelID: ch.ID,
		ClientID:  clientID,
		MessageID: wire.ID,
		Chat:      &wire,
	})
	slog.Debug("message sent", "msg_id", wire.ID, "conn_id", connID, "channel_id", ch.ID)

	if r.opts.Previews != nil {
		if u := linkpreview.FirstURL(content); u != "" {
			r.previews.Add(1)
			go r.preview(connID, ch.ID, wire.ID, u)
		}
	}
	return wire, nil
}

func (r *Relay) preview(senderConnID, channelID string, messageID int64, rawURL string) {
	defer r.previews.Done()
	ctx, cancel := context.WithTimeout(r.previewCtx, r.opts.PreviewTimeout)
	defer cancel()

	lp, err := r.opts.Previews.Fetch(ctx, rawURL)
	if err != nil {
		slog.Debug("link preview failed", "url", rawURL, "msg_id", messageID, "err", err)
		return
	}
	if linkpreview.Empty(lp) {
		return
	}
	msg := protocol.Message{Type: protocol.TypeLinkPreview, ChannelID: channelID, MessageID: messageID, Preview: &lp}
	r.hub.Broadcast(channelID, msg, "")
	if !r.hub.Subscribed(senderConnID, channelID) {
		r.hub.SendTo(senderConnID, msg)
	}
}

// Delete removes a message when the requester wrote it or may moderate its
// server. Unknown or already deleted messages are a silent no-op.
func (r *Relay) Delete(ctx context.Context, connID string, messageID int64) error {
	who, err := r.identity(connID)
	if err != nil {
		return err
	}
	if messageID <= 0 {
		return fmt.Errorf("%w: message id is required", ErrInvalid)
	}
	msg, err := r.store.MessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	isAuthor := msg.UserID == who.UserID
	canModerate := false
	if !isAuthor {
		if canModerate, err = r.canModerate(ctx, msg.ServerID, who.UserID); err != nil {
			return err
		}
	}
	if !perm.CanDeleteMessage(isAuthor, canModerate) {
		slog.Info("delete refused", "conn_id", connID, "user_id", who.UserID, "msg_id", messageID)
		return ErrForbidden
	}

	deleted, err := r.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	if err := r.store.InsertAudit(ctx, store.AuditEntry{
		ServerID: msg.ServerID,
		ActorID:  who.UserID,
		Action:   store.AuditDeleteMessage,
		Target:   strconv.FormatInt(messageID, 10),
		Details:  map[string]any{"channel_id": msg.ChannelID, "author_id": msg.UserID},
	}); err != nil {
		slog.Warn("audit write failed", "msg_id", messageID, "err", err)
	}

	out := protocol.Message{Type: protocol.TypeMessageDeleted, ChannelID: msg.ChannelID, MessageID: messageID}
	r.hub.Broadcast(msg.ChannelID, out, connID)
	r.hub.SendTo(connID, out)
	slog.Info("message deleted", "msg_id", messageID, "channel_id", msg.ChannelID, "by", who.UserID, "author", isAuthor)
	return nil
}

// canModerate reads admin and capability facts fresh from the store.
func (r *Relay) canModerate(ctx context.Context, serverID string, userID int64) (bool, error) {
	isAdmin, err := r.store.IsServerAdmin(ctx, serverID, userID)
	if err != nil {
		return false, err
	}
	u, err := r.store.UserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return perm.CanModerate(isAdmin, u.Permissions), nil
}

// WireMessage converts a stored message to its client representation.
func WireMessage(m store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		UserID:      m.UserID,
		Author:      m.Username,
		DisplayName: m.DisplayName,
		Avatar:      m.Avatar,
		Content:     m.Content,
		Timestamp:   m.Timestamp.UnixMilli(),
	}
}

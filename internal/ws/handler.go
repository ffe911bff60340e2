package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"parley/server/internal/auth"
	"parley/server/internal/chat"
	"parley/server/internal/core"
	"parley/server/internal/protocol"
	"parley/server/internal/store"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout     = 5 * time.Second
	defaultReadLimit = 1 << 20
)

// Store is the persistence the handler reads directly.
type Store interface {
	UserByID(ctx context.Context, id int64) (store.User, error)
	ChannelByID(ctx context.Context, id string) (store.Channel, error)
	IsBanned(ctx context.Context, serverID string, userID int64, now time.Time) (bool, error)
	EnsureMember(ctx context.Context, serverID string, userID int64) error
}

// Options configures a Handler.
type Options struct {
	// ReadLimit caps one inbound frame. Zero selects 1 MiB.
	ReadLimit int64
}

// Handler owns websocket transport for the backend.
type Handler struct {
	hub       *core.Hub
	chat      *chat.Relay
	store     Store
	auth      *auth.Issuer
	upgrader  websocket.Upgrader
	readLimit int64
	now       func() time.Time
}

// NewHandler creates a websocket handler.
func NewHandler(hub *core.Hub, chatRelay *chat.Relay, st Store, issuer *auth.Issuer, opts Options) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Handler{
		hub:   hub,
		chat:  chatRelay,
		store: st,
		auth:  issuer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		readLimit: opts.ReadLimit,
		now:       time.Now,
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect. The
// credential is checked before anything is processed; a bad one gets the
// socket closed with 1008 and no events.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	claims, authErr := h.auth.Verify(auth.CredentialFromRequest(req))

	conn, err := h.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	if authErr != nil {
		slog.Info("websocket rejected", "remote", req.RemoteAddr, "err", authErr)
		closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
		_ = conn.Close()
		return nil
	}
	h.serveConn(req.Context(), conn, claims)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, claims auth.Claims) {
	defer conn.Close()
	conn.SetReadLimit(h.readLimit)

	user, err := h.store.UserByID(ctx, claims.UserID)
	if err != nil {
		slog.Info("websocket rejected", "user_id", claims.UserID, "err", err)
		closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	session, err := h.hub.Register(ctx, core.Identity{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Avatar:      user.Avatar,
		Permissions: user.Permissions,
	})
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	connID := session.ConnID
	defer h.hub.Remove(connID)

	go h.writePump(conn, session)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "conn_id", connID, "err", err)
			}
			return
		}
		var in protocol.Message
		if err := json.Unmarshal(raw, &in); err != nil {
			h.sendError(connID, fmt.Errorf("%w: malformed event: %v", chat.ErrInvalid, err), "")
			continue
		}
		h.handleInbound(ctx, connID, in)
	}
}

// writePump drains the session's queue onto the socket. It exits when Remove
// closes the queue, on a write error, or when the hub kicks the connection;
// closing the socket then ends the read loop.
func (h *Handler) writePump(conn *websocket.Conn, session *core.Session) {
	for {
		select {
		case out, ok := <-session.Send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				_ = conn.Close()
				return
			}
		case <-session.Kicked:
			closeWith(conn, websocket.CloseTryAgainLater, "outbound queue full")
			_ = conn.Close()
			return
		}
	}
}

func (h *Handler) handleInbound(ctx context.Context, connID string, in protocol.Message) {
	switch in.Type {
	case protocol.TypePing:
		h.hub.SendTo(connID, protocol.Message{Type: protocol.TypePong, TS: in.TS})

	case protocol.TypeJoinTextChannel:
		history, err := h.chat.Join(ctx, connID, in.ChannelID)
		if err != nil {
			h.sendError(connID, err, "")
			return
		}
		h.hub.SendTo(connID, protocol.Message{Type: protocol.TypeChatHistory, ChannelID: in.ChannelID, History: history})

	case protocol.TypeLeaveTextChannel:
		h.chat.Leave(connID, in.ChannelID)

	case protocol.TypeSendMessage:
		if _, err := h.chat.Send(ctx, connID, in.ChannelID, in.Message, in.ClientID); err != nil {
			h.sendError(connID, err, in.ClientID)
		}

	case protocol.TypeDeleteMessage:
		if err := h.chat.Delete(ctx, connID, in.MessageID); err != nil {
			h.sendError(connID, err, "")
		}

	case protocol.TypeJoinVoiceChannel:
		if err := h.joinVoice(ctx, connID, in.ChannelID); err != nil {
			h.sendError(connID, err, "")
		}

	case protocol.TypeLeaveVoiceChannel:
		h.hub.LeaveVoice(connID)

	case protocol.TypeRequestOnlineUsers:
		h.hub.RequestSnapshot(connID)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		if strings.TrimSpace(in.To) == "" {
			h.sendError(connID, fmt.Errorf("%w: to is required", chat.ErrInvalid), "")
			return
		}
		payload := in.SDP
		if in.Type == protocol.TypeCandidate {
			payload = in.Candidate
		}
		h.hub.Relay(in.Type, connID, in.To, payload)

	default:
		h.sendError(connID, fmt.Errorf("%w: unsupported message type %q", chat.ErrInvalid, in.Type), "")
	}
}

// joinVoice validates the channel and the ban gate before touching the room.
func (h *Handler) joinVoice(ctx context.Context, connID, channelID string) error {
	who, ok := h.hub.Identity(connID)
	if !ok {
		return core.ErrConnNotFound
	}
	ch, err := h.store.ChannelByID(ctx, strings.TrimSpace(channelID))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", chat.ErrChannelNotFound, channelID)
	}
	if err != nil {
		return err
	}
	if !ch.IsVoice() {
		return fmt.Errorf("%w: %s is not a voice channel", chat.ErrInvalid, ch.ID)
	}
	banned, err := h.store.IsBanned(ctx, ch.ServerID, who.UserID, h.now())
	if err != nil {
		return err
	}
	if banned {
		slog.Info("voice join refused", "conn_id", connID, "user_id", who.UserID, "channel_id", ch.ID, "reason", "banned")
		return chat.ErrBanned
	}
	if err := h.store.EnsureMember(ctx, ch.ServerID, who.UserID); err != nil {
		slog.Warn("ensure membership failed", "user_id", who.UserID, "server_id", ch.ServerID, "err", err)
	}
	_, err = h.hub.JoinVoice(connID, core.Room{ChannelID: ch.ID, ServerID: ch.ServerID})
	return err
}

func (h *Handler) sendError(connID string, err error, clientID string) {
	msg := errorEvent(err)
	msg.ClientID = clientID
	h.hub.SendTo(connID, msg)
}

// errorEvent maps a failure to the error event sent to the client. Internal
// failures are logged and reported generically.
func errorEvent(err error) protocol.Message {
	msg := protocol.Message{Type: protocol.TypeError, Error: err.Error()}
	switch {
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, chat.ErrForbidden):
		msg.Code = protocol.CodeUnauthorized
	case errors.Is(err, chat.ErrBanned):
		msg.Code = protocol.CodeBanned
	case errors.Is(err, chat.ErrMuted):
		msg.Code = protocol.CodeMuted
	case errors.Is(err, chat.ErrChannelNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, core.ErrConnNotFound):
		msg.Code = protocol.CodeNotFound
	case errors.Is(err, chat.ErrInvalid):
		msg.Code = protocol.CodeInvalid
	case errors.Is(err, chat.ErrPersist):
		msg.Code = protocol.CodeInternal
		msg.Error = chat.ErrPersist.Error()
	default:
		slog.Error("websocket request failed", "err", err)
		msg.Code = protocol.CodeInternal
		msg.Error = "internal error"
	}
	return msg
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeTimeout),
	)
}

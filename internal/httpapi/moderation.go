package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/server/internal/perm"
	"parley/server/internal/store"

	"github.com/labstack/echo/v4"
)

// moderator loads the server named in the path and checks that the caller
// may moderate it. It returns the server id and the caller's user id.
func (s *Server) moderator(c echo.Context) (string, int64, error) {
	ctx := c.Request().Context()
	srv, err := s.store.ServerByID(ctx, strings.TrimSpace(c.Param("id")))
	if err != nil {
		return "", 0, storeError(err, "server")
	}
	actorID := claimsOf(c).UserID
	isAdmin, err := s.store.IsServerAdmin(ctx, srv.ID, actorID)
	if err != nil {
		return "", 0, storeError(err, "membership")
	}
	actor, err := s.store.UserByID(ctx, actorID)
	if err != nil {
		return "", 0, storeError(err, "user")
	}
	if !perm.CanModerate(isAdmin, actor.Permissions) {
		return "", 0, echo.NewHTTPError(http.StatusForbidden, "moderation rights required")
	}
	return srv.ID, actorID, nil
}

// maxDurationSeconds bounds timed bans and mutes; longer ones must be
// permanent (zero).
const maxDurationSeconds = 100 * 365 * 24 * 60 * 60

func untilFrom(now time.Time, seconds int64) (*time.Time, error) {
	switch {
	case seconds < 0:
		return nil, echo.NewHTTPError(http.StatusBadRequest, "durationSeconds must not be negative")
	case seconds > maxDurationSeconds:
		return nil, echo.NewHTTPError(http.StatusBadRequest, "durationSeconds is too large; use 0 for permanent")
	case seconds == 0:
		return nil, nil
	}
	t := now.Add(time.Duration(seconds) * time.Second)
	return &t, nil
}

func millisOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

type memberJSON struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	IsAdmin     bool   `json:"isAdmin"`
	Banned      bool   `json:"banned"`
	Muted       bool   `json:"muted"`
	JoinedAt    int64  `json:"joinedAt"`
}

func (s *Server) handleMembers(c echo.Context) error {
	serverID, _, err := s.moderator(c)
	if err != nil {
		return err
	}
	members, err := s.store.Members(c.Request().Context(), serverID, s.now())
	if err != nil {
		return storeError(err, "members")
	}
	out := make([]memberJSON, len(members))
	for i, m := range members {
		out[i] = memberJSON{
			UserID:      m.UserID,
			Username:    m.Username,
			DisplayName: m.DisplayName,
			Avatar:      m.Avatar,
			IsAdmin:     m.IsAdmin,
			Banned:      m.Banned,
			Muted:       m.Muted,
			JoinedAt:    m.JoinedAt.UnixMilli(),
		}
	}
	return c.JSON(http.StatusOK, out)
}

type banJSON struct {
	ServerID  string `json:"serverId"`
	UserID    int64  `json:"userId"`
	Reason    string `json:"reason,omitempty"`
	BannedBy  int64  `json:"bannedBy"`
	Until     *int64 `json:"until"`
	CreatedAt int64  `json:"createdAt"`
	Active    bool   `json:"active"`
}

func (s *Server) banJSON(b store.Ban) banJSON {
	return banJSON{
		ServerID:  b.ServerID,
		UserID:    b.UserID,
		Reason:    b.Reason,
		BannedBy:  b.BannedBy,
		Until:     millisOrNil(b.Until),
		CreatedAt: b.CreatedAt.UnixMilli(),
		Active:    b.ActiveAt(s.now()),
	}
}

func (s *Server) handleListBans(c echo.Context) error {
	serverID, _, err := s.moderator(c)
	if err != nil {
		return err
	}
	bans, err := s.store.Bans(c.Request().Context(), serverID)
	if err != nil {
		return storeError(err, "bans")
	}
	out := make([]banJSON, len(bans))
	for i, b := range bans {
		out[i] = s.banJSON(b)
	}
	return c.JSON(http.StatusOK, out)
}

type banRequest struct {
	UserID          int64  `json:"userId"`
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"durationSeconds"`
}

// handleBan records the ban and takes the user's live connections out of the
// server's voice rooms.
func (s *Server) handleBan(c echo.Context) error {
	serverID, actorID, err := s.moderator(c)
	if err != nil {
		return err
	}
	var req banRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	until, err := untilFrom(s.now(), req.DurationSeconds)
	if err != nil {
		return err
	}
	ban, err := s.store.PutBan(c.Request().Context(), store.Ban{
		ServerID: serverID,
		UserID:   req.UserID,
		Reason:   strings.TrimSpace(req.Reason),
		BannedBy: actorID,
		Until:    until,
	})
	if err != nil {
		return storeError(err, "user")
	}
	evicted := s.hub.EvictFromServer(req.UserID, serverID)
	s.audit(c, store.AuditEntry{
		ServerID: serverID,
		ActorID:  actorID,
		Action:   store.AuditBan,
		Target:   strconv.FormatInt(req.UserID, 10),
		Details:  map[string]any{"reason": ban.Reason, "until": millisOrNil(until), "evicted": evicted},
	})
	return c.JSON(http.StatusCreated, s.banJSON(ban))
}

func (s *Server) handleUnban(c echo.Context) error {
	serverID, actorID, err := s.moderator(c)
	if err != nil {
		return err
	}
	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	if err := s.store.DeleteBan(c.Request().Context(), serverID, userID); err != nil {
		return storeError(err, "ban")
	}
	s.audit(c, store.AuditEntry{
		ServerID: serverID,
		ActorID:  actorID,
		Action:   store.AuditUnban,
		Target:   strconv.FormatInt(userID, 10),
	})
	return c.NoContent(http.StatusNoContent)
}

type muteJSON struct {
	ID        int64  `json:"id"`
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId,omitempty"`
	UserID    int64  `json:"userId"`
	Reason    string `json:"reason,omitempty"`
	MutedBy   int64  `json:"mutedBy"`
	Until     *int64 `json:"until"`
	CreatedAt int64  `json:"createdAt"`
	Active    bool   `json:"active"`
}

func (s *Server) muteJSON(m store.Mute) muteJSON {
	now := s.now()
	return muteJSON{
		ID:        m.ID,
		ServerID:  m.ServerID,
		ChannelID: m.ChannelID,
		UserID:    m.UserID,
		Reason:    m.Reason,
		MutedBy:   m.MutedBy,
		Until:     millisOrNil(m.Until),
		CreatedAt: m.CreatedAt.UnixMilli(),
		Active:    m.Until == nil || m.Until.After(now),
	}
}

func (s *Server) handleListMutes(c echo.Context) error {
	serverID, _, err := s.moderator(c)
	if err != nil {
		return err
	}
	mutes, err := s.store.Mutes(c.Request().Context(), serverID)
	if err != nil {
		return storeError(err, "mutes")
	}
	out := make([]muteJSON, len(mutes))
	for i, m := range mutes {
		out[i] = s.muteJSON(m)
	}
	return c.JSON(http.StatusOK, out)
}

type muteRequest struct {
	UserID          int64  `json:"userId"`
	ChannelID       string `json:"channelId"`
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"durationSeconds"`
}

func (s *Server) handleMute(c echo.Context) error {
	serverID, actorID, err := s.moderator(c)
	if err != nil {
		return err
	}
	var req muteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	ctx := c.Request().Context()
	channelID := strings.TrimSpace(req.ChannelID)
	if channelID != "" {
		ch, err := s.store.ChannelByID(ctx, channelID)
		if err != nil {
			return storeError(err, "channel")
		}
		if ch.ServerID != serverID {
			return echo.NewHTTPError(http.StatusBadRequest, "channel belongs to another server")
		}
	}
	until, err := untilFrom(s.now(), req.DurationSeconds)
	if err != nil {
		return err
	}
	mute, err := s.store.PutMute(ctx, store.Mute{
		ServerID:  serverID,
		ChannelID: channelID,
		UserID:    req.UserID,
		Reason:    strings.TrimSpace(req.Reason),
		MutedBy:   actorID,
		Until:     until,
	})
	if err != nil {
		return storeError(err, "user")
	}
	s.audit(c, store.AuditEntry{
		ServerID: serverID,
		ActorID:  actorID,
		Action:   store.AuditMute,
		Target:   strconv.FormatInt(req.UserID, 10),
		Details:  map[string]any{"channel_id": channelID, "reason": mute.Reason, "until": millisOrNil(until)},
	})
	return c.JSON(http.StatusCreated, s.muteJSON(mute))
}

func (s *Server) handleUnmute(c echo.Context) error {
	serverID, actorID, err := s.moderator(c)
	if err != nil {
		return err
	}
	userID, err := parseUserID(c.Param("userId"))
	if err != nil {
		return err
	}
	channelID := strings.TrimSpace(c.QueryParam("channelId"))
	if err := s.store.DeleteMute(c.Request().Context(), serverID, channelID, userID); err != nil {
		return storeError(err, "mute")
	}
	s.audit(c, store.AuditEntry{
		ServerID: serverID,
		ActorID:  actorID,
		Action:   store.AuditUnmute,
		Target:   strconv.FormatInt(userID, 10),
		Details:  map[string]any{"channel_id": channelID},
	})
	return c.NoContent(http.StatusNoContent)
}

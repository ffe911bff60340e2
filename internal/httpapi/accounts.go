package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"parley/server/internal/auth"
	"parley/server/internal/chat"
	"parley/server/internal/core"
	"parley/server/internal/perm"
	"parley/server/internal/protocol"
	"parley/server/internal/store"

	"github.com/labstack/echo/v4"
)

const (
	maxUsernameLen    = 32
	maxDisplayNameLen = 32
	// bcrypt ignores input past 72 bytes and x/crypto rejects it.
	maxPasswordBytes = 72
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r credentialsRequest) validate() error {
	if strings.TrimSpace(r.Username) == "" || r.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password required")
	}
	if utf8.RuneCountInString(strings.TrimSpace(r.Username)) > maxUsernameLen {
		return echo.NewHTTPError(http.StatusBadRequest, "username must not exceed 32 characters")
	}
	if len(r.Password) > maxPasswordBytes {
		return echo.NewHTTPError(http.StatusBadRequest, "password must not exceed 72 bytes")
	}
	return nil
}

type registerResponse struct {
	Message string `json:"message"`
	UserID  int64  `json:"userId"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := s.store.CreateUser(c.Request().Context(), strings.TrimSpace(req.Username), hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, "username already exists")
		}
		return storeError(err, "user")
	}
	return c.JSON(http.StatusCreated, registerResponse{Message: "user created", UserID: u.ID})
}

type loginResponse struct {
	Token       string   `json:"token"`
	UserID      int64    `json:"userId"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Permissions []string `json:"permissions"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}
	ctx := c.Request().Context()
	u, err := s.store.UserByUsername(ctx, strings.TrimSpace(req.Username))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if err != nil {
		return storeError(err, "user")
	}
	if !auth.CheckPassword(u.PasswordHash, req.Password) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if err := s.store.EnsureAllMemberships(ctx, u.ID); err != nil {
		return storeError(err, "membership")
	}
	token, err := s.auth.Issue(u.ID, u.Username)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not issue token")
	}
	return c.JSON(http.StatusOK, loginResponse{
		Token:       token,
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
		Permissions: u.Permissions.List(),
	})
}

type channelJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type serverJSON struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Icon     string        `json:"icon"`
	Channels []channelJSON `json:"channels"`
}

func (s *Server) handleServers(c echo.Context) error {
	servers, err := s.store.Servers(c.Request().Context())
	if err != nil {
		return storeError(err, "servers")
	}
	out := make([]serverJSON, len(servers))
	for i, srv := range servers {
		chans := make([]channelJSON, len(srv.Channels))
		for j, ch := range srv.Channels {
			chans[j] = channelJSON{ID: ch.ID, Name: ch.Name, Type: ch.Type}
		}
		out[i] = serverJSON{ID: srv.ID, Name: srv.Name, Icon: srv.Icon, Channels: chans}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleHistory(c echo.Context) error {
	ctx := c.Request().Context()
	ch, err := s.store.ChannelByID(ctx, c.Param("id"))
	if err != nil {
		return storeError(err, "channel")
	}
	limit := s.historyLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, s.historyLimit)
	}
	msgs, err := s.store.RecentMessages(ctx, ch.ID, limit)
	if err != nil {
		return storeError(err, "messages")
	}
	out := make([]protocol.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chat.WireMessage(m)
	}
	return c.JSON(http.StatusOK, out)
}

type displayNameRequest struct {
	DisplayName string `json:"displayName"`
}

func (s *Server) handleDisplayName(c echo.Context) error {
	var req displayNameRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	name := strings.TrimSpace(req.DisplayName)
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		return echo.NewHTTPError(http.StatusBadRequest, "display name must not exceed 32 characters")
	}
	userID := claimsOf(c).UserID
	if err := s.store.SetDisplayName(c.Request().Context(), userID, name); err != nil {
		return storeError(err, "user")
	}
	s.hub.UpdateProfile(userID, core.ProfileUpdate{DisplayName: &name})
	return c.JSON(http.StatusOK, map[string]string{"displayName": name})
}

type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type permissionsResponse struct {
	UserID      int64    `json:"userId"`
	Permissions []string `json:"permissions"`
}

func (s *Server) handleSetPermissions(c echo.Context) error {
	ctx := c.Request().Context()
	targetID, err := parseUserID(c.Param("id"))
	if err != nil {
		return err
	}
	var req permissionsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	actorID := claimsOf(c).UserID
	actor, err := s.store.UserByID(ctx, actorID)
	if err != nil {
		return storeError(err, "user")
	}
	if !perm.CanAssignRole(actor.Permissions) {
		return echo.NewHTTPError(http.StatusForbidden, "manage_roles required")
	}

	set := perm.NewSet(req.Permissions...)
	if err := s.store.SetPermissions(ctx, targetID, set); err != nil {
		return storeError(err, "user")
	}
	s.hub.SetPermissions(targetID, set)
	s.audit(c, store.AuditEntry{
		ActorID: actorID,
		Action:  store.AuditSetPermissions,
		Target:  strconv.FormatInt(targetID, 10),
		Details: map[string]any{"permissions": set.List()},
	})
	return c.JSON(http.StatusOK, permissionsResponse{UserID: targetID, Permissions: set.List()})
}

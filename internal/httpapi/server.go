package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/server/internal/auth"
	"parley/server/internal/blob"
	"parley/server/internal/core"
	"parley/server/internal/protocol"
	"parley/server/internal/store"
	"parley/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const claimsKey = "claims"

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Hub        *core.Hub
	Store      *store.Store
	Blobs      *blob.Store
	Auth       *auth.Issuer
	WS         *ws.Handler
	ICEServers []protocol.ICEServer
	// HistoryLimit caps GET /channels/:id/messages. Zero selects 100.
	HistoryLimit int
	// BodyLimit is an Echo size string such as "8M". Empty selects "8M".
	BodyLimit string
	// AllowOrigins configures CORS. Empty allows any origin.
	AllowOrigins []string
}

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	hub   *core.Hub
	store *store.Store
	blobs *blob.Store
	auth  *auth.Issuer
	ice   []protocol.ICEServer
	now   func() time.Time

	historyLimit int
}

// New constructs an Echo app with websocket + REST routes.
func New(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	origins := d.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	limit := d.BodyLimit
	if limit == "" {
		limit = "8M"
	}
	e.Use(middleware.BodyLimit(limit))

	if d.HistoryLimit <= 0 {
		d.HistoryLimit = 100
	}
	s := &Server{
		echo:         e,
		hub:          d.Hub,
		store:        d.Store,
		blobs:        d.Blobs,
		auth:         d.Auth,
		ice:          d.ICEServers,
		now:          time.Now,
		historyLimit: d.HistoryLimit,
	}
	s.registerRoutes()
	if d.WS != nil {
		d.WS.Register(e)
	}
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/ice", s.handleICE)

	s.echo.POST("/register", s.handleRegister)
	s.echo.POST("/login", s.handleLogin)

	authed := s.requireAuth
	s.echo.GET("/servers", s.handleServers, authed)
	s.echo.GET("/servers/:id/members", s.handleMembers, authed)
	s.echo.GET("/servers/:id/bans", s.handleListBans, authed)
	s.echo.POST("/servers/:id/bans", s.handleBan, authed)
	s.echo.DELETE("/servers/:id/bans/:userId", s.handleUnban, authed)
	s.echo.GET("/servers/:id/mutes", s.handleListMutes, authed)
	s.echo.POST("/servers/:id/mutes", s.handleMute, authed)
	s.echo.DELETE("/servers/:id/mutes/:userId", s.handleUnmute, authed)
	s.echo.GET("/channels/:id/messages", s.handleHistory, authed)
	s.echo.POST("/users/display-name", s.handleDisplayName, authed)
	s.echo.PUT("/users/:id/permissions", s.handleSetPermissions, authed)
	if s.blobs != nil {
		s.echo.POST("/users/avatar", s.handleAvatarUpload, authed)
		s.echo.GET("/blobs/:id", s.handleBlobDownload)
	}
}

// Run serves the app on addr until ctx is cancelled or startup fails. A
// non-nil tlsConfig serves HTTPS.
func (s *Server) Run(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	slog.Info("http listening", "addr", addr, "tls", tlsConfig != nil)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		return nil
	}
}

// requireAuth verifies the bearer credential and stores its claims.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := s.auth.Verify(auth.CredentialFromRequest(c.Request()))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		c.Set(claimsKey, claims)
		return next(c)
	}
}

func claimsOf(c echo.Context) auth.Claims {
	claims, _ := c.Get(claimsKey).(auth.Claims)
	return claims
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.hub.ConnCount(),
	})
}

type stateResponse struct {
	Clients    int                   `json:"clients"`
	Online     []protocol.OnlineUser `json:"online"`
	VoiceRooms []protocol.VoiceRoom  `json:"voice_rooms"`
}

func (s *Server) handleState(c echo.Context) error {
	online := s.hub.Online()
	rooms := s.hub.VoiceRooms()
	if rooms == nil {
		rooms = []protocol.VoiceRoom{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		Clients:    len(online),
		Online:     online,
		VoiceRooms: rooms,
	})
}

func (s *Server) handleICE(c echo.Context) error {
	ice := s.ice
	if ice == nil {
		ice = []protocol.ICEServer{}
	}
	return c.JSON(http.StatusOK, map[string]any{"iceServers": ice})
}

// storeError maps store sentinels to HTTP errors.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, what+" already exists")
	default:
		slog.Error("http store failure", "what", what, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// audit records a moderation write. Failures are logged, never surfaced.
func (s *Server) audit(c echo.Context, e store.AuditEntry) {
	if err := s.store.InsertAudit(c.Request().Context(), e); err != nil {
		slog.Warn("audit write failed", "action", e.Action, "target", e.Target, "err", err)
	}
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	return id, nil
}

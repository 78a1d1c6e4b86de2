// Package httpapi provides the HTTP surface of the relay: the websocket
// mount, the token-guarded admin REST API with its HTML panel, the public
// health and status endpoints, and the Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"squawk/internal/core"
	"squawk/internal/observe"
	"squawk/internal/ws"
)

// Header carrying the admin bearer token; ?token= works as a fallback for
// clients that cannot set headers.
const adminTokenHeader = "x-admin-token"

// Config carries the static settings of the HTTP surface.
type Config struct {
	// AdminToken guards every /admin route.
	AdminToken string

	// Version is reported on the health endpoint.
	Version string
}

// Server is the Echo application around the relay registry.
type Server struct {
	echo     *echo.Echo
	registry *core.Registry
	cfg      Config
}

// New constructs an Echo app with the websocket, admin, and public routes.
func New(registry *core.Registry, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(observe.EchoMiddleware(observe.DefaultMetrics()))

	s := &Server{echo: e, registry: registry, cfg: cfg}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleRoot)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	ws.NewHandler(s.registry).Register(s.echo)

	admin := s.echo.Group("/admin", s.requireToken)
	admin.GET("/status", s.handleAdminStatus)
	admin.GET("/panel", s.handlePanel)
	admin.POST("/channel/create", s.handleAdminCreateChannel)
	admin.DELETE("/channel/:channel", s.handleAdminDeleteChannel)
	admin.POST("/client/:name/join", s.handleAdminJoin)
	admin.POST("/client/:name/leave", s.handleAdminLeave)
	admin.POST("/client/:name/mute", s.handleAdminMute)
	admin.POST("/client/:name/kick", s.handleAdminKick)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// requireToken rejects admin requests without the shared bearer token.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get(adminTokenHeader)
		if token == "" {
			token = c.QueryParam("token")
		}
		if token != s.cfg.AdminToken {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		}
		return next(c)
	}
}

// adminError maps a registry error onto the admin API status codes.
func adminError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNoSuchChannel), errors.Is(err, core.ErrNoSuchClient):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrChannelExists):
		status = http.StatusConflict
	case errors.Is(err, core.ErrEmptyName),
		errors.Is(err, core.ErrNameInUse),
		errors.Is(err, core.ErrNotInChannel),
		errors.Is(err, core.ErrNotRegistered):
		status = http.StatusBadRequest
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.String(http.StatusOK, "squawk relay "+s.cfg.Version+" is running\n")
}

type publicChannel struct {
	Name      string `json:"name"`
	UserCount int    `json:"user_count"`
}

type publicStatus struct {
	Uptime       int64           `json:"uptime"`
	TotalClients int             `json:"totalClients"`
	Channels     []publicChannel `json:"channels"`
}

// handleStatus serves the unauthenticated status summary. Channel member
// names and owners are only exposed on the token-guarded admin status.
func (s *Server) handleStatus(c echo.Context) error {
	snap := s.registry.Snapshot()
	channels := make([]publicChannel, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		channels = append(channels, publicChannel{Name: ch.Name, UserCount: ch.UserCount})
	}
	return c.JSON(http.StatusOK, publicStatus{
		Uptime:       snap.Uptime,
		TotalClients: len(snap.Clients),
		Channels:     channels,
	})
}

func (s *Server) handleAdminStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Snapshot())
}

type createChannelRequest struct {
	Channel string `json:"channel"`
}

type createChannelResponse struct {
	OK      bool   `json:"ok"`
	Channel string `json:"channel"`
}

func (s *Server) handleAdminCreateChannel(c echo.Context) error {
	var req createChannelRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "channel is required"})
	}
	if err := s.registry.AdminCreateChannel(req.Channel); err != nil {
		return adminError(c, err)
	}
	return c.JSON(http.StatusOK, createChannelResponse{OK: true, Channel: req.Channel})
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleAdminDeleteChannel(c echo.Context) error {
	if err := s.registry.AdminDeleteChannel(c.Param("channel")); err != nil {
		return adminError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

type joinRequest struct {
	Channel string `json:"channel"`
}

func (s *Server) handleAdminJoin(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "channel is required"})
	}
	if err := s.registry.AdminForceJoin(c.Param("name"), req.Channel); err != nil {
		return adminError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleAdminLeave(c echo.Context) error {
	if err := s.registry.AdminForceLeave(c.Param("name")); err != nil {
		return adminError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type muteResponse struct {
	OK    bool   `json:"ok"`
	Name  string `json:"name"`
	Muted bool   `json:"muted"`
}

// handleAdminMute sets the mute flag; an absent or empty body means mute.
func (s *Server) handleAdminMute(c echo.Context) error {
	muted := true
	var req muteRequest
	if err := c.Bind(&req); err == nil && req.Muted != nil {
		muted = *req.Muted
	}
	name := c.Param("name")
	if err := s.registry.AdminForceMute(name, muted); err != nil {
		return adminError(c, err)
	}
	return c.JSON(http.StatusOK, muteResponse{OK: true, Name: name, Muted: muted})
}

func (s *Server) handleAdminKick(c echo.Context) error {
	if err := s.registry.AdminKick(c.Param("name")); err != nil {
		return adminError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

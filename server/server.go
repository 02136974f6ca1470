// Package server exposes the HTTP surface: chat platform webhooks, the
// status API and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/converse/ai/metrics"
	"github.com/hrygo/converse/ai/session"
	"github.com/hrygo/converse/internal/profile"
	"github.com/hrygo/converse/internal/version"
	"github.com/hrygo/converse/plugin/chat_apps"
	"github.com/hrygo/converse/plugin/chat_apps/channels"
	"github.com/hrygo/converse/plugin/chat_apps/channels/telegram"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Server is the main HTTP server.
type Server struct {
	Profile *profile.Profile

	echoServer *echo.Echo
	session    *session.Service
	router     *channels.Router
	exporter   *metrics.Exporter
	limiter    *userLimiter
	startedAt  time.Time
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(ctx context.Context, instanceProfile *profile.Profile, sessionService *session.Service, channelRouter *channels.Router, exporter *metrics.Exporter) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		Profile:    instanceProfile,
		echoServer: e,
		session:    sessionService,
		router:     channelRouter,
		exporter:   exporter,
		limiter:    newUserLimiter(defaultRequestsPerSecond, defaultBurst),
		startedAt:  time.Now(),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: shortuuid.New,
	}))
	e.Use(requestLogger)

	e.POST("/webhook/:platform", s.handleWebhook)
	e.GET("/api/status", s.handleStatus)
	e.GET("/healthz", s.handleHealthz)
	if exporter != nil {
		e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}

	return s, nil
}

// Start begins serving. It returns immediately; serve errors other than
// graceful shutdown are logged.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)

	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server: serve failed", "error", err)
		}
	}()

	slog.Info("server: listening", "address", address, "version", version.String())
	return nil
}

// Shutdown gracefully stops the HTTP server and the session service.
// Closing the session flushes pending batches, which may still need the
// channels, so the router closes last.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	g, _ := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		return s.echoServer.Shutdown(shutdownCtx)
	})
	if s.session != nil {
		g.Go(s.session.Close)
	}
	if err := g.Wait(); err != nil {
		slog.Error("server: shutdown failed", "error", err)
	}

	if s.router != nil {
		if err := s.router.Close(); err != nil {
			slog.Error("server: channel close failed", "error", err)
		}
	}
	slog.Info("server: stopped")
}

// handleWebhook accepts a chat platform callback, parses it through the
// platform's channel and enqueues the message. It always replies quickly;
// the actual LLM work happens asynchronously after batching.
func (s *Server) handleWebhook(c echo.Context) error {
	platform := chat_apps.Platform(c.Param("platform"))

	channel := s.router.Get(platform)
	if channel == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}

	if platform == chat_apps.PlatformTelegram && !telegram.VerifyRequest(c.Request()) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook request")
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}

	msg, err := channel.ParseMessage(c.Request().Context(), payload)
	if err != nil {
		slog.Warn("server: unparseable webhook payload",
			"platform", platform, "error", err)
		// Always 200: platforms redeliver on non-2xx and the payload
		// will not parse any better the second time.
		return c.NoContent(http.StatusOK)
	}

	if !s.limiter.Allow(msg.Platform, msg.PlatformUserID) {
		slog.Warn("server: user rate limited",
			"platform", platform, "user", msg.PlatformUserID)
		return c.NoContent(http.StatusOK)
	}

	s.session.ProcessInbound(msg)
	return c.NoContent(http.StatusOK)
}

type statusResponse struct {
	Version string         `json:"version"`
	Mode    string         `json:"mode"`
	Uptime  string         `json:"uptime"`
	Session session.Status `json:"session"`
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Version: version.String(),
		Mode:    s.Profile.Mode,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Session: s.session.Status(),
	})
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		// Metrics scrapes are too chatty to log.
		if c.Path() == "/metrics" || c.Path() == "/healthz" {
			return err
		}

		slog.Info("http request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
		return err
	}
}

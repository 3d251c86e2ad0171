// Package http provides the HTTP API for overthinkd: conversation
// endpoints, health, stats and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/orchestrator"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	echo   *echo.Echo
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server. reg may be nil to skip the /metrics
// endpoint.
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger, cfg *Config, reg *prometheus.Registry) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, orch: orch, logger: logger, config: cfg}
	s.registerRoutes(reg)
	return s, nil
}

func (s *Server) registerRoutes(reg *prometheus.Registry) {
	s.echo.GET("/healthz", s.handleHealth)
	if reg != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/conversations", s.handleStart)
	v1.GET("/conversations/:id", s.handleGetState)
	v1.POST("/conversations/:id/advance", s.handleAdvance)
	v1.POST("/conversations/:id/reset", s.handleReset)
	v1.POST("/conversations/:id/end", s.handleEnd)
	v1.GET("/stats", s.handleStats)
}

// StartRequest is the body for POST /api/v1/conversations.
type StartRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Level   int    `json:"anxiety_level"`
}

// StartResponse is the response for POST /api/v1/conversations.
type StartResponse struct {
	ConversationID string `json:"conversation_id"`
}

// AdvanceRequest is the body for POST /api/v1/conversations/:id/advance.
type AdvanceRequest struct {
	Message string `json:"message"`
}

// EndRequest is the body for POST /api/v1/conversations/:id/end.
type EndRequest struct {
	Reason string `json:"reason"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and message are required")
	}
	if req.Level == 0 {
		req.Level = 1
	}

	convID, err := s.orch.StartConversation(c.Request().Context(), req.UserID, req.Message, req.Level)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, StartResponse{ConversationID: convID})
}

func (s *Server) handleAdvance(c echo.Context) error {
	var req AdvanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	result, err := s.orch.Advance(c.Request().Context(), c.Param("id"), req.Message)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetState(c echo.Context) error {
	rec, err := s.orch.GetState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleReset(c echo.Context) error {
	if err := s.orch.Reset(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEnd(c echo.Context) error {
	var req EndRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "user_request"
	}
	if err := s.orch.End(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.Snapshot())
}

// mapError translates service errors into HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	case errors.Is(err, orchestrator.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, "conversation busy, retry")
	case errors.Is(err, orchestrator.ErrNotActive),
		errors.Is(err, conversation.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

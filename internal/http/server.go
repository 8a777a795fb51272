// Package http serves the decision, learning and administration API.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/safety"
	"github.com/fyrsmithlabs/patternd/internal/staging"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

const (
	defaultBodyLimit = "1M"
	importBodyLimit  = "256M"
)

// Deps are the services behind the API.
type Deps struct {
	Engine    *engine.Engine
	Learner   *learning.Pipeline
	Workflow  *staging.Workflow
	Store     store.Store
	Safety    *safety.Controller
	Publisher events.Publisher
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string

	// AdminToken, when non-empty, is required as a bearer token on /api.
	AdminToken string
}

// Server is the patternd HTTP API.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewServer creates the server and registers routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Learner == nil || deps.Workflow == nil || deps.Store == nil || deps.Safety == nil {
		return nil, errors.New("http: engine, learner, workflow, store and safety are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{echo: e, deps: deps, cfg: cfg, logger: logger, now: time.Now}
	s.registerRoutes()
	return s, nil
}

// requestLogger logs each request and threads the request ID into the
// request context.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", rid),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.Use(middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
		Limit:   defaultBodyLimit,
		Skipper: func(c echo.Context) bool { return strings.HasSuffix(c.Path(), "/import") },
	}))
	if s.cfg.AdminToken != "" {
		v1.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminToken)) == 1, nil
			},
			ErrorHandler: func(error, echo.Context) error {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			},
		}))
	}

	v1.POST("/messages", s.handleMessage)
	v1.POST("/learn", s.handleLearn)
	v1.POST("/import", s.handleImport, middleware.BodyLimit(importBodyLimit))

	v1.GET("/executions", s.handleListExecutions)
	v1.GET("/executions/:id", s.handleGetExecution)
	v1.POST("/executions/:id/outcome", s.handleOutcome)

	v1.GET("/patterns", s.handleListPatterns)
	v1.GET("/patterns/:id", s.handleGetPattern)
	v1.PATCH("/patterns/:id", s.handlePatchPattern)
	v1.POST("/patterns/:id/approve", s.transitionHandler(s.deps.Workflow.Approve))
	v1.POST("/patterns/:id/reject", s.transitionHandler(s.deps.Workflow.Reject))
	v1.POST("/patterns/:id/disable", s.transitionHandler(s.deps.Workflow.Disable))
	v1.POST("/patterns/:id/elevate", s.transitionHandler(s.deps.Workflow.Elevate))
	v1.POST("/patterns/:id/demote", s.transitionHandler(s.deps.Workflow.Demote))
	v1.POST("/patterns/:id/unflag", s.transitionHandler(s.deps.Workflow.Unflag))

	v1.GET("/candidates", s.handleListCandidates)
	v1.POST("/staging/sweep", s.handleSweep)

	v1.GET("/config", s.handleGetConfig)
	v1.PUT("/config", s.handlePutConfig)

	v1.GET("/stats", s.handleStats)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.cfg.Addr))
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

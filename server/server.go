// Package server exposes the job queue over HTTP.
//
// Routes:
//
//	POST /api/jobs               submit, 202 {"id": ...}
//	GET  /api/jobs               list, ?state=&limit=
//	GET  /api/jobs/:id           status with execution log
//	POST /api/jobs/:id/cancel    cancel a pending or running job
//	GET  /api/jobs/:id/stream    websocket of log lines and state changes
//	GET  /api/capabilities       registered capabilities
//	GET  /api/metrics            worker pool metrics
//	GET  /health                 liveness, never authenticated
//
// When a JWT secret is configured every /api route requires an HS256
// bearer token.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/errors"
	"github.com/teranos/transmute/jobs"
)

// DefaultShutdownTimeout bounds how long Serve waits for in-flight requests
const DefaultShutdownTimeout = 10 * time.Second

// Catalog lists the capabilities jobs may name
type Catalog interface {
	Describe() []capability.Info
}

// MetricsSource reports worker pool metrics
type MetricsSource interface {
	Metrics(ctx context.Context) jobs.SystemMetrics
}

// Config configures the HTTP API
type Config struct {
	Addr            string
	JWTSecret       string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Server serves the job API
type Server struct {
	cfg      Config
	queue    *jobs.Queue
	catalog  Catalog
	metrics  MetricsSource
	echo     *echo.Echo
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	// closed on shutdown; hijacked stream connections watch it
	done chan struct{}
}

// New creates a server. metrics may be nil when no workers run in this
// process, in which case /api/metrics answers 503.
func New(cfg Config, queue *jobs.Queue, catalog Catalog, metrics MetricsSource, logger *zap.SugaredLogger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		cfg:     cfg,
		queue:   queue,
		catalog: catalog,
		metrics: metrics,
		logger:  logger.Named("server"),
		done:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())

	e.GET("/health", s.handleHealth)

	api := e.Group("/api")
	if cfg.JWTSecret != "" {
		api.Use(jwtAuth([]byte(cfg.JWTSecret)))
	}
	api.POST("/jobs", s.handleSubmit)
	api.GET("/jobs", s.handleList)
	api.GET("/jobs/:id", s.handleStatus)
	api.POST("/jobs/:id/cancel", s.handleCancel)
	api.GET("/jobs/:id/stream", s.handleStream)
	api.GET("/capabilities", s.handleCapabilities)
	api.GET("/metrics", s.handleMetrics)

	s.echo = e
	return s
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve listens on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.Addr)
	}()

	s.logger.Infow("API listening", "addr", s.cfg.Addr, "auth", s.cfg.JWTSecret != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", s.cfg.Addr),
			"set server.addr to a free address",
		)
	case <-ctx.Done():
	}

	close(s.done)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down API")
	}
	s.logger.Infow("API stopped")
	return nil
}

// requestLogger logs each request with structured fields
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler set the final status before logging
				c.Error(err)
			}

			s.logger.Debugw("HTTP request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	}
}

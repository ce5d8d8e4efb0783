// Package server exposes the kiosk UI websocket, Prometheus metrics and a
// health check over one local HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lidio601/lamassu-machine/internal/brain"
	"github.com/lidio601/lamassu-machine/internal/metrics"
)

// StatusSource is the Brain as seen by the health check.
type StatusSource interface {
	Status(ctx context.Context) (brain.Status, error)
}

// Checker reports whether a dependency is reachable.
type Checker interface {
	Check(ctx context.Context) error
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithChecker adds a named dependency to /healthz.
func WithChecker(name string, c Checker) Option {
	return func(s *Server) { s.checkers[name] = c }
}

type Server struct {
	addr     string
	router   *gin.Engine
	status   StatusSource
	checkers map[string]Checker
	logger   *slog.Logger
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status         string            `json:"status"`
	State          string            `json:"state,omitempty"`
	Class          string            `json:"class,omitempty"`
	DisplayClients int               `json:"displayClients"`
	IdlePending    bool              `json:"idlePending"`
	Checks         map[string]string `json:"checks,omitempty"`
	Timestamp      string            `json:"timestamp"`
}

// New builds the router. display serves the kiosk UI websocket at /ws.
func New(addr string, display gin.HandlerFunc, status StatusSource, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		status:   status,
		checkers: make(map[string]Checker),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}))

	s.router.GET("/ws", display)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/healthz", s.healthHandler)
	return s
}

// Router returns the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Checks:    make(map[string]string),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	httpStatus := http.StatusOK

	st, err := s.status.Status(ctx)
	if err != nil {
		resp.Checks["brain"] = "unhealthy"
	} else {
		resp.Checks["brain"] = "healthy"
		resp.State = string(st.State)
		resp.Class = st.Class.String()
		resp.DisplayClients = st.DisplayClients
		resp.IdlePending = st.IdlePending
	}
	for name, chk := range s.checkers {
		if err := chk.Check(ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unhealthy"
			continue
		}
		resp.Checks[name] = "healthy"
	}

	for _, v := range resp.Checks {
		if v != "healthy" {
			resp.Status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(httpStatus, resp)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

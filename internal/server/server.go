// Package server exposes the runner's local, read-only status API.
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
)

// Options configures the status server
type Options struct {
	Addr string

	// Token is the agent token and the viewer token signing key
	Token string

	// RateLimitRPS caps requests per second for each authenticated caller
	RateLimitRPS int

	// AllowedOrigins enables CORS for browser dashboards; empty disables it
	AllowedOrigins []string

	TokenTTL time.Duration
	Debug    bool
	Version  string
}

// Server represents the HTTP server
type Server struct {
	opts       Options
	router     *gin.Engine
	handlers   *Handlers
	auth       *Authenticator
	limiter    *RateLimiter
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new server instance
func New(opts Options, src Sources, logger *slog.Logger) *Server {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 20
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	auth := NewAuthenticator(opts.Token)

	s := &Server{
		opts:     opts,
		router:   gin.New(),
		handlers: NewHandlers(src, auth, opts.TokenTTL, opts.Version),
		auth:     auth,
		limiter:  NewRateLimiter(opts.RateLimitRPS),
		logger:   logger.With("component", "status-server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware(s.opts.AllowedOrigins))
}

func (s *Server) setupRoutes() {
	// Health check (no auth)
	s.router.GET("/health", s.handlers.HealthCheck)

	api := s.router.Group("/api")
	api.Use(RequireAuth(s.auth), RateLimit(s.limiter))
	{
		api.GET("/info", s.handlers.GetInfo)

		api.GET("/execs", s.handlers.ListExecs)
		api.GET("/execs/:id", s.handlers.GetExec)

		api.GET("/journal", s.handlers.GetJournal)

		api.GET("/events", s.handlers.StreamEvents)

		api.POST("/token", RequireRole(RoleAgent), s.handlers.IssueToken)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Cancelling ctx also ends open event streams
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	defer s.handlers.Close()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", "addr", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down status API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status server forced to shutdown", "error", err)
	}
	<-errCh

	s.logger.Info("status API stopped")
	return nil
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package server is steer's HTTP surface: session start/close, the action
// endpoints, health, metrics and the /events websocket stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harun/steer/pkg/dispatch"
	"github.com/harun/steer/pkg/lifecycle"
	"github.com/harun/steer/pkg/sessionstore"
	"github.com/rs/zerolog"
)

// Lifecycle starts and closes automation sessions
type Lifecycle interface {
	StartSession(ctx context.Context, sess lifecycle.SessionContext, opts lifecycle.StartOptions) (string, error)
	CloseSession(ctx context.Context, sess lifecycle.SessionContext) error
}

// Dispatcher runs actions against a session's page
type Dispatcher interface {
	Dispatch(ctx context.Context, sess lifecycle.SessionContext, kind string, body []byte) (*dispatch.Result, error)
}

// Metrics records HTTP traffic and serves the scrape endpoint
type Metrics interface {
	ObserveHTTP(method, route string, code int, took time.Duration)
	Handler() http.Handler
}

// Config holds server configuration and collaborators
type Config struct {
	Host               string
	Port               int
	RateLimitPerMinute int   // 0 disables rate limiting
	MaxBodyBytes       int64 // default 1 MiB
	ShutdownTimeout    time.Duration
	MetricsPath        string

	Sessions   *sessionstore.Manager
	Lifecycle  Lifecycle
	Dispatcher Dispatcher
	Metrics    Metrics // optional
	Hub        *Hub    // optional
	// ActiveSessions reports the number of live automation resources
	ActiveSessions func() int

	Logger zerolog.Logger
}

// Server is the HTTP API server
type Server struct {
	cfg         Config
	router      chi.Router
	serverMu    sync.Mutex
	server      *http.Server
	sessions    *sessionstore.Manager
	lifecycle   Lifecycle
	dispatcher  Dispatcher
	metrics     Metrics
	hub         *Hub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startTime   time.Time

	shuttingDown atomic.Bool
}

// NewServer creates a server and builds its routes
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:        cfg,
		sessions:   cfg.Sessions,
		lifecycle:  cfg.Lifecycle,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		hub:        cfg.Hub,
		logger:     cfg.Logger.With().Str("component", "server").Logger(),
		startTime:  time.Now(),
	}
	if cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimitPerMinute)
	}

	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.requestContext)
	r.Use(s.accessLog)
	r.Use(s.recoverer)
	r.Use(s.shutdownGuard)

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.metrics.Handler())
	}
	// The event stream sits outside the session middleware; its writer must
	// stay hijackable.
	if s.hub != nil {
		r.Get("/events", s.hub.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		if s.rateLimiter != nil {
			r.Use(s.rateLimiter.Middleware)
		}
		r.Use(s.sessions.Middleware)

		r.Post("/session/start", s.handleStart)
		r.Post("/session/close", s.handleClose)
		r.Post("/action/{kind}", s.handleAction)
	})

	return r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start listens on the configured address and blocks until Stop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until Stop
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.serverMu.Lock()
	if s.shuttingDown.Load() {
		s.serverMu.Unlock()
		ln.Close()
		return nil
	}
	s.server = srv
	s.serverMu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop stops accepting requests, disconnects event subscribers and waits
// for in-flight requests up to the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info().Msg("Shutting down HTTP server")

	if s.hub != nil {
		s.hub.Publish(StreamServer, "server.shutdown", map[string]string{
			"message": "Server is shutting down",
		})
		s.hub.Close()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.serverMu.Lock()
	srv := s.server
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown timeout reached, forcing close")
		_ = srv.Close()
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

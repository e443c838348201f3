// Package daemon wires steer's components together and runs them as one
// process: the lifecycle manager and its command queue, the session store,
// the dispatcher, the reaper, the config watcher and the HTTP server.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/steer/internal/config"
	"github.com/harun/steer/internal/logger"
	"github.com/harun/steer/internal/metrics"
	"github.com/harun/steer/internal/observability"
	"github.com/harun/steer/internal/tracing"
	"github.com/harun/steer/pkg/commandqueue"
	"github.com/harun/steer/pkg/dispatch"
	"github.com/harun/steer/pkg/engine"
	"github.com/harun/steer/pkg/lifecycle"
	"github.com/harun/steer/pkg/server"
	"github.com/harun/steer/pkg/sessionstore"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	laneWarnAfter = 5 * time.Second
	secretLength  = 48
)

// Daemon represents the steer server process
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	queue      *commandqueue.CommandQueue
	registry   *lifecycle.Registry
	manager    *lifecycle.Manager
	store      sessionstore.Store
	sessions   *sessionstore.Manager
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	hub        *server.Hub
	reaper     *lifecycle.Reaper
	server     *server.Server
	watcher    *config.Watcher
	pidFile    *PIDFile
	audit      *observability.AuditLogger

	launcher engine.Launcher
	loader   *config.Loader
	listener net.Listener

	tracingEnabled bool

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	group     *errgroup.Group
	groupCtx  context.Context
}

// Status represents daemon status
type Status struct {
	Running        bool          `json:"running"`
	Uptime         time.Duration `json:"uptime"`
	StartTime      time.Time     `json:"start_time"`
	ActiveSessions int           `json:"active_sessions"`
}

// Option customizes a daemon
type Option func(*Daemon)

// WithLauncher replaces the go-rod launcher
func WithLauncher(l engine.Launcher) Option {
	return func(d *Daemon) { d.launcher = l }
}

// WithLoader enables hot reload of the file behind loader
func WithLoader(l *config.Loader) Option {
	return func(d *Daemon) { d.loader = l }
}

// WithListener serves on ln instead of listening on the configured address
func WithListener(ln net.Listener) Option {
	return func(d *Daemon) { d.listener = ln }
}

// New creates a daemon from a validated configuration
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Zerolog().With().Str("component", "daemon").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCoreModules()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		d.closeCoreModules()
		return nil, err
	}

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.Zerolog()
	cfg := d.config

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		d.tracingEnabled = true
	}

	d.metrics = metrics.NewMetrics()
	d.hub = server.NewHub(zl)

	d.queue = commandqueue.New(zl)
	for _, ev := range []string{commandqueue.EventEnqueued, commandqueue.EventCompleted} {
		d.queue.On(ev, d.metrics.ObserveQueue)
		d.queue.On(ev, d.hub.PublishQueue)
	}

	if d.launcher == nil {
		d.launcher = engine.NewRodLauncher(engine.RodConfig{
			Bin:           cfg.Engine.Bin,
			NoSandbox:     cfg.Engine.NoSandbox,
			ActionTimeout: cfg.Engine.ActionTimeout,
		}, zl)
	}

	d.registry = lifecycle.NewRegistry()
	d.manager = lifecycle.NewManager(lifecycle.Config{
		DefaultKind:     cfg.Engine.DefaultBrowser,
		DefaultHeadless: cfg.Engine.Headless,
		LaneWarnAfter:   laneWarnAfter,
	}, d.registry, d.launcher, d.queue, zl)
	d.manager.On(d.metrics.ObserveSession)
	d.manager.On(d.hub.PublishLifecycle)

	if cfg.Logging.AuditFile != "" {
		audit, err := observability.OpenAuditLogger(cfg.Logging.AuditFile)
		if err != nil {
			return err
		}
		d.audit = audit
		d.manager.On(audit.RecordSession)
	}

	store, err := d.openStore()
	if err != nil {
		return err
	}
	d.store = store

	secret := cfg.Session.Secret
	if secret == "" {
		secret, err = gonanoid.New(secretLength)
		if err != nil {
			return fmt.Errorf("failed to generate session secret: %w", err)
		}
		d.log.Warn().Msg("session.secret is not set; using an ephemeral secret, cookies will not survive a restart")
	}

	d.sessions, err = sessionstore.NewManager(d.store, sessionstore.Options{
		CookieName: cfg.Session.CookieName,
		Secret:     secret,
		MaxAge:     cfg.Session.MaxAge,
		Secure:     cfg.Server.Production,
	}, zl)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	d.dispatcher = dispatch.NewDispatcher(d.manager, dispatch.NewURLPolicy(cfg.Security, zl), d.metrics, zl)

	d.reaper, err = lifecycle.NewReaper(lifecycle.ReaperConfig{
		Schedule:    cfg.Session.ReapSchedule,
		IdleTimeout: cfg.Session.IdleTimeout,
		OnPass:      d.metrics.ObserveReap,
	}, d.manager, d.store, zl)
	if err != nil {
		return fmt.Errorf("failed to create reaper: %w", err)
	}

	d.pidFile = NewPIDFile(cfg.DataDir)
	return nil
}

// openStore opens the configured session payload store
func (d *Daemon) openStore() (sessionstore.Store, error) {
	switch d.config.Session.Store {
	case "sqlite":
		store, err := sessionstore.NewSQLiteStore(d.config.Session.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open session database: %w", err)
		}
		d.log.Info().Str("path", d.config.Session.DBPath).Msg("Using sqlite session store")
		return store, nil
	default:
		return sessionstore.NewMemoryStore(), nil
	}
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	srv, err := server.NewServer(server.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
		MetricsPath:        metricsPath(cfg),
		Sessions:           d.sessions,
		Lifecycle:          d.manager,
		Dispatcher:         d.dispatcher,
		Metrics:            d.serverMetrics(),
		Hub:                d.hub,
		ActiveSessions:     d.registry.Len,
		Logger:             d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	d.server = srv

	if d.loader != nil {
		w, err := config.NewWatcher(d.loader, config.DefaultDebounce, d.applyConfig, d.logger.Zerolog())
		if err != nil {
			d.log.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			d.watcher = w
		}
	}

	return nil
}

func metricsPath(cfg *config.Config) string {
	if cfg.Metrics.Path == "" {
		return "/metrics"
	}
	return cfg.Metrics.Path
}

// serverMetrics returns nil when the metrics endpoint is disabled
func (d *Daemon) serverMetrics() server.Metrics {
	if !d.config.Metrics.Enabled {
		return nil
	}
	return d.metrics
}

// applyConfig takes the settings that can change at runtime from a reloaded
// configuration: the URL policy and the log level.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.dispatcher.SetPolicy(dispatch.NewURLPolicy(cfg.Security, d.logger.Zerolog()))

	d.mu.Lock()
	previous := d.config.Logging.Level
	d.config.Security = cfg.Security
	d.config.Logging.Level = cfg.Logging.Level
	d.mu.Unlock()

	if cfg.Logging.Level != previous {
		if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
			d.log.Warn().Err(err).Str("level", cfg.Logging.Level).Msg("Ignoring invalid log level")
		}
	}

	if d.audit != nil {
		d.audit.RecordConfig("config.reloaded", map[string]interface{}{
			"allow_file_urls":      cfg.Security.AllowFileURLs,
			"allow_localhost_urls": cfg.Security.AllowLocalhostURLs,
			"allowed_domains":      cfg.Security.AllowedDomains,
			"blocked_domains":      cfg.Security.BlockedDomains,
			"log_level":            cfg.Logging.Level,
		})
	}

	d.log.Info().
		Bool("allow_file_urls", cfg.Security.AllowFileURLs).
		Bool("allow_localhost_urls", cfg.Security.AllowLocalhostURLs).
		Int("allowed_domains", len(cfg.Security.AllowedDomains)).
		Int("blocked_domains", len(cfg.Security.BlockedDomains)).
		Msg("Configuration reloaded")
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting steer")

	ln := d.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", d.server.Addr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.server.Addr(), err)
		}
	}
	d.listener = ln

	if err := d.pidFile.Write(); err != nil {
		ln.Close()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.reaper.Start()

	d.group, d.groupCtx = errgroup.WithContext(context.Background())
	d.group.Go(func() error {
		return d.server.Serve(ln)
	})

	d.running = true
	d.startTime = time.Now()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("pid_file", d.pidFile.Path()).
		Msg("steer started")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping steer")

	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()

	if err := d.server.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop HTTP server")
	}

	d.reaper.Stop()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close config watcher")
		}
	}

	if err := d.manager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to release automation resources")
	}

	if err := d.pidFile.Remove(); err != nil {
		log.Error().Err(err).Msg("Failed to remove PID file")
	}

	d.closeCoreModules()

	log.Info().Msg("steer stopped")
	return nil
}

// closeCoreModules releases the queue, the store, the audit log and tracing
func (d *Daemon) closeCoreModules() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close command queue")
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close session store")
		}
	}

	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close audit log")
		}
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if t := d.config.Server.ShutdownTimeout; t > 0 {
		return t
	}
	return 15 * time.Second
}

// Run blocks until ctx is done or the HTTP server fails, then stops the
// daemon. It returns the server's error, if any.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.RLock()
	group, groupCtx := d.group, d.groupCtx
	d.mu.RUnlock()
	if group == nil {
		return fmt.Errorf("daemon is not running")
	}

	select {
	case <-ctx.Done():
		d.log.Info().Msg("Shutdown requested")
	case <-groupCtx.Done():
		d.log.Warn().Msg("HTTP server exited")
	}

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
	return group.Wait()
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon
func (d *Daemon) Wait() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:        d.running,
		ActiveSessions: d.registry.Len(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Addr returns the address the server listens on once started
func (d *Daemon) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return d.server.Addr()
	}
	return d.listener.Addr().String()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetManager returns the lifecycle manager
func (d *Daemon) GetManager() *lifecycle.Manager {
	return d.manager
}

// GetDispatcher returns the action dispatcher
func (d *Daemon) GetDispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

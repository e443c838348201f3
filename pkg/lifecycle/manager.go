// Package lifecycle binds client sessions to exclusively owned automation
// resources.
//
// A session moves between two states: UNSTARTED (no registry entry, marker
// absent or false) and ACTIVE (registry entry, marker {isActive: true}).
// StartSession on an ACTIVE session replaces its resource. When the marker
// and the registry disagree, the registry wins and the marker is repaired.
//
// Every operation for a session id runs in the command queue lane
// "session:<id>", so operations on one session never overlap while
// different sessions proceed independently.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/harun/steer/internal/tracing"
	"github.com/harun/steer/pkg/apierr"
	"github.com/harun/steer/pkg/commandqueue"
	"github.com/harun/steer/pkg/engine"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Event types emitted by the manager
const (
	EventStarted      = "session.started"
	EventReplaced     = "session.replaced"
	EventLaunchFailed = "session.launch_failed"
	EventClosed       = "session.closed"
	EventRepaired     = "session.repaired"
	EventReaped       = "session.reaped"
)

// Event describes a lifecycle transition
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"engineKind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// EventHandler receives lifecycle events synchronously
type EventHandler func(Event)

// Config holds manager defaults
type Config struct {
	DefaultKind     string
	DefaultHeadless bool
	// LaneWarnAfter logs when an operation waits this long behind another
	// one on the same session.
	LaneWarnAfter time.Duration
}

// StartOptions selects the engine for a new resource
type StartOptions struct {
	Kind     string
	Headless *bool
	Params   map[string]interface{}
}

// Manager is the session lifecycle manager
type Manager struct {
	cfg      Config
	registry *Registry
	launcher engine.Launcher
	queue    *commandqueue.CommandQueue
	logger   zerolog.Logger

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// NewManager creates a manager over an injected registry, launcher and queue
func NewManager(cfg Config, registry *Registry, launcher engine.Launcher, queue *commandqueue.CommandQueue, logger zerolog.Logger) *Manager {
	if cfg.DefaultKind == "" {
		cfg.DefaultKind = engine.DefaultKind
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		launcher: launcher,
		queue:    queue,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Registry returns the registry the manager mutates
func (m *Manager) Registry() *Registry {
	return m.registry
}

// On registers a handler for every lifecycle event
func (m *Manager) On(handler EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) emit(eventType, sessionID, kind string, err error) {
	ev := Event{Type: eventType, SessionID: sessionID, Kind: kind, Time: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}

	m.handlersMu.RLock()
	handlers := m.handlers
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// LaneFor returns the command queue lane serializing a session
func LaneFor(sessionID string) string {
	return "session:" + sessionID
}

// inLane runs fn in the session's lane
func (m *Manager) inLane(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	var opts *commandqueue.TaskOptions
	if m.cfg.LaneWarnAfter > 0 {
		opts = &commandqueue.TaskOptions{WarnAfter: m.cfg.LaneWarnAfter}
	}
	_, err := m.queue.Enqueue(ctx, LaneFor(sessionID), func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	}, opts)
	return err
}

// StartSession provisions a fresh resource for the session, replacing any
// existing one, and returns the session id unchanged.
func (m *Manager) StartSession(ctx context.Context, sess SessionContext, opts StartOptions) (string, error) {
	id := sess.ID()
	if id == "" {
		return "", apierr.New(apierr.KindInternal, "cannot start automation without a session id")
	}

	ctx = tracing.WithSessionID(ctx, id)
	err := m.inLane(ctx, id, func(ctx context.Context) error {
		return m.start(ctx, sess, opts)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) start(ctx context.Context, sess SessionContext, opts StartOptions) error {
	id := sess.ID()
	kind := opts.Kind
	if kind == "" {
		kind = m.cfg.DefaultKind
	}
	headless := m.cfg.DefaultHeadless
	if opts.Headless != nil {
		headless = *opts.Headless
	}

	ctx, span := tracing.StartSpan(ctx, "lifecycle.start_session",
		attribute.String("engine.kind", kind),
		attribute.Bool("engine.headless", headless),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, m.logger)

	if old := m.registry.Remove(id); old != nil {
		if err := old.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close previous resource, continuing")
		}
		m.emit(EventReplaced, id, old.Kind, nil)
	}
	clearMarker(sess)

	h, err := m.provision(ctx, id, kind, headless, opts.Params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("kind", kind).Msg("Failed to start automation session")
		m.emit(EventLaunchFailed, id, kind, err)
		return err
	}

	if displaced, err := m.registry.Swap(h); displaced != nil {
		logger.Warn().Err(err).Msg("Displaced a resource registered concurrently")
	}

	if err := writeMarker(sess, kind); err != nil {
		// The registry is authoritative; a missing marker only means the
		// next request sees NoActiveSession and the resource is reaped.
		logger.Warn().Err(err).Msg("Failed to record active marker")
	}

	logger.Info().Str("kind", kind).Bool("headless", headless).Msg("Automation session started")
	m.emit(EventStarted, id, kind, nil)
	return nil
}

// provision launches a browser with one isolation context and page
func (m *Manager) provision(ctx context.Context, id, kind string, headless bool, params map[string]interface{}) (*Handle, error) {
	browser, err := m.launcher.Launch(ctx, kind, engine.LaunchOptions{Headless: headless, Params: params})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindEngineLaunch, err, "failed to launch %s", kind).WithSession(id)
	}

	bctx, err := browser.NewContext(ctx)
	if err != nil {
		_ = browser.Close()
		return nil, apierr.Wrap(apierr.KindEngineLaunch, err, "failed to create browser context").WithSession(id)
	}

	page, err := bctx.NewPage(ctx)
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, apierr.Wrap(apierr.KindEngineLaunch, err, "failed to open page").WithSession(id)
	}

	return newHandle(id, kind, browser, bctx, page), nil
}

// GetActiveResource returns the live handle bound to the session
func (m *Manager) GetActiveResource(sess SessionContext) (*Handle, error) {
	id := sess.ID()
	if id == "" {
		return nil, apierr.New(apierr.KindNoActiveSession, "no session")
	}

	marker, ok := readMarker(sess)
	if !ok || !marker.IsActive {
		return nil, apierr.New(apierr.KindNoActiveSession, "no active automation session").WithSession(id)
	}

	h, ok := m.registry.Get(id)
	if !ok {
		clearMarker(sess)
		m.logger.Warn().Str("session_id", id).Msg("Session marked active without a registered resource, marker cleared")
		m.emit(EventRepaired, id, marker.EngineKind, nil)
		return nil, apierr.New(apierr.KindInternalState, "automation resource is gone").WithSession(id)
	}
	return h, nil
}

// Do runs fn against the session's page inside the session's lane
func (m *Manager) Do(ctx context.Context, sess SessionContext, fn func(ctx context.Context, page engine.Page) error) error {
	id := sess.ID()
	if id == "" {
		return apierr.New(apierr.KindNoActiveSession, "no session")
	}

	ctx = tracing.WithSessionID(ctx, id)
	return m.inLane(ctx, id, func(ctx context.Context) error {
		h, err := m.GetActiveResource(sess)
		if err != nil {
			return err
		}
		h.Touch()
		defer h.Touch()
		return fn(ctx, h.Page)
	})
}

// CloseSession releases the session's resource and destroys its payload.
// Resource teardown failures are logged; only a failed payload destruction
// is returned.
func (m *Manager) CloseSession(ctx context.Context, sess SessionContext) error {
	id := sess.ID()
	if id == "" {
		return nil
	}

	ctx = tracing.WithSessionID(ctx, id)
	return m.inLane(ctx, id, func(ctx context.Context) error {
		ctx, span := tracing.StartSpan(ctx, "lifecycle.close_session")
		defer span.End()

		logger := tracing.LoggerFromContext(ctx, m.logger)

		kind := ""
		if h := m.registry.Remove(id); h != nil {
			kind = h.Kind
			if err := h.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close resource, continuing")
			}
		}

		if err := sess.Destroy(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return apierr.Wrap(apierr.KindSessionDestroy, err, "failed to destroy session").WithSession(id)
		}

		logger.Info().Msg("Automation session closed")
		m.emit(EventClosed, id, kind, nil)
		return nil
	})
}

// evict closes an idle handle from inside its lane, unless it was used or
// replaced since the reaper looked at it.
func (m *Manager) evict(ctx context.Context, h *Handle, idle time.Duration) (bool, error) {
	evicted := false
	err := m.inLane(ctx, h.SessionID, func(ctx context.Context) error {
		if h.IdleFor(time.Now()) < idle {
			return nil
		}
		if !m.registry.RemoveIf(h.SessionID, h) {
			return nil
		}
		evicted = true
		if err := h.Close(); err != nil {
			m.logger.Warn().Err(err).Str("session_id", h.SessionID).Msg("Failed to close idle resource")
		}
		m.emit(EventReaped, h.SessionID, h.Kind, nil)
		return nil
	})
	return evicted, err
}

// Shutdown closes every live handle concurrently
func (m *Manager) Shutdown(ctx context.Context) error {
	handles := m.registry.Drain()
	if len(handles) == 0 {
		return nil
	}

	m.logger.Info().Int("sessions", len(handles)).Msg("Closing automation sessions")

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- h.Close() }()
			select {
			case err := <-done:
				if err != nil {
					m.logger.Warn().Err(err).Str("session_id", h.SessionID).Msg("Failed to close resource on shutdown")
				}
				m.emit(EventClosed, h.SessionID, h.Kind, err)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

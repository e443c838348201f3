package sessionstore

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/harun/steer/internal/tracing"
	"github.com/rs/zerolog"
)

// DefaultCookieName names the session cookie
const DefaultCookieName = "steer.sid"

// Options configures the session cookie
type Options struct {
	CookieName string
	Secret     string
	MaxAge     time.Duration
	Secure     bool
	Path       string
}

// Manager loads sessions for incoming requests and persists them on the way
// out. A session is only saved, and its cookie only sent, once its payload
// has been modified.
type Manager struct {
	store  Store
	opts   Options
	secret []byte
	logger zerolog.Logger
}

// NewManager creates a session manager over store
func NewManager(store Store, opts Options, logger zerolog.Logger) (*Manager, error) {
	if opts.Secret == "" {
		return nil, errors.New("session secret is required")
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.Path == "" {
		opts.Path = "/"
	}

	return &Manager{
		store:  store,
		opts:   opts,
		secret: []byte(opts.Secret),
		logger: logger.With().Str("component", "sessionstore").Logger(),
	}, nil
}

// Store returns the backing store
func (m *Manager) Store() Store {
	return m.store
}

// Load resolves the session for a request, issuing a new id when the
// request carries no valid cookie or its payload is gone.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	if c, err := r.Cookie(m.opts.CookieName); err == nil {
		if id, ok := unsign(c.Value, m.secret); ok {
			rec, err := m.store.Load(r.Context(), id)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				return newSession(id, rec.Values, false, m.store), nil
			}
		} else {
			m.logger.Debug().Msg("Ignoring session cookie with bad signature")
		}
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	return newSession(id, nil, true, m.store), nil
}

// Commit persists a modified session and writes its cookie, or clears the
// cookie of a destroyed one.
func (m *Manager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	values, modified, destroyed := sess.snapshot()
	switch {
	case destroyed:
		http.SetCookie(w, m.cookie("", -1))
		return nil
	case !modified:
		return nil
	}

	rec := &Record{ID: sess.ID(), Values: values, ExpiresAt: time.Now().Add(m.opts.MaxAge)}
	if err := m.store.Save(ctx, rec); err != nil {
		return err
	}
	http.SetCookie(w, m.cookie(sign(sess.ID(), m.secret), int(m.opts.MaxAge/time.Second)))
	return nil
}

func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    value,
		Path:     m.opts.Path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		c.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
	}
	return c
}

// Middleware attaches a *Session to every request context and commits it
// before the response headers go out.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.Load(r)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to load session")
			http.Error(w, `{"status":"error","error":"Internal Server Error"}`, http.StatusInternalServerError)
			return
		}

		ctx := WithSession(r.Context(), sess)
		if !sess.IsNew() {
			ctx = tracing.WithSessionID(ctx, sess.ID())
		}

		cw := &committingWriter{ResponseWriter: w}
		cw.commit = func() {
			if err := m.Commit(ctx, w, sess); err != nil {
				logger := tracing.LoggerFromContext(ctx, m.logger)
				logger.Error().Err(err).Msg("Failed to save session")
			}
		}

		next.ServeHTTP(cw, r.WithContext(ctx))
		cw.flushCommit()
	})
}

// committingWriter runs commit once, right before the first header write
type committingWriter struct {
	http.ResponseWriter
	commit func()
	once   sync.Once
}

func (w *committingWriter) flushCommit() {
	w.once.Do(w.commit)
}

func (w *committingWriter) WriteHeader(status int) {
	w.flushCommit()
	w.ResponseWriter.WriteHeader(status)
}

func (w *committingWriter) Write(b []byte) (int, error) {
	w.flushCommit()
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController
func (w *committingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

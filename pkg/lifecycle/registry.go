package lifecycle

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/steer/pkg/engine"
)

// Handle is the automation resource exclusively owned by one session
type Handle struct {
	SessionID string
	Kind      string
	Browser   engine.Browser
	Context   engine.Context
	Page      engine.Page
	CreatedAt time.Time

	lastUsed  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func newHandle(sessionID, kind string, browser engine.Browser, bctx engine.Context, page engine.Page) *Handle {
	now := time.Now()
	h := &Handle{
		SessionID: sessionID,
		Kind:      kind,
		Browser:   browser,
		Context:   bctx,
		Page:      page,
		CreatedAt: now,
	}
	h.lastUsed.Store(now.UnixNano())
	return h
}

// Touch records use of the handle
func (h *Handle) Touch() {
	h.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns when the handle was last used
func (h *Handle) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// IdleFor returns how long the handle has gone unused
func (h *Handle) IdleFor(now time.Time) time.Duration {
	return now.Sub(h.LastUsed())
}

// Close tears down the isolation context and the browser. Only the first
// call does any work; later calls return the same result.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		var errs []error
		if h.Context != nil {
			if err := h.Context.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if h.Browser != nil {
			if err := h.Browser.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

// Registry maps session ids to live handles. It is created by the
// composition root and injected wherever it is needed.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Get returns the live handle for a session
func (r *Registry) Get(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// Swap stores h for its session and closes whatever handle it displaced.
// Closing happens after the lock is released.
func (r *Registry) Swap(h *Handle) (displaced *Handle, err error) {
	r.mu.Lock()
	displaced = r.handles[h.SessionID]
	r.handles[h.SessionID] = h
	r.mu.Unlock()

	if displaced != nil && displaced != h {
		err = displaced.Close()
	}
	return displaced, err
}

// Remove deletes and returns the handle for a session, if any
func (r *Registry) Remove(sessionID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[sessionID]
	delete(r.handles, sessionID)
	return h
}

// RemoveIf deletes the entry only while it still points at h
func (r *Registry) RemoveIf(sessionID string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[sessionID] != h {
		return false
	}
	delete(r.handles, sessionID)
	return true
}

// Len returns the number of live handles
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Snapshot returns the live handles ordered by session id
func (r *Registry) Snapshot() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Drain empties the registry and returns what it held
func (r *Registry) Drain() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, h)
		delete(r.handles, id)
	}
	return out
}

package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Session is the per-request view of a client session
type Session struct {
	mu        sync.Mutex
	id        string
	values    map[string]json.RawMessage
	isNew     bool
	modified  bool
	destroyed bool
	store     Store
}

func newSession(id string, values map[string]json.RawMessage, isNew bool, store Store) *Session {
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	return &Session{id: id, values: values, isNew: isNew, store: store}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// IsNew reports whether the session was created by this request
func (s *Session) IsNew() bool {
	return s.isNew
}

// Get decodes the value under key into dst
func (s *Session) Get(key string, dst interface{}) bool {
	s.mu.Lock()
	raw, ok := s.values[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// Set stores value under key
func (s *Session) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode session value %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = raw
	s.modified = true
	return nil
}

// Delete removes key
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.modified = true
	}
}

// Destroy removes the payload from the store; the response clears the cookie
func (s *Session) Destroy(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]json.RawMessage)
	s.destroyed = true
	s.modified = false
	return nil
}

// Destroyed reports whether Destroy succeeded
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// snapshot returns what needs persisting, if anything
func (s *Session) snapshot() (values map[string]json.RawMessage, modified, destroyed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.modified || s.destroyed {
		return nil, s.modified, s.destroyed
	}
	values = make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	s.modified = false
	return values, true, false
}

type contextKey struct{}

// WithSession attaches sess to ctx
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext returns the session attached by the middleware, or nil
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(contextKey{}).(*Session)
	return sess
}

// Package sessionstore issues client sessions: a signed cookie carries the
// session id and a Store keeps the JSON payload between requests.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by stores used after Close
var ErrClosed = errors.New("session store closed")

// Record is a persisted session payload
type Record struct {
	ID        string
	Values    map[string]json.RawMessage
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists session payloads
type Store interface {
	// Load returns nil, nil when the id is unknown or expired.
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	SweepExpired(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore keeps payloads in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rec, ok := s.records[id]
	if !ok || rec.Expired(time.Now()) {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := time.Now()
	n := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored payloads, expired ones included
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}

func cloneRecord(rec *Record) *Record {
	out := &Record{
		ID:        rec.ID,
		Values:    make(map[string]json.RawMessage, len(rec.Values)),
		ExpiresAt: rec.ExpiresAt,
	}
	for k, v := range rec.Values {
		out.Values[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

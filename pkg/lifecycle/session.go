package lifecycle

import "context"

// markerKey is the session payload key holding the active marker
const markerKey = "automation"

// Marker records in the session payload that the session owns a resource
type Marker struct {
	IsActive   bool   `json:"isActive"`
	EngineKind string `json:"engineKind"`
}

// SessionContext is the per-request view of a client session. The id is
// stable for the lifetime of the session and empty when the request carries
// no session.
type SessionContext interface {
	ID() string
	// Get decodes the value stored under key into dst and reports whether
	// it was present.
	Get(key string, dst interface{}) bool
	Set(key string, value interface{}) error
	Delete(key string)
	// Destroy removes the session payload from its store.
	Destroy(ctx context.Context) error
}

func readMarker(sess SessionContext) (Marker, bool) {
	var m Marker
	if !sess.Get(markerKey, &m) {
		return Marker{}, false
	}
	return m, true
}

func writeMarker(sess SessionContext, kind string) error {
	return sess.Set(markerKey, Marker{IsActive: true, EngineKind: kind})
}

func clearMarker(sess SessionContext) {
	sess.Delete(markerKey)
}

// Package apierr defines the error taxonomy shared by the lifecycle manager,
// the engine adapter and the action dispatcher.
//
// Every failure that crosses a component boundary carries a Kind. Callers
// classify by kind (KindOf, errors.As) and never by message text.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error with its place in the taxonomy
type Kind string

// Error kinds
const (
	KindEngineLaunch         Kind = "ENGINE_LAUNCH_ERROR"
	KindNoActiveSession      Kind = "NO_ACTIVE_SESSION"
	KindInternalState        Kind = "INTERNAL_STATE_ERROR"
	KindInvalidLocatorFormat Kind = "INVALID_LOCATOR_FORMAT"
	KindMissingParameter     Kind = "MISSING_PARAMETER"
	KindInvalidRequest       Kind = "INVALID_REQUEST"
	KindActionTimeout        Kind = "ACTION_TIMEOUT"
	KindElementNotFound      Kind = "ELEMENT_NOT_FOUND"
	KindSnapshot             Kind = "SNAPSHOT_ERROR"
	KindSessionDestroy       Kind = "SESSION_DESTROY_ERROR"
	KindInternal             Kind = "INTERNAL_ERROR"
)

// HTTPStatus returns the status class for the kind
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidLocatorFormat, KindMissingParameter, KindInvalidRequest:
		return http.StatusBadRequest
	case KindNoActiveSession, KindInternalState, KindActionTimeout, KindElementNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure
type Error struct {
	Kind      Kind
	Message   string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so sentinel-style checks work:
// errors.Is(err, &apierr.Error{Kind: apierr.KindNoActiveSession})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New creates a classified error
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying cause
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithSession returns a copy of e annotated with a session id
func (e *Error) WithSession(sessionID string) *Error {
	cp := *e
	cp.SessionID = sessionID
	return &cp
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

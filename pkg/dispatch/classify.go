package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/harun/steer/pkg/apierr"
)

// genericMessage is what clients see for unclassified failures
const genericMessage = "Internal Server Error"

// Classify maps an error to an HTTP status and client-facing message. It
// reads only the error's kind, never its text. Unclassified errors map to
// a generic 500; callers should log the detail.
func Classify(err error, sessionID string) (int, string) {
	if sessionID == "" {
		sessionID = "unknown"
	}

	kind := apierr.KindOf(err)
	switch kind {
	case apierr.KindNoActiveSession, apierr.KindInternalState:
		return kind.HTTPStatus(), fmt.Sprintf("Session %s invalid or expired. %s", sessionID, message(err))
	case apierr.KindActionTimeout, apierr.KindElementNotFound:
		return kind.HTTPStatus(), fmt.Sprintf("Action failed in session %s: %s", sessionID, message(err))
	case apierr.KindInvalidLocatorFormat, apierr.KindMissingParameter, apierr.KindInvalidRequest,
		apierr.KindSnapshot, apierr.KindEngineLaunch, apierr.KindSessionDestroy:
		return kind.HTTPStatus(), message(err)
	default:
		return http.StatusInternalServerError, genericMessage
	}
}

// message returns the classified error's message; launch and destroy
// failures also carry their cause.
func message(err error) string {
	var e *apierr.Error
	if !errors.As(err, &e) {
		return genericMessage
	}
	switch e.Kind {
	case apierr.KindEngineLaunch, apierr.KindSessionDestroy:
		return e.Error()
	default:
		return e.Message
	}
}

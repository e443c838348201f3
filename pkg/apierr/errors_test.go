package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindInvalidLocatorFormat.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindMissingParameter.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindInvalidRequest.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNoActiveSession.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindInternalState.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindActionTimeout.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindElementNotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindSnapshot.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindEngineLaunch.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindSessionDestroy.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInternal.HTTPStatus())
}

func TestError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("exec: chromium not found")
	err := Wrap(KindEngineLaunch, cause, "failed to launch %s", "chromium")

	assert.Equal(t, "failed to launch chromium: exec: chromium not found", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindEngineLaunch, KindOf(fmt.Errorf("start: %w", err)))
}

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("action: %w", New(KindElementNotFound, "no element found for #x"))

	assert.ErrorIs(t, err, &Error{Kind: KindElementNotFound})
	assert.ErrorIs(t, err, &Error{Kind: KindElementNotFound, Message: "no element found for #x"})
	assert.NotErrorIs(t, err, &Error{Kind: KindElementNotFound, Message: "other"})
	assert.NotErrorIs(t, err, &Error{Kind: KindActionTimeout})
}

func TestError_WithSessionCopies(t *testing.T) {
	base := New(KindNoActiveSession, "no active automation session")
	tagged := base.WithSession("abc")

	assert.Empty(t, base.SessionID)
	assert.Equal(t, "abc", tagged.SessionID)

	var target *Error
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", tagged), &target)
	assert.Equal(t, "abc", target.SessionID)
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/harun/steer/pkg/apierr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestURLPolicy_Check(t *testing.T) {
	strict := NewURLPolicy(PolicyConfig{
		AllowedDomains: []string{"example.com", "*.example.org"},
		BlockedDomains: []string{"ads.example.org"},
	}, zerolog.Nop())

	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://example.com/path", true},
		{"https://EXAMPLE.com", true},
		{"https://www.example.org", true},
		{"https://example.org", true},
		{"https://ads.example.org", false},
		{"https://other.com", false},
		{"file:///etc/passwd", false},
		{"http://localhost:3000", false},
		{"http://127.0.0.1", false},
		{"http://[::1]:8080/", false},
		{"http://0.0.0.0", false},
		{"about:blank", true},
		{"://nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := strict.Check(tt.url)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
		})
	}
}

func TestURLPolicy_Permissive(t *testing.T) {
	open := NewURLPolicy(PolicyConfig{AllowFileURLs: true, AllowLocalhostURLs: true}, zerolog.Nop())

	assert.NoError(t, open.Check("file:///tmp/page.html"))
	assert.NoError(t, open.Check("http://localhost:3000"))
	assert.NoError(t, open.Check("https://anything.test"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		session string
		status  int
		message string
	}{
		{
			name:    "no active session",
			err:     apierr.New(apierr.KindNoActiveSession, "no active automation session"),
			session: "abc",
			status:  http.StatusNotFound,
			message: "Session abc invalid or expired. no active automation session",
		},
		{
			name:    "internal state without id",
			err:     apierr.New(apierr.KindInternalState, "automation resource is gone"),
			status:  http.StatusNotFound,
			message: "Session unknown invalid or expired. automation resource is gone",
		},
		{
			name:    "timeout",
			err:     fmt.Errorf("wrapped: %w", apierr.New(apierr.KindActionTimeout, "timed out on #btn")),
			session: "abc",
			status:  http.StatusNotFound,
			message: "Action failed in session abc: timed out on #btn",
		},
		{
			name:    "locator",
			err:     apierr.New(apierr.KindInvalidLocatorFormat, "Invalid locator format."),
			status:  http.StatusBadRequest,
			message: "Invalid locator format.",
		},
		{
			name:    "launch keeps cause",
			err:     apierr.Wrap(apierr.KindEngineLaunch, errors.New("no chromium"), "failed to launch chromium"),
			status:  http.StatusInternalServerError,
			message: "failed to launch chromium: no chromium",
		},
		{
			name:    "unclassified is generic",
			err:     errors.New("no element found, but only by message"),
			session: "abc",
			status:  http.StatusInternalServerError,
			message: "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := Classify(tt.err, tt.session)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.message, msg)
		})
	}
}

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/steer/internal/metrics"
	"github.com/harun/steer/pkg/commandqueue"
	"github.com/harun/steer/pkg/dispatch"
	"github.com/harun/steer/pkg/engine/enginetest"
	"github.com/harun/steer/pkg/lifecycle"
	"github.com/harun/steer/pkg/sessionstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	launcher *enginetest.Launcher
	manager  *lifecycle.Manager
	hub      *Hub
	metrics  *metrics.Metrics
	server   *Server
	http     *httptest.Server
	client   *http.Client
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	logger := zerolog.Nop()
	launcher := enginetest.NewLauncher()
	queue := commandqueue.New(logger)
	t.Cleanup(func() { queue.Close() })

	manager := lifecycle.NewManager(lifecycle.Config{DefaultHeadless: true}, lifecycle.NewRegistry(), launcher, queue, logger)

	sessions, err := sessionstore.NewManager(sessionstore.NewMemoryStore(), sessionstore.Options{
		Secret: "0123456789abcdef0123456789abcdef",
	}, logger)
	require.NoError(t, err)

	m := metrics.NewMetrics()
	hub := NewHub(logger)
	manager.On(hub.PublishLifecycle)
	manager.On(m.ObserveSession)

	cfg := Config{
		Sessions:       sessions,
		Lifecycle:      manager,
		Dispatcher:     dispatch.NewDispatcher(manager, nil, m, logger),
		Metrics:        m,
		Hub:            hub,
		ActiveSessions: manager.Registry().Len,
		Logger:         logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &fixture{
		launcher: launcher,
		manager:  manager,
		hub:      hub,
		metrics:  m,
		server:   srv,
		http:     ts,
		client:   &http.Client{Jar: jar, Timeout: 10 * time.Second},
	}
}

func (f *fixture) post(t *testing.T, path, body string) (int, map[string]interface{}, *http.Response) {
	t.Helper()

	resp, err := f.client.Post(f.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out, resp
}

func TestSessionActionScenario(t *testing.T) {
	f := newFixture(t, nil)

	code, body, resp := f.post(t, "/session/start", `{}`)
	require.Equal(t, http.StatusCreated, code)
	sessionID, _ := body["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, resp.Cookies())
	assert.Equal(t, sessionstore.DefaultCookieName, resp.Cookies()[0].Name)

	code, body, _ = f.post(t, "/action/goto", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(enginetest.PNG), body["screenshot"])

	page := f.launcher.LastPage()
	require.NotNil(t, page)
	page.Missing["#missing"] = true

	code, body, _ = f.post(t, "/action/click", `{"locator":"#missing","options":{"timeout":50}}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "Action failed in session "+sessionID)

	code, body, _ = f.post(t, "/session/close", ``)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Session "+sessionID+" closed and data destroyed.", body["message"])
	assert.Equal(t, 0, f.launcher.Live())

	code, body, _ = f.post(t, "/action/click", `{"locator":"#anything"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "invalid or expired")
}

func TestDoubleStartKeepsOneResource(t *testing.T) {
	f := newFixture(t, nil)

	code, first, _ := f.post(t, "/session/start", `{}`)
	require.Equal(t, http.StatusCreated, code)
	code, second, _ := f.post(t, "/session/start", `{}`)
	require.Equal(t, http.StatusCreated, code)

	assert.Equal(t, first["sessionId"], second["sessionId"])
	assert.Len(t, f.launcher.Browsers(), 2)
	assert.Equal(t, 1, f.launcher.Live())
	assert.Equal(t, 1, f.manager.Registry().Len())
}

func TestStartOptionsPassThrough(t *testing.T) {
	f := newFixture(t, nil)

	code, _, _ := f.post(t, "/session/start", `{"browser":"chromium","headless":false,"slowMo":25,"args":["--mute-audio"]}`)
	require.Equal(t, http.StatusCreated, code)

	calls := f.launcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "chromium", calls[0].Kind)
	assert.False(t, calls[0].Options.Headless)
	assert.Equal(t, 25.0, calls[0].Options.Params["slowMo"])
	assert.NotContains(t, calls[0].Options.Params, "browser")
	assert.NotContains(t, calls[0].Options.Params, "headless")
}

func TestStartRejectsBadOptions(t *testing.T) {
	f := newFixture(t, nil)

	code, body, _ := f.post(t, "/session/start", `{"headless":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "headless must be a boolean", body["error"])

	code, _, _ = f.post(t, "/session/start", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, f.launcher.Calls())
}

func TestStartLaunchFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.LaunchErr = errors.New("no chromium here")

	code, body, resp := f.post(t, "/session/start", `{}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "no chromium here")
	assert.Empty(t, resp.Cookies())
	assert.Equal(t, 0, f.manager.Registry().Len())
}

func TestActionValidation(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("unknown action", func(t *testing.T) {
		code, body, _ := f.post(t, "/action/teleport", `{}`)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Contains(t, body["error"], "teleport")
	})

	t.Run("missing value before session lookup", func(t *testing.T) {
		code, body, _ := f.post(t, "/action/fill", `{"locator":"#name"}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "value is required for fill action", body["error"])
	})

	t.Run("malformed json", func(t *testing.T) {
		code, _, _ := f.post(t, "/action/click", `{"locator":`)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("no session", func(t *testing.T) {
		code, body, resp := f.post(t, "/action/click", `{"locator":"#a"}`)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Contains(t, body["error"], "invalid or expired")
		assert.Empty(t, resp.Cookies(), "an untouched session must not set a cookie")
	})

	t.Run("locator shape after session lookup", func(t *testing.T) {
		code, body, _ := f.post(t, "/action/click", `{"locator":42}`)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Contains(t, body["error"], "invalid or expired")
	})
}

func TestActionLocatorForms(t *testing.T) {
	f := newFixture(t, nil)

	code, _, _ := f.post(t, "/session/start", `{}`)
	require.Equal(t, http.StatusCreated, code)

	code, _, _ = f.post(t, "/action/click", `{"locator":{"role":"button","name":"Submit"}}`)
	assert.Equal(t, http.StatusOK, code)

	code, body, _ := f.post(t, "/action/click", `{"locator":42}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid locator format. Use string selector or { role, name } object.", body["error"])

	code, _, _ = f.post(t, "/action/click", `{"locator":{"role":"button","name":42},"options":null}`)
	assert.Equal(t, http.StatusOK, code)

	calls := f.launcher.LastPage().Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "role", calls[0].Via)
	assert.Equal(t, "button", calls[0].Role)
	assert.Equal(t, "Submit", calls[0].Name)
	assert.Equal(t, "42", calls[1].Name)
}

func TestSnapshotFailure(t *testing.T) {
	f := newFixture(t, nil)

	code, _, _ := f.post(t, "/session/start", `{}`)
	require.Equal(t, http.StatusCreated, code)
	f.launcher.LastPage().ScreenshotErr = errors.New("compositor gone")

	code, body, _ := f.post(t, "/action/goto", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body["error"], "Failed to take screenshot")
}

func TestGotoBlockedByPolicy(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		policy := dispatch.NewURLPolicy(dispatch.PolicyConfig{BlockedDomains: []string{"blocked.test"}}, zerolog.Nop())
		cfg.Dispatcher = dispatch.NewDispatcher(cfg.Lifecycle.(*lifecycle.Manager), policy, nil, zerolog.Nop())
	})

	code, _, _ := f.post(t, "/session/start", `{}`)
	require.Equal(t, http.StatusCreated, code)

	code, _, _ = f.post(t, "/action/goto", `{"url":"https://blocked.test/"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, f.launcher.LastPage().Calls())
}

type panickingDispatcher struct{}

func (panickingDispatcher) Dispatch(context.Context, lifecycle.SessionContext, string, []byte) (*dispatch.Result, error) {
	panic("boom")
}

func TestRecovererReturnsJSON(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Dispatcher = panickingDispatcher{}
	})

	code, body, _ := f.post(t, "/action/click", `{"locator":"#a"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "Internal Server Error", body["error"])
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RateLimitPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		code, _, _ := f.post(t, "/action/teleport", `{}`)
		assert.Equal(t, http.StatusNotFound, code)
	}

	code, body, resp := f.post(t, "/action/teleport", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "Too Many Requests", body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// health is not rate limited
	resp, err := f.client.Get(f.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	code, _, _ := f.post(t, "/session/start", `{}`)
	require.Equal(t, http.StatusCreated, code)

	resp, err := f.client.Get(f.http.URL + "/health")
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.ActiveSessions)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	resp, err = f.client.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `steer_http_requests_total{code="201",method="POST",route="/session/start"} 1`)
	assert.Contains(t, buf.String(), "steer_sessions_active 1")
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-123")

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(RequestIDHeader))
}

func TestNotFoundRoute(t *testing.T) {
	f := newFixture(t, nil)

	code, body, _ := f.post(t, "/nowhere", `{}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Cannot POST /nowhere", body["error"])
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, nil)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	code, _, _ := f.post(t, "/session/start", `{}`)
	require.Equal(t, http.StatusCreated, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, lifecycle.EventStarted, msg.Event)
	assert.Equal(t, StreamLifecycle, msg.Stream)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestStopRejectsNewRequests(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.server.Stop(context.Background()))
	require.NoError(t, f.server.Stop(context.Background()))

	code, body, _ := f.post(t, "/session/start", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "Server is shutting down", body["error"])
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

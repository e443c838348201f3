package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/steer/pkg/commandqueue"
	"github.com/harun/steer/pkg/lifecycle"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func assertActive(t *testing.T, m *Metrics, want string) {
	t.Helper()

	line := "steer_sessions_active " + want + "\n"
	if body := scrape(t, m); !strings.Contains(body, line) {
		t.Errorf("expected %q in metrics output", strings.TrimSpace(line))
	}
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.Registry() == nil {
		t.Error("Registry is nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestObserveAction(t *testing.T) {
	m := NewMetrics()

	m.ObserveAction("click", "success", 120*time.Millisecond)
	m.ObserveAction("click", "element_not_found", 5*time.Second)
	m.ObserveAction("goto", "snapshot_error", time.Second)

	body := scrape(t, m)
	for _, want := range []string{
		`steer_actions_total{action="click",outcome="success"} 1`,
		`steer_actions_total{action="click",outcome="element_not_found"} 1`,
		`steer_snapshot_failures_total 1`,
		`steer_action_duration_seconds_count{action="click"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestObserveSession(t *testing.T) {
	m := NewMetrics()

	m.ObserveSession(lifecycle.Event{Type: lifecycle.EventStarted, SessionID: "a", Kind: "chromium"})
	m.ObserveSession(lifecycle.Event{Type: lifecycle.EventStarted, SessionID: "b", Kind: "chromium"})
	assertActive(t, m, "2")

	m.ObserveSession(lifecycle.Event{Type: lifecycle.EventClosed, SessionID: "a", Kind: "chromium"})
	m.ObserveSession(lifecycle.Event{Type: lifecycle.EventClosed, SessionID: "never-started"})
	m.ObserveSession(lifecycle.Event{Type: lifecycle.EventReaped, SessionID: "b", Kind: "chromium"})
	assertActive(t, m, "0")

	m.ObserveSession(lifecycle.Event{Type: lifecycle.EventLaunchFailed, SessionID: "c", Kind: "chrome", Error: "boom"})

	body := scrape(t, m)
	for _, want := range []string{
		`steer_sessions_reaped_total 1`,
		`steer_launch_failures_total{engine="chrome"} 1`,
		`steer_session_events_total{type="started"} 2`,
		`steer_session_events_total{type="closed"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestObserveQueueAndReap(t *testing.T) {
	m := NewMetrics()

	m.ObserveQueue(commandqueue.Event{Type: commandqueue.EventEnqueued, Lane: "session:a"})
	m.ObserveQueue(commandqueue.Event{
		Type: commandqueue.EventCompleted,
		Lane: "session:a",
		Data: map[string]interface{}{"duration": int64(250), "success": true},
	})
	m.ObserveQueue(commandqueue.Event{
		Type: commandqueue.EventCompleted,
		Lane: "session:a",
		Data: map[string]interface{}{"duration": int64(10), "success": false},
	})
	m.ObserveReap(lifecycle.ReapResult{Evicted: 1, Swept: 3})

	body := scrape(t, m)
	for _, want := range []string{
		`steer_queue_tasks_total{event="enqueued",result=""} 1`,
		`steer_queue_tasks_total{event="completed",result="true"} 1`,
		`steer_queue_tasks_total{event="completed",result="false"} 1`,
		`steer_queue_task_duration_seconds_count 2`,
		`steer_session_records_swept_total 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestObserveHTTP(t *testing.T) {
	m := NewMetrics()

	m.ObserveHTTP(http.MethodPost, "/action/{kind}", 404, 30*time.Millisecond)

	body := scrape(t, m)
	want := `steer_http_requests_total{code="404",method="POST",route="/action/{kind}"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("metrics output missing %q", want)
	}
}

func TestHandlerServesGoCollector(t *testing.T) {
	m := NewMetrics()
	if body := scrape(t, m); !strings.Contains(body, "go_goroutines") {
		t.Error("expected go runtime metrics")
	}
}

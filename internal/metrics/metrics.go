// Package metrics exposes steer's Prometheus collectors and the adapters
// that feed them from lifecycle, queue and dispatch events.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harun/steer/pkg/apierr"
	"github.com/harun/steer/pkg/commandqueue"
	"github.com/harun/steer/pkg/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "steer"

var snapshotOutcome = strings.ToLower(string(apierr.KindSnapshot))

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionEventsTotal  *prometheus.CounterVec
	LaunchFailuresTotal *prometheus.CounterVec
	SessionsReapedTotal prometheus.Counter
	ReaperSweptTotal    prometheus.Counter

	// Action metrics
	ActionsTotal          *prometheus.CounterVec
	ActionDuration        *prometheus.HistogramVec
	SnapshotFailuresTotal prometheus.Counter

	// Queue metrics
	QueueTasksTotal *prometheus.CounterVec
	QueueWait       prometheus.Histogram

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently bound to a browser",
		}),
		SessionEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Lifecycle events by type",
		}, []string{"type"}),
		LaunchFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Browser launches that failed, by engine kind",
		}, []string{"engine"}),
		SessionsReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions whose browser was closed for inactivity",
		}),
		ReaperSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_records_swept_total",
			Help:      "Expired session records removed from the store",
		}),

		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Dispatched actions by kind and outcome",
		}, []string{"action", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Time from dispatch to response, including the screenshot",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action"}),
		SnapshotFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Actions that succeeded but whose screenshot failed",
		}),

		QueueTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_tasks_total",
			Help:      "Session lane tasks by event and result",
		}, []string{"event", "result"}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_task_duration_seconds",
			Help:      "Run time of session lane tasks",
			Buckets:   prometheus.DefBuckets,
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionEventsTotal,
		m.LaunchFailuresTotal,
		m.SessionsReapedTotal,
		m.ReaperSweptTotal,
		m.ActionsTotal,
		m.ActionDuration,
		m.SnapshotFailuresTotal,
		m.QueueTasksTotal,
		m.QueueWait,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveAction implements dispatch.Observer
func (m *Metrics) ObserveAction(kind, outcome string, took time.Duration) {
	m.ActionsTotal.WithLabelValues(kind, outcome).Inc()
	m.ActionDuration.WithLabelValues(kind).Observe(took.Seconds())
	if outcome == snapshotOutcome {
		m.SnapshotFailuresTotal.Inc()
	}
}

// ObserveSession is a lifecycle.EventHandler
func (m *Metrics) ObserveSession(ev lifecycle.Event) {
	m.SessionEventsTotal.WithLabelValues(strings.TrimPrefix(ev.Type, "session.")).Inc()

	switch ev.Type {
	case lifecycle.EventStarted:
		m.SessionsActive.Inc()
	case lifecycle.EventReplaced:
		m.SessionsActive.Dec()
	case lifecycle.EventClosed:
		// closing a session that never launched carries no engine kind
		if ev.Kind != "" {
			m.SessionsActive.Dec()
		}
	case lifecycle.EventReaped:
		m.SessionsActive.Dec()
		m.SessionsReapedTotal.Inc()
	case lifecycle.EventLaunchFailed:
		m.LaunchFailuresTotal.WithLabelValues(ev.Kind).Inc()
	}
}

// ObserveReap records a reaper pass
func (m *Metrics) ObserveReap(res lifecycle.ReapResult) {
	m.ReaperSweptTotal.Add(float64(res.Swept))
}

// ObserveQueue is a commandqueue.EventHandler
func (m *Metrics) ObserveQueue(ev commandqueue.Event) {
	switch ev.Type {
	case commandqueue.EventEnqueued:
		m.QueueTasksTotal.WithLabelValues(ev.Type, "").Inc()
	case commandqueue.EventCompleted:
		success, _ := ev.Data["success"].(bool)
		m.QueueTasksTotal.WithLabelValues(ev.Type, strconv.FormatBool(success)).Inc()
		if ms, ok := ev.Data["duration"].(int64); ok {
			m.QueueWait.Observe((time.Duration(ms) * time.Millisecond).Seconds())
		}
	}
}

// ObserveHTTP records a finished request
func (m *Metrics) ObserveHTTP(method, route string, code int, took time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

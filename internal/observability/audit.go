// Package observability records an append-only audit trail of session
// lifecycle transitions and configuration changes.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/steer/pkg/lifecycle"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types
const (
	TypeSession = "session"
	TypeConfig  = "config"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	Action    string                 `json:"action"` // e.g. "session.started", "config.reloaded"
	Status    string                 `json:"status"` // "success" or "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLogger writes to w
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// OpenAuditLogger appends to the file at path, creating it if needed
func OpenAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a := NewAuditLogger(file)
	a.file = file
	return a, nil
}

// Record emits an audit event and mirrors it onto the active span, if any
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("session.id", event.SessionID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status).
		Time("at", event.Timestamp)
	if event.SessionID != "" {
		entry.Str("session_id", event.SessionID)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// RecordSession is a lifecycle.EventHandler
func (a *AuditLogger) RecordSession(ev lifecycle.Event) {
	status := "success"
	metadata := map[string]interface{}{}
	if ev.Kind != "" {
		metadata["engine"] = ev.Kind
	}
	if ev.Error != "" || ev.Type == lifecycle.EventLaunchFailed {
		status = "failure"
		metadata["error"] = ev.Error
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	a.Record(context.Background(), AuditEvent{
		Type:      TypeSession,
		Timestamp: ev.Time,
		SessionID: ev.SessionID,
		Action:    ev.Type,
		Status:    status,
		Metadata:  metadata,
	})
}

// RecordConfig records a configuration change
func (a *AuditLogger) RecordConfig(action string, metadata map[string]interface{}) {
	a.Record(context.Background(), AuditEvent{
		Type:     TypeConfig,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

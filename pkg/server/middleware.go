package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harun/steer/internal/tracing"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// loggerFor returns the request-scoped logger installed by requestContext
func loggerFor(r *http.Request) *zerolog.Logger {
	return zerolog.Ctx(r.Context())
}

// requestContext assigns request and trace ids and attaches a logger
// carrying them to the request context.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = tracing.NewRequestID()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := tracing.WithRequestID(r.Context(), requestID)
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())

		logger := tracing.LoggerFromContext(ctx, s.logger)
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog logs every request and records it in the metrics. The route
// label is chi's pattern so path parameters don't explode cardinality.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		took := time.Since(start)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, status, took)
		}

		logger := loggerFor(r)
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", took).
			Str("ip", clientIP(r)).
			Msg("Request completed")
	})
}

// recoverer turns a panicking handler into a 500 with the standard error body
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			loggerFor(r).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Panic in handler")
			writeError(w, http.StatusInternalServerError, genericError)
		}()
		next.ServeHTTP(w, r)
	})
}

// shutdownGuard rejects new requests once Stop has begun
func (s *Server) shutdownGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown.Load() {
			w.Header().Set("Connection", "close")
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/harun/steer/pkg/apierr"
	"github.com/harun/steer/pkg/dispatch"
	"github.com/harun/steer/pkg/lifecycle"
	"github.com/harun/steer/pkg/sessionstore"
)

const genericError = "Internal Server Error"

// errorResponse is the body of every failed request
type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: msg})
}

// readBody reads the request body; an empty body reads as {}
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierr.New(apierr.KindInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, apierr.Wrap(apierr.KindInvalidRequest, err, "failed to read request body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return []byte("{}"), nil
	}
	return body, nil
}

// fail classifies err and writes the response; unclassified failures are
// logged with full detail since the client only sees a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	status, msg := dispatch.Classify(err, sessionID)

	logger := loggerFor(r).With().Str("session_id", sessionID).Logger()
	switch {
	case status >= 500:
		logger.Error().Err(err).Str("kind", string(apierr.KindOf(err))).Msg("Request failed")
	default:
		logger.Debug().Err(err).Str("kind", string(apierr.KindOf(err))).Msg("Request rejected")
	}

	writeError(w, status, msg)
}

// parseStartOptions splits {browser, headless, ...launch} into options;
// everything else passes through to the engine untouched.
func parseStartOptions(body []byte) (lifecycle.StartOptions, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return lifecycle.StartOptions{}, apierr.Wrap(apierr.KindInvalidRequest, err, "request body must be a JSON object")
	}

	var opts lifecycle.StartOptions
	if v, ok := raw["browser"]; ok && v != nil {
		kind, ok := v.(string)
		if !ok {
			return opts, apierr.New(apierr.KindInvalidRequest, "browser must be a string")
		}
		opts.Kind = kind
	}
	if v, ok := raw["headless"]; ok && v != nil {
		headless, ok := v.(bool)
		if !ok {
			return opts, apierr.New(apierr.KindInvalidRequest, "headless must be a boolean")
		}
		opts.Headless = &headless
	}

	delete(raw, "browser")
	delete(raw, "headless")
	if len(raw) > 0 {
		opts.Params = raw
	}
	return opts, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess := sessionstore.FromContext(r.Context())

	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, sess.ID(), err)
		return
	}
	opts, err := parseStartOptions(body)
	if err != nil {
		s.fail(w, r, sess.ID(), err)
		return
	}

	id, err := s.lifecycle.StartSession(r.Context(), sess, opts)
	if err != nil {
		s.fail(w, r, sess.ID(), err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	sess := sessionstore.FromContext(r.Context())
	id := sess.ID()

	if err := s.lifecycle.CloseSession(r.Context(), sess); err != nil {
		s.fail(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Session %s closed and data destroyed.", id),
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !dispatch.IsKnown(kind) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown action %q. Supported actions: %s", kind, strings.Join(dispatch.Kinds(), ", ")))
		return
	}

	sess := sessionstore.FromContext(r.Context())

	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, sess.ID(), err)
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), sess, kind, body)
	if err != nil {
		s.fail(w, r, sess.ID(), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"screenshot": res.Screenshot,
	})
}

// healthResponse reports liveness
type healthResponse struct {
	Status         string  `json:"status"`
	Uptime         float64 `json:"uptime"`
	ActiveSessions int     `json:"activeSessions"`
	Subscribers    int     `json:"subscribers"`
	Timestamp      int64   `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.startTime).Seconds(),
		Timestamp: time.Now().UnixMilli(),
	}
	if s.cfg.ActiveSessions != nil {
		resp.ActiveSessions = s.cfg.ActiveSessions()
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("Cannot %s %s", r.Method, r.URL.Path))
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Cannot %s %s", r.Method, r.URL.Path))
}

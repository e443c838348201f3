// Package dispatch validates action requests and executes them against a
// session's page: schema check, locator resolution, engine call, then a PNG
// snapshot of the page returned as base64.
package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/steer/internal/tracing"
	"github.com/harun/steer/pkg/apierr"
	"github.com/harun/steer/pkg/engine"
	"github.com/harun/steer/pkg/lifecycle"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner executes work against a session's page under the session's lane
type Runner interface {
	Do(ctx context.Context, sess lifecycle.SessionContext, fn func(ctx context.Context, page engine.Page) error) error
}

// Observer receives per-action outcomes. outcome is "success" or the
// lowercased error kind.
type Observer interface {
	ObserveAction(kind, outcome string, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveAction(string, string, time.Duration) {}

// Request is the decoded body of an action request
type Request struct {
	URL     string               `json:"url,omitempty"`
	Locator json.RawMessage      `json:"locator,omitempty"`
	Value   json.RawMessage      `json:"value,omitempty"`
	Options engine.ActionOptions `json:"options"`
}

// Result is a successful action outcome
type Result struct {
	Screenshot string `json:"screenshot"`
}

// Dispatcher runs validated actions
type Dispatcher struct {
	runner   Runner
	policy   atomic.Pointer[URLPolicy]
	observer Observer
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. observer may be nil.
func NewDispatcher(runner Runner, policy *URLPolicy, observer Observer, logger zerolog.Logger) *Dispatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	d := &Dispatcher{
		runner:   runner,
		observer: observer,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
	if policy == nil {
		policy = NewURLPolicy(PolicyConfig{AllowFileURLs: true, AllowLocalhostURLs: true}, logger)
	}
	d.policy.Store(policy)
	return d
}

// SetPolicy swaps the URL policy; in-flight actions keep the old one
func (d *Dispatcher) SetPolicy(policy *URLPolicy) {
	d.policy.Store(policy)
}

// Policy returns the URL policy in force
func (d *Dispatcher) Policy() *URLPolicy {
	return d.policy.Load()
}

// Dispatch validates body for kind and runs the action in sess
func (d *Dispatcher) Dispatch(ctx context.Context, sess lifecycle.SessionContext, kind string, body []byte) (*Result, error) {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "dispatch.action", attribute.String("action.kind", kind))
	defer span.End()

	res, err := d.dispatch(ctx, sess, kind, body)

	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(apierr.KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.observer.ObserveAction(kind, outcome, time.Since(start))

	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, sess lifecycle.SessionContext, kind string, body []byte) (*Result, error) {
	if err := Validate(kind, body); err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, err, "malformed %s request", kind)
	}

	if kind == ActionGoto {
		if err := d.Policy().Check(req.URL); err != nil {
			return nil, err
		}
	}

	var png []byte
	err := d.runner.Do(ctx, sess, func(ctx context.Context, page engine.Page) error {
		if err := execute(ctx, page, kind, &req); err != nil {
			return err
		}

		shot, err := page.Screenshot(ctx)
		if err != nil {
			return apierr.Wrap(apierr.KindSnapshot, err, "Failed to take screenshot: %v", err)
		}
		png = shot
		return nil
	})
	if err != nil {
		if apierr.KindOf(err) == apierr.KindSnapshot {
			logger := tracing.LoggerFromContext(ctx, d.logger)
			logger.Error().Err(err).Str("action", kind).Msg("Screenshot failed after action")
		}
		return nil, err
	}

	return &Result{Screenshot: base64.StdEncoding.EncodeToString(png)}, nil
}

// execute performs one action against page
func execute(ctx context.Context, page engine.Page, kind string, req *Request) error {
	if kind == ActionGoto {
		return page.Goto(ctx, req.URL, req.Options)
	}

	target, err := ResolveLocator(page, req.Locator)
	if err != nil {
		return err
	}

	switch kind {
	case ActionClick:
		return target.Click(ctx, req.Options)
	case ActionHover:
		return target.Hover(ctx, req.Options)
	case ActionCheck:
		return target.Check(ctx, req.Options)
	case ActionUncheck:
		return target.Uncheck(ctx, req.Options)
	case ActionFill:
		return target.Fill(ctx, stringify(req.Value), req.Options)
	case ActionType:
		return target.Type(ctx, stringify(req.Value), req.Options)
	case ActionPress:
		return target.Press(ctx, stringify(req.Value), req.Options)
	case ActionSelectOption:
		return target.SelectOption(ctx, req.Value, req.Options)
	default:
		return apierr.New(apierr.KindInvalidRequest, "unknown action %q", kind)
	}
}

// stringify renders a JSON value as text: strings unquoted, anything else
// as its JSON literal.
func stringify(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

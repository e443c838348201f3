// Package engine describes the automation capability the lifecycle manager
// and dispatcher drive, and provides the go-rod implementation of it.
//
// The object graph mirrors a browser: Launcher -> Browser -> Context -> Page.
// A Page hands out Targets through its selector- and role-based locator
// constructors; every element action goes through a Target.
//
// Implementations tag failures with apierr kinds at this boundary
// (KindElementNotFound, KindActionTimeout) so callers never inspect messages.
package engine

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultKind is used when a start request names no browser
const DefaultKind = "chromium"

// LaunchOptions configures a new browser instance
type LaunchOptions struct {
	Headless bool
	// Params carries launch parameters the caller passed through untouched
	// (args, executablePath, proxy, slowMo, devtools, ...).
	Params map[string]interface{}
}

// Launcher starts browser instances of a named kind
type Launcher interface {
	Launch(ctx context.Context, kind string, opts LaunchOptions) (Browser, error)
}

// Browser is an exclusively owned engine instance
type Browser interface {
	NewContext(ctx context.Context) (Context, error)
	Close() error
}

// Context is an isolation context (separate cookies and storage) inside a Browser
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is the automatable resource bound to a session
type Page interface {
	Goto(ctx context.Context, url string, opts ActionOptions) error
	// Locator builds a target from a raw selector string, verbatim.
	Locator(selector string) Target
	// GetByRole builds a target from an ARIA role, optionally filtered by
	// accessible name.
	GetByRole(role string, opts RoleOptions) Target
	Screenshot(ctx context.Context) ([]byte, error)
}

// RoleOptions filters role-based lookups
type RoleOptions struct {
	Name string
}

// Target is a lazily resolved element handle
type Target interface {
	Click(ctx context.Context, opts ActionOptions) error
	Fill(ctx context.Context, value string, opts ActionOptions) error
	Hover(ctx context.Context, opts ActionOptions) error
	Type(ctx context.Context, text string, opts ActionOptions) error
	Press(ctx context.Context, key string, opts ActionOptions) error
	Check(ctx context.Context, opts ActionOptions) error
	Uncheck(ctx context.Context, opts ActionOptions) error
	// SelectOption receives the client's value untouched: a string, an
	// array, or a {label|value|index} object.
	SelectOption(ctx context.Context, values json.RawMessage, opts ActionOptions) error
	String() string
}

// ActionOptions are the per-request knobs shared by every action
type ActionOptions struct {
	Timeout   float64 `json:"timeout,omitempty"` // milliseconds, 0 = engine default
	Force     bool    `json:"force,omitempty"`
	Delay     float64 `json:"delay,omitempty"`     // milliseconds between keystrokes
	WaitUntil string  `json:"waitUntil,omitempty"` // goto only: load, domcontentloaded, networkidle, commit
}

// TimeoutOr returns the requested timeout, or def when none was given
func (o ActionOptions) TimeoutOr(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return time.Duration(o.Timeout * float64(time.Millisecond))
	}
	return def
}

// DelayDuration returns the per-keystroke delay
func (o ActionOptions) DelayDuration() time.Duration {
	if o.Delay <= 0 {
		return 0
	}
	return time.Duration(o.Delay * float64(time.Millisecond))
}

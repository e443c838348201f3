// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/steer/pkg/apierr"
	"github.com/harun/steer/pkg/engine"
)

// PNG is the screenshot returned by fake pages unless overridden
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// LaunchCall records one Launch invocation
type LaunchCall struct {
	Kind    string
	Options engine.LaunchOptions
}

// Launcher is a fake engine.Launcher
type Launcher struct {
	mu sync.Mutex

	// LaunchErr, ContextErr and PageErr fail the matching step
	LaunchErr  error
	ContextErr error
	PageErr    error
	// CloseErr is returned by every Browser.Close
	CloseErr error
	// LaunchDelay slows down every launch
	LaunchDelay time.Duration
	// PageSetup configures each new page before it is handed out
	PageSetup func(*Page)

	calls    []LaunchCall
	browsers []*Browser
}

// NewLauncher creates a fake launcher
func NewLauncher() *Launcher {
	return &Launcher{}
}

func (l *Launcher) Launch(ctx context.Context, kind string, opts engine.LaunchOptions) (engine.Browser, error) {
	l.mu.Lock()
	l.calls = append(l.calls, LaunchCall{Kind: kind, Options: opts})
	delay, launchErr := l.LaunchDelay, l.LaunchErr
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if launchErr != nil {
		return nil, launchErr
	}

	b := &Browser{Kind: kind, Options: opts, launcher: l}
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

// Calls returns every launch request seen so far
func (l *Launcher) Calls() []LaunchCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LaunchCall(nil), l.calls...)
}

// Browsers returns every browser launched so far
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Live counts launched browsers that have not been closed
func (l *Launcher) Live() int {
	n := 0
	for _, b := range l.Browsers() {
		if !b.Closed() {
			n++
		}
	}
	return n
}

// LastPage returns the most recently opened page, or nil
func (l *Launcher) LastPage() *Page {
	browsers := l.Browsers()
	for i := len(browsers) - 1; i >= 0; i-- {
		if p := browsers[i].lastPage(); p != nil {
			return p
		}
	}
	return nil
}

// Browser is a fake engine.Browser
type Browser struct {
	Kind    string
	Options engine.LaunchOptions

	launcher *Launcher
	closed   atomic.Bool
	mu       sync.Mutex
	contexts []*Context
}

func (b *Browser) NewContext(ctx context.Context) (engine.Context, error) {
	b.launcher.mu.Lock()
	err := b.launcher.ContextErr
	b.launcher.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &Context{browser: b}
	b.mu.Lock()
	b.contexts = append(b.contexts, c)
	b.mu.Unlock()
	return c, nil
}

func (b *Browser) Close() error {
	b.closed.Store(true)
	b.launcher.mu.Lock()
	defer b.launcher.mu.Unlock()
	return b.launcher.CloseErr
}

// Closed reports whether Close was called
func (b *Browser) Closed() bool {
	return b.closed.Load()
}

func (b *Browser) lastPage() *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.contexts) - 1; i >= 0; i-- {
		if p := b.contexts[i].lastPage(); p != nil {
			return p
		}
	}
	return nil
}

// Context is a fake engine.Context
type Context struct {
	browser *Browser
	closed  atomic.Bool
	mu      sync.Mutex
	pages   []*Page
}

func (c *Context) NewPage(ctx context.Context) (engine.Page, error) {
	l := c.browser.launcher
	l.mu.Lock()
	err, setup := l.PageErr, l.PageSetup
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p := NewPage()
	if setup != nil {
		setup(p)
	}
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

func (c *Context) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called
func (c *Context) Closed() bool {
	return c.closed.Load()
}

func (c *Context) lastPage() *Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pages) == 0 {
		return nil
	}
	return c.pages[len(c.pages)-1]
}

// Call records one page or target interaction
type Call struct {
	Action   string // goto, click, fill, ...
	Via      string // "locator" or "role"; empty for goto
	Selector string
	Role     string
	Name     string
	Value    string
	Options  engine.ActionOptions
}

// Page is a fake engine.Page. Configure it before use or from
// Launcher.PageSetup.
type Page struct {
	mu sync.Mutex

	// Missing lists target descriptions ("#id", "role=button[name=\"Go\"]")
	// that resolve to nothing.
	Missing map[string]bool
	// Errors fails actions by name
	Errors map[string]error
	// ScreenshotErr fails every capture
	ScreenshotErr error
	// PNG is returned by Screenshot
	PNG []byte
	// Hold, when set, blocks every action until it is closed
	Hold chan struct{}

	calls       []Call
	inFlight    int
	maxInFlight int
}

// NewPage creates an unconfigured fake page
func NewPage() *Page {
	return &Page{
		Missing: make(map[string]bool),
		Errors:  make(map[string]error),
		PNG:     PNG,
	}
}

// Calls returns the interactions recorded so far
func (p *Page) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// MaxConcurrent returns the highest number of overlapping actions observed
func (p *Page) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

func (p *Page) run(ctx context.Context, call Call, desc string) error {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	hold := p.Hold
	missing := desc != "" && p.Missing[desc]
	err := p.Errors[call.Action]
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return apierr.Wrap(apierr.KindActionTimeout, ctx.Err(), "timed out on %s", desc)
		}
	}
	if missing {
		return apierr.New(apierr.KindElementNotFound, "no element found for %s", desc)
	}
	return err
}

func (p *Page) Goto(ctx context.Context, url string, opts engine.ActionOptions) error {
	return p.run(ctx, Call{Action: "goto", Value: url, Options: opts}, "")
}

func (p *Page) Locator(selector string) engine.Target {
	return &Target{page: p, via: "locator", selector: selector}
}

func (p *Page) GetByRole(role string, opts engine.RoleOptions) engine.Target {
	return &Target{page: p, via: "role", role: role, name: opts.Name}
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	return p.PNG, nil
}

// Target is a fake engine.Target
type Target struct {
	page     *Page
	via      string
	selector string
	role     string
	name     string
}

func (t *Target) String() string {
	if t.via == "role" {
		if t.name == "" {
			return "role=" + t.role
		}
		return fmt.Sprintf("role=%s[name=%q]", t.role, t.name)
	}
	return t.selector
}

func (t *Target) act(ctx context.Context, action, value string, opts engine.ActionOptions) error {
	return t.page.run(ctx, Call{
		Action:   action,
		Via:      t.via,
		Selector: t.selector,
		Role:     t.role,
		Name:     t.name,
		Value:    value,
		Options:  opts,
	}, t.String())
}

func (t *Target) Click(ctx context.Context, opts engine.ActionOptions) error {
	return t.act(ctx, "click", "", opts)
}

func (t *Target) Fill(ctx context.Context, value string, opts engine.ActionOptions) error {
	return t.act(ctx, "fill", value, opts)
}

func (t *Target) Hover(ctx context.Context, opts engine.ActionOptions) error {
	return t.act(ctx, "hover", "", opts)
}

func (t *Target) Type(ctx context.Context, text string, opts engine.ActionOptions) error {
	return t.act(ctx, "type", text, opts)
}

func (t *Target) Press(ctx context.Context, key string, opts engine.ActionOptions) error {
	return t.act(ctx, "press", key, opts)
}

func (t *Target) Check(ctx context.Context, opts engine.ActionOptions) error {
	return t.act(ctx, "check", "", opts)
}

func (t *Target) Uncheck(ctx context.Context, opts engine.ActionOptions) error {
	return t.act(ctx, "uncheck", "", opts)
}

func (t *Target) SelectOption(ctx context.Context, values json.RawMessage, opts engine.ActionOptions) error {
	return t.act(ctx, "selectOption", string(values), opts)
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/steer/pkg/apierr"
)

// rodPage is a single tab inside an incognito context
type rodPage struct {
	page          *rod.Page
	actionTimeout time.Duration
}

// scoped binds the page to ctx with the action's timeout; call the returned
// func to release the timer.
func (p *rodPage) scoped(ctx context.Context, opts ActionOptions) (*rod.Page, func()) {
	pg := p.page.Context(ctx).Timeout(opts.TimeoutOr(p.actionTimeout))
	return pg, func() { pg.CancelTimeout() }
}

func (p *rodPage) Goto(ctx context.Context, url string, opts ActionOptions) error {
	pg, release := p.scoped(ctx, opts)
	defer release()

	if err := pg.Navigate(url); err != nil {
		return tagActionError(err, "goto "+url)
	}

	var err error
	switch opts.WaitUntil {
	case "", "load":
		err = pg.WaitLoad()
	case "domcontentloaded":
		_, err = pg.Eval(domContentLoadedJS)
	case "networkidle":
		if err = pg.WaitLoad(); err == nil {
			err = pg.WaitIdle(2 * time.Second)
		}
	case "commit":
	default:
		return apierr.New(apierr.KindInvalidRequest, "invalid waitUntil %q (must be load, domcontentloaded, networkidle or commit)", opts.WaitUntil)
	}
	if err != nil {
		return tagActionError(err, "goto "+url)
	}
	return nil
}

func (p *rodPage) Locator(selector string) Target {
	return &rodTarget{
		page: p,
		desc: selector,
		find: func(pg *rod.Page) (*rod.Element, error) {
			return pg.Element(selector)
		},
	}
}

func (p *rodPage) GetByRole(role string, opts RoleOptions) Target {
	desc := "role=" + role
	if opts.Name != "" {
		desc = fmt.Sprintf("role=%s[name=%q]", role, opts.Name)
	}
	return &rodTarget{
		page: p,
		desc: desc,
		find: func(pg *rod.Page) (*rod.Element, error) {
			return pg.ElementByJS(rod.Eval(roleQueryJS, role, opts.Name))
		},
	}
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	pg, release := p.scoped(ctx, ActionOptions{})
	defer release()

	return pg.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// rodTarget resolves its element on every action so it never holds a
// stale node across navigations.
type rodTarget struct {
	page *rodPage
	desc string
	find func(pg *rod.Page) (*rod.Element, error)
}

func (t *rodTarget) String() string {
	return t.desc
}

// with resolves the element under the action's deadline and runs fn on it
func (t *rodTarget) with(ctx context.Context, opts ActionOptions, fn func(pg *rod.Page, el *rod.Element) error) error {
	pg, release := t.page.scoped(ctx, opts)
	defer release()

	el, err := t.find(pg)
	if err != nil {
		return tagLookupError(err, t.desc)
	}
	if err := fn(pg, el); err != nil {
		return tagActionError(err, t.desc)
	}
	return nil
}

func (t *rodTarget) Click(ctx context.Context, opts ActionOptions) error {
	return t.with(ctx, opts, func(_ *rod.Page, el *rod.Element) error {
		if opts.Force {
			_, err := el.Eval(`() => this.click()`)
			return err
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	})
}

func (t *rodTarget) Fill(ctx context.Context, value string, opts ActionOptions) error {
	return t.with(ctx, opts, func(_ *rod.Page, el *rod.Element) error {
		if err := el.SelectAllText(); err != nil {
			return err
		}
		return el.Input(value)
	})
}

func (t *rodTarget) Hover(ctx context.Context, opts ActionOptions) error {
	return t.with(ctx, opts, func(_ *rod.Page, el *rod.Element) error {
		return el.Hover()
	})
}

func (t *rodTarget) Type(ctx context.Context, text string, opts ActionOptions) error {
	delay := opts.DelayDuration()
	return t.with(ctx, opts, func(_ *rod.Page, el *rod.Element) error {
		if delay == 0 {
			return el.Input(text)
		}
		for _, r := range text {
			if err := el.Input(string(r)); err != nil {
				return err
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

func (t *rodTarget) Press(ctx context.Context, key string, opts ActionOptions) error {
	chord, err := parseChord(key)
	if err != nil {
		return err
	}
	return t.with(ctx, opts, func(pg *rod.Page, el *rod.Element) error {
		if err := el.Focus(); err != nil {
			return err
		}
		return pg.KeyActions().Press(chord.modifiers...).Type(chord.key).Do()
	})
}

func (t *rodTarget) Check(ctx context.Context, opts ActionOptions) error {
	return t.setChecked(ctx, opts, true)
}

func (t *rodTarget) Uncheck(ctx context.Context, opts ActionOptions) error {
	return t.setChecked(ctx, opts, false)
}

func (t *rodTarget) setChecked(ctx context.Context, opts ActionOptions, want bool) error {
	return t.with(ctx, opts, func(_ *rod.Page, el *rod.Element) error {
		state, err := el.Property("checked")
		if err != nil {
			return err
		}
		if state.Bool() == want {
			return nil
		}
		if opts.Force {
			_, err = el.Eval(`() => this.click()`)
		} else {
			err = el.Click(proto.InputMouseButtonLeft, 1)
		}
		if err != nil {
			return err
		}
		state, err = el.Property("checked")
		if err != nil {
			return err
		}
		if state.Bool() != want {
			return fmt.Errorf("clicking %s did not change its checked state", t.desc)
		}
		return nil
	})
}

func (t *rodTarget) SelectOption(ctx context.Context, values json.RawMessage, opts ActionOptions) error {
	var spec interface{}
	if err := json.Unmarshal(values, &spec); err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, err, "invalid selectOption value")
	}
	return t.with(ctx, opts, func(_ *rod.Page, el *rod.Element) error {
		res, err := el.Eval(selectOptionJS, spec)
		if err != nil {
			return err
		}
		if missing := res.Value.Int(); missing > 0 {
			return apierr.New(apierr.KindElementNotFound, "no option matching %s in %s", string(values), t.desc)
		}
		return nil
	})
}

// tagLookupError classifies a failure to resolve a target
func tagLookupError(err error, desc string) error {
	var notFound *rod.ElementNotFoundError
	switch {
	case errors.As(err, &notFound), errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.KindElementNotFound, err, "no element found for %s", desc)
	default:
		return tagActionError(err, desc)
	}
}

// tagActionError classifies a failure while acting on a resolved target
func tagActionError(err error, desc string) error {
	var (
		classified     *apierr.Error
		notInteractive *rod.NotInteractableError
		covered        *rod.CoveredError
		invisible      *rod.InvisibleShapeError
		noPointer      *rod.NoPointerEventsError
	)
	switch {
	case errors.As(err, &classified):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.KindActionTimeout, err, "timed out on %s", desc)
	case errors.As(err, &notInteractive), errors.As(err, &covered),
		errors.As(err, &invisible), errors.As(err, &noPointer):
		return apierr.Wrap(apierr.KindActionTimeout, err, "%s is not interactable", desc)
	default:
		return err
	}
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// RodConfig configures the rod-backed launcher
type RodConfig struct {
	Bin           string        // browser binary, empty = rod's own lookup/download
	NoSandbox     bool          // pass --no-sandbox (containers)
	ActionTimeout time.Duration // default per-action timeout
}

// RodLauncher launches Chromium-family browsers over CDP
type RodLauncher struct {
	cfg    RodConfig
	logger zerolog.Logger
}

// NewRodLauncher creates a launcher
func NewRodLauncher(cfg RodConfig, logger zerolog.Logger) *RodLauncher {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	return &RodLauncher{
		cfg:    cfg,
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

// Launch spawns a browser process and connects to it
func (l *RodLauncher) Launch(ctx context.Context, kind string, opts LaunchOptions) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bin, err := l.resolveBin(kind)
	if err != nil {
		return nil, err
	}

	ln := launcher.New().
		Headless(opts.Headless).
		NoSandbox(l.cfg.NoSandbox)
	if bin != "" {
		ln = ln.Bin(bin)
	}

	slowMotion, err := applyLaunchParams(ln, opts.Params, l.logger)
	if err != nil {
		return nil, err
	}

	controlURL, err := ln.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", kind, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		ln.Kill()
		ln.Cleanup()
		return nil, fmt.Errorf("failed to connect to CDP: %w", err)
	}
	if slowMotion > 0 {
		browser = browser.SlowMotion(slowMotion)
	}

	l.logger.Debug().
		Str("kind", kind).
		Bool("headless", opts.Headless).
		Int("pid", ln.PID()).
		Msg("Browser launched")

	return &rodBrowser{
		browser:       browser,
		launcher:      ln,
		actionTimeout: l.cfg.ActionTimeout,
	}, nil
}

// resolveBin maps an engine kind to a browser binary
func (l *RodLauncher) resolveBin(kind string) (string, error) {
	switch strings.ToLower(kind) {
	case "", "chromium":
		return l.cfg.Bin, nil
	case "chrome":
		if path, ok := launcher.LookPath(); ok {
			return path, nil
		}
		return "", fmt.Errorf("no local chrome installation found")
	default:
		return "", fmt.Errorf("unsupported browser kind %q: only chromium-family browsers can be driven", kind)
	}
}

// applyLaunchParams maps pass-through launch parameters onto the launcher
// and returns the requested slow-motion delay.
func applyLaunchParams(ln *launcher.Launcher, params map[string]interface{}, logger zerolog.Logger) (time.Duration, error) {
	var slowMotion time.Duration

	for key, raw := range params {
		switch key {
		case "executablePath":
			path, ok := raw.(string)
			if !ok {
				return 0, fmt.Errorf("executablePath must be a string")
			}
			ln.Bin(path)
		case "args":
			args, ok := raw.([]interface{})
			if !ok {
				return 0, fmt.Errorf("args must be an array of strings")
			}
			for _, a := range args {
				s, ok := a.(string)
				if !ok {
					return 0, fmt.Errorf("args must be an array of strings")
				}
				name, value, hasValue := strings.Cut(strings.TrimLeft(s, "-"), "=")
				if hasValue {
					ln.Set(flags.Flag(name), value)
				} else {
					ln.Set(flags.Flag(name))
				}
			}
		case "proxy":
			switch p := raw.(type) {
			case string:
				ln.Proxy(p)
			case map[string]interface{}:
				if server, ok := p["server"].(string); ok {
					ln.Proxy(server)
				}
			}
		case "devtools":
			if b, ok := raw.(bool); ok {
				ln.Devtools(b)
			}
		case "chromiumSandbox":
			if b, ok := raw.(bool); ok {
				ln.NoSandbox(!b)
			}
		case "slowMo":
			if ms, ok := raw.(float64); ok && ms > 0 {
				slowMotion = time.Duration(ms * float64(time.Millisecond))
			}
		default:
			logger.Debug().Str("param", key).Msg("Ignoring unsupported launch parameter")
		}
	}

	return slowMotion, nil
}

// rodBrowser owns the browser process
type rodBrowser struct {
	browser       *rod.Browser
	launcher      *launcher.Launcher
	actionTimeout time.Duration
}

func (b *rodBrowser) NewContext(ctx context.Context) (Context, error) {
	incognito, err := b.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create isolation context: %w", err)
	}
	// Detach from the request context; the isolation context outlives it.
	return &rodContext{browser: incognito.Context(context.Background()), actionTimeout: b.actionTimeout}, nil
}

// Close closes the browser and reaps its process and profile directory
func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	b.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

// rodContext is an incognito browser context
type rodContext struct {
	browser       *rod.Browser
	actionTimeout time.Duration
}

func (c *rodContext) NewPage(ctx context.Context) (Page, error) {
	page, err := c.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &rodPage{page: page.Context(context.Background()), actionTimeout: c.actionTimeout}, nil
}

func (c *rodContext) Close() error {
	return c.browser.Close()
}

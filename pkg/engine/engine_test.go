package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/harun/steer/pkg/apierr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionOptions_TimeoutOr(t *testing.T) {
	assert.Equal(t, 30*time.Second, ActionOptions{}.TimeoutOr(30*time.Second))
	assert.Equal(t, 1500*time.Millisecond, ActionOptions{Timeout: 1500}.TimeoutOr(30*time.Second))
	assert.Equal(t, time.Duration(0), ActionOptions{Delay: -5}.DelayDuration())
	assert.Equal(t, 20*time.Millisecond, ActionOptions{Delay: 20}.DelayDuration())
}

func TestParseChord(t *testing.T) {
	tests := []struct {
		in        string
		key       input.Key
		modifiers []input.Key
	}{
		{in: "Enter", key: input.Enter},
		{in: "enter", key: input.Enter},
		{in: "a", key: input.Key('a')},
		{in: "+", key: input.Key('+')},
		{in: "Control+A", key: input.Key('A'), modifiers: []input.Key{input.ControlLeft}},
		{in: "Shift+Alt+ArrowDown", key: input.ArrowDown, modifiers: []input.Key{input.ShiftLeft, input.AltLeft}},
		{in: "Meta+F5", key: input.F5, modifiers: []input.Key{input.MetaLeft}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := parseChord(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.key, c.key)
			assert.Equal(t, tt.modifiers, c.modifiers)
		})
	}
}

func TestParseChord_Rejects(t *testing.T) {
	_, err := parseChord("")
	assert.Equal(t, apierr.KindMissingParameter, apierr.KindOf(err))

	for _, in := range []string{"NoSuchKey", "Hyper+a", "é"} {
		_, err := parseChord(in)
		assert.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err), in)
	}
}

func TestRodLauncher_ResolveBin(t *testing.T) {
	l := NewRodLauncher(RodConfig{Bin: "/opt/chromium/chrome"}, zerolog.Nop())

	bin, err := l.resolveBin("chromium")
	require.NoError(t, err)
	assert.Equal(t, "/opt/chromium/chrome", bin)

	bin, err = l.resolveBin("")
	require.NoError(t, err)
	assert.Equal(t, "/opt/chromium/chrome", bin)

	_, err = l.resolveBin("firefox")
	assert.ErrorContains(t, err, "unsupported browser kind")
}

func TestRodLauncher_LaunchHonoursCancelledContext(t *testing.T) {
	l := NewRodLauncher(RodConfig{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Launch(ctx, "chromium", LaunchOptions{Headless: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRodLauncher_LaunchRejectsNonChromiumKinds(t *testing.T) {
	l := NewRodLauncher(RodConfig{}, zerolog.Nop())

	for _, kind := range []string{"firefox", "webkit"} {
		_, err := l.Launch(context.Background(), kind, LaunchOptions{Headless: true})
		assert.ErrorContains(t, err, "unsupported browser kind", kind)
	}
}

func TestApplyLaunchParams(t *testing.T) {
	ln := launcher.New()

	slow, err := applyLaunchParams(ln, map[string]interface{}{
		"args":           []interface{}{"--disable-gpu", "--window-size=800,600"},
		"proxy":          map[string]interface{}{"server": "http://proxy:3128"},
		"executablePath": "/usr/bin/chromium",
		"slowMo":         250.0,
		"unknownOption":  true,
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, slow)
	assert.True(t, ln.Has(flags.Flag("disable-gpu")))
	assert.Equal(t, "800,600", ln.Get(flags.Flag("window-size")))
	assert.Equal(t, "http://proxy:3128", ln.Get(flags.ProxyServer))
	assert.Equal(t, "/usr/bin/chromium", ln.Get(flags.Bin))
}

func TestApplyLaunchParams_RejectsMalformed(t *testing.T) {
	_, err := applyLaunchParams(launcher.New(), map[string]interface{}{"args": "--disable-gpu"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = applyLaunchParams(launcher.New(), map[string]interface{}{"args": []interface{}{1}}, zerolog.Nop())
	assert.Error(t, err)

	_, err = applyLaunchParams(launcher.New(), map[string]interface{}{"executablePath": 3}, zerolog.Nop())
	assert.Error(t, err)
}

func TestTagLookupError(t *testing.T) {
	err := tagLookupError(&rod.ElementNotFoundError{}, "#missing")
	assert.Equal(t, apierr.KindElementNotFound, apierr.KindOf(err))
	assert.Contains(t, err.Error(), "#missing")

	err = tagLookupError(fmt.Errorf("waiting: %w", context.DeadlineExceeded), "#slow")
	assert.Equal(t, apierr.KindElementNotFound, apierr.KindOf(err))
}

func TestTagActionError(t *testing.T) {
	err := tagActionError(context.DeadlineExceeded, "#btn")
	assert.Equal(t, apierr.KindActionTimeout, apierr.KindOf(err))

	err = tagActionError(&rod.NotInteractableError{}, "#btn")
	assert.Equal(t, apierr.KindActionTimeout, apierr.KindOf(err))
	assert.Contains(t, err.Error(), "not interactable")

	classified := apierr.New(apierr.KindElementNotFound, "no option")
	assert.Same(t, classified, tagActionError(classified, "#sel"))

	plain := errors.New("websocket closed")
	assert.Same(t, plain, tagActionError(plain, "#btn"))
	assert.Equal(t, apierr.KindInternal, apierr.KindOf(tagActionError(plain, "#btn")))
}

package engine

import (
	"strings"

	"github.com/go-rod/rod/lib/input"
	"github.com/harun/steer/pkg/apierr"
)

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"space":      input.Space,
	"f1":         input.F1,
	"f2":         input.F2,
	"f3":         input.F3,
	"f4":         input.F4,
	"f5":         input.F5,
	"f6":         input.F6,
	"f7":         input.F7,
	"f8":         input.F8,
	"f9":         input.F9,
	"f10":        input.F10,
	"f11":        input.F11,
	"f12":        input.F12,
}

var modifierKeys = map[string]input.Key{
	"shift":   input.ShiftLeft,
	"control": input.ControlLeft,
	"ctrl":    input.ControlLeft,
	"alt":     input.AltLeft,
	"meta":    input.MetaLeft,
	"cmd":     input.MetaLeft,
}

// chord is a key with the modifiers held while it is pressed
type chord struct {
	modifiers []input.Key
	key       input.Key
}

// parseChord parses "Enter", "a" or "Control+Shift+K" style key descriptions
func parseChord(s string) (chord, error) {
	if s == "" {
		return chord{}, apierr.New(apierr.KindMissingParameter, "press requires a non-empty key")
	}
	// A lone "+" is the plus key, not a separator.
	if s == "+" {
		return chord{key: input.Key('+')}, nil
	}

	parts := strings.Split(s, "+")
	var c chord
	for _, name := range parts[:len(parts)-1] {
		mod, ok := modifierKeys[strings.ToLower(name)]
		if !ok {
			return chord{}, apierr.New(apierr.KindInvalidRequest, "unknown modifier %q in key %q", name, s)
		}
		c.modifiers = append(c.modifiers, mod)
	}

	key, err := parseKey(parts[len(parts)-1])
	if err != nil {
		return chord{}, apierr.New(apierr.KindInvalidRequest, "unknown key %q", s)
	}
	c.key = key
	return c, nil
}

func parseKey(name string) (input.Key, error) {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	if k, ok := modifierKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	runes := []rune(name)
	if len(runes) == 1 && runes[0] >= 0x20 && runes[0] < 0x7f {
		return input.Key(runes[0]), nil
	}
	return 0, apierr.New(apierr.KindInvalidRequest, "unknown key %q", name)
}

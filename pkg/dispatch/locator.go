package dispatch

import (
	"bytes"
	"encoding/json"

	"github.com/harun/steer/pkg/apierr"
	"github.com/harun/steer/pkg/engine"
)

// ResolveLocator turns a client locator into an engine target. A JSON string
// is used verbatim as a selector; an object with a non-empty role selects by
// ARIA role and optional accessible name. A numeric or boolean name is
// matched by its JSON text.
func ResolveLocator(page engine.Page, raw json.RawMessage) (engine.Target, error) {
	var selector string
	if err := json.Unmarshal(raw, &selector); err == nil {
		return page.Locator(selector), nil
	}

	var byRole struct {
		Role string          `json:"role"`
		Name json.RawMessage `json:"name"`
	}
	if err := json.Unmarshal(raw, &byRole); err == nil && byRole.Role != "" && scalarName(byRole.Name) {
		return page.GetByRole(byRole.Role, engine.RoleOptions{Name: stringify(byRole.Name)}), nil
	}

	return nil, apierr.New(apierr.KindInvalidLocatorFormat,
		"Invalid locator format. Use string selector or { role, name } object.")
}

func scalarName(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[')
}

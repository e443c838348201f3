package dispatch

import (
	"fmt"
	"sort"

	"github.com/harun/steer/pkg/apierr"
	"github.com/xeipuuv/gojsonschema"
)

// Action kinds
const (
	ActionGoto         = "goto"
	ActionClick        = "click"
	ActionFill         = "fill"
	ActionHover        = "hover"
	ActionType         = "type"
	ActionPress        = "press"
	ActionCheck        = "check"
	ActionUncheck      = "uncheck"
	ActionSelectOption = "selectOption"
)

const optionsSchema = `{
	"type": ["object", "null"],
	"properties": {
		"timeout": {"type": "number", "minimum": 0},
		"force": {"type": "boolean"},
		"delay": {"type": "number", "minimum": 0},
		"waitUntil": {"enum": ["load", "domcontentloaded", "networkidle", "commit"]}
	}
}`

// present rejects null and, for fields that must be truthy, empty values
const (
	notNull   = `{"not": {"type": "null"}}`
	notFalsey = `{"not": {"enum": [null, "", false, 0]}}`
)

// actionSchemas declares, per kind, what a request body must carry.
// Locator shape is checked by ResolveLocator, not here, so that a
// malformed locator reports InvalidLocatorFormat.
var actionSchemas = map[string]string{
	ActionGoto:         bodySchema([]string{"url"}, map[string]string{"url": `{"allOf": [` + notFalsey + `, {"type": "string"}]}`}),
	ActionClick:        bodySchema([]string{"locator"}, map[string]string{"locator": notFalsey}),
	ActionHover:        bodySchema([]string{"locator"}, map[string]string{"locator": notFalsey}),
	ActionCheck:        bodySchema([]string{"locator"}, map[string]string{"locator": notFalsey}),
	ActionUncheck:      bodySchema([]string{"locator"}, map[string]string{"locator": notFalsey}),
	ActionFill:         bodySchema([]string{"locator", "value"}, map[string]string{"locator": notFalsey, "value": notNull}),
	ActionType:         bodySchema([]string{"locator", "value"}, map[string]string{"locator": notFalsey, "value": notNull}),
	ActionPress:        bodySchema([]string{"locator", "value"}, map[string]string{"locator": notFalsey, "value": notFalsey}),
	ActionSelectOption: bodySchema([]string{"locator", "value"}, map[string]string{"locator": notFalsey, "value": notNull}),
}

func bodySchema(required []string, props map[string]string) string {
	s := `{"type": "object", "properties": {"options": ` + optionsSchema
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s += fmt.Sprintf(`, %q: %s`, k, props[k])
	}
	s += `}, "required": [`
	for i, r := range required {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%q", r)
	}
	return s + `]}`
}

// compiledSchemas holds the parsed schema of every action kind
var compiledSchemas = mustCompile(actionSchemas)

func mustCompile(src map[string]string) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(src))
	for kind, s := range src {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
		if err != nil {
			panic(fmt.Sprintf("invalid schema for action %s: %v", kind, err))
		}
		out[kind] = schema
	}
	return out
}

// Kinds returns the supported action kinds, sorted
func Kinds() []string {
	kinds := make([]string, 0, len(compiledSchemas))
	for k := range compiledSchemas {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// IsKnown reports whether kind names a supported action
func IsKnown(kind string) bool {
	_, ok := compiledSchemas[kind]
	return ok
}

// Validate checks a request body against the kind's schema. A missing or
// empty required field is a MissingParameter error; any other violation is
// an InvalidRequest.
func Validate(kind string, body []byte) error {
	schema, ok := compiledSchemas[kind]
	if !ok {
		return apierr.New(apierr.KindInvalidRequest, "unknown action %q", kind)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, err, "request body is not valid JSON")
	}
	if result.Valid() {
		return nil
	}

	// Report missing parameters first, in schema order.
	for _, re := range result.Errors() {
		if field, ok := missingField(re); ok {
			return apierr.New(apierr.KindMissingParameter, "%s is required for %s action", field, kind)
		}
	}

	re := result.Errors()[0]
	return apierr.New(apierr.KindInvalidRequest, "invalid %s: %s", re.Field(), re.Description())
}

// missingField reports the field a "required" or "not" violation refers to
func missingField(re gojsonschema.ResultError) (string, bool) {
	switch re.Type() {
	case "required":
		if prop, ok := re.Details()["property"].(string); ok {
			return prop, true
		}
	case "number_not":
		if field := re.Field(); field != "(root)" {
			return field, true
		}
	}
	return "", false
}

package subagent

import (
	"fmt"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// validateSchema checks value against schema's permissive subset: top-level
// type, property types, and required-property presence. It returns every
// violation found, not just the first, so callers can choose to fail fast
// (pre-flight) or collect warnings (post-flight).
func validateSchema(value map[string]any, schema *routepilot.Schema) []string {
	if schema == nil {
		return nil
	}
	var issues []string
	if schema.Type != "" && schema.Type != "object" {
		issues = append(issues, fmt.Sprintf("top-level type %q not supported", schema.Type))
	}
	for _, req := range schema.Required {
		if _, ok := value[req]; !ok {
			issues = append(issues, fmt.Sprintf("missing required property %q", req))
		}
	}
	for name, prop := range schema.Properties {
		v, ok := value[name]
		if !ok {
			continue
		}
		if !typeMatches(v, prop.Type) {
			issues = append(issues, fmt.Sprintf("property %q: want type %q", name, prop.Type))
		}
	}
	return issues
}

func typeMatches(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gantrydev/gantry/internal/mcp"
)

// synthesizeInstruction renders a usage instruction for the planner prompt
// from a tool's JSON-schema-like parameter description.
func synthesizeInstruction(def mcp.ToolDefinition) string {
	props, required := schemaParams(def.InputSchema)
	if len(props) == 0 {
		return fmt.Sprintf("Tool %q takes no explicitly defined parameters.", def.Name)
	}

	requiredSet := make(map[string]bool, len(required))
	for _, name := range required {
		requiredSet[name] = true
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names)+1)
	lines = append(lines, "Parameters:")
	for _, name := range names {
		paramType := "any"
		description := ""
		if spec, ok := props[name].(map[string]any); ok {
			if t, ok := spec["type"].(string); ok && strings.TrimSpace(t) != "" {
				paramType = strings.TrimSpace(t)
			}
			if d, ok := spec["description"].(string); ok {
				description = strings.TrimSpace(d)
			}
		}

		line := fmt.Sprintf("- %s (%s)", name, paramType)
		if description != "" {
			line += ": " + description
		}
		if requiredSet[name] {
			line += " [required]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// schemaParams extracts properties and required names from a schema. Some
// servers report a double-nested schema: a single property named
// "inputSchema" whose value is itself a schema. That one level is unwrapped;
// any other shape is taken as-is.
func schemaParams(schema map[string]any) (map[string]any, []string) {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 1 {
		if nested, ok := props["inputSchema"].(map[string]any); ok {
			if nestedProps, ok := nested["properties"].(map[string]any); ok {
				return nestedProps, requiredNames(nested["required"])
			}
		}
	}
	return props, requiredNames(schema["required"])
}

func requiredNames(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if name, ok := item.(string); ok && strings.TrimSpace(name) != "" {
			out = append(out, strings.TrimSpace(name))
		}
	}
	return out
}

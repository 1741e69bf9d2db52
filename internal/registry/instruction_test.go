package registry

import (
	"strings"
	"testing"

	"github.com/gantrydev/gantry/internal/mcp"
)

func TestSynthesizeInstruction_NoParameters(t *testing.T) {
	cases := []mcp.ToolDefinition{
		{Name: "ping"},
		{Name: "ping", InputSchema: map[string]any{"type": "object"}},
		{Name: "ping", InputSchema: map[string]any{"properties": map[string]any{}}},
	}
	want := `Tool "ping" takes no explicitly defined parameters.`
	for _, def := range cases {
		if got := synthesizeInstruction(def); got != want {
			t.Fatalf("schema %v: got %q, want %q", def.InputSchema, got, want)
		}
	}
}

func TestSynthesizeInstruction_ParameterLines(t *testing.T) {
	def := mcp.ToolDefinition{
		Name: "search",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
				"limit": map[string]any{
					"type": "integer",
				},
				"filter": map[string]any{},
			},
			"required": []any{"query"},
		},
	}

	got := synthesizeInstruction(def)
	want := strings.Join([]string{
		"Parameters:",
		"- filter (any)",
		"- limit (integer)",
		"- query (string): Search query [required]",
	}, "\n")
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestSynthesizeInstruction_UnwrapsDoubleNestedSchema(t *testing.T) {
	// Some servers wrap the real schema in a single property named
	// "inputSchema". The synthesized instruction must describe the inner
	// parameters, not the wrapper.
	def := mcp.ToolDefinition{
		Name: "lookup",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"city": map[string]any{
							"type":        "string",
							"description": "City name",
						},
					},
					"required": []any{"city"},
				},
			},
		},
	}

	got := synthesizeInstruction(def)
	want := strings.Join([]string{
		"Parameters:",
		"- city (string): City name [required]",
	}, "\n")
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
	if strings.Contains(got, "inputSchema") {
		t.Fatalf("wrapper property leaked into instruction: %s", got)
	}
}

func TestSynthesizeInstruction_SinglePropertyNotNamedInputSchema(t *testing.T) {
	// A single ordinary property must not be mistaken for the wrapper.
	def := mcp.ToolDefinition{
		Name: "fetch",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
			"required": []any{"url"},
		},
	}

	got := synthesizeInstruction(def)
	want := strings.Join([]string{
		"Parameters:",
		"- url (string) [required]",
	}, "\n")
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestSynthesizeInstruction_MalformedRequiredList(t *testing.T) {
	def := mcp.ToolDefinition{
		Name: "search",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": "query", // not a list, ignored
		},
	}

	got := synthesizeInstruction(def)
	if strings.Contains(got, "[required]") {
		t.Fatalf("malformed required list should be ignored, got:\n%s", got)
	}
}

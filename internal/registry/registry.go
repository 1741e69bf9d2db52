package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gantrydev/gantry/internal/config"
	"github.com/gantrydev/gantry/internal/mcp"
)

// ErrUnknownTool is returned by Execute for names outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// routingFields are internal payload keys used by the surrounding
// application to route results back to a conversation. They are stripped
// before a payload is forwarded to a remote server.
var routingFields = []string{"conversation_id", "session_id", "request_id"}

// Handler executes one operation. Local handlers receive the payload as-is;
// remote handlers receive it with routing fields stripped.
type Handler func(ctx context.Context, name string, payload map[string]any) (any, error)

// Tool is one addressable catalog entry, local or remote.
type Tool struct {
	Name        string // composite "{server_id}/{tool_name}" for remote tools
	DisplayName string
	Description string
	Instruction string
	ServerID    string // empty for local tools
}

// Catalog is an immutable snapshot of the merged tool catalog. The registry
// swaps in a complete catalog atomically; readers never observe a partial one.
type Catalog struct {
	tools  []Tool
	byName map[string]int
}

func newCatalog(tools []Tool) *Catalog {
	byName := make(map[string]int, len(tools))
	for i, tool := range tools {
		byName[tool.Name] = i
	}
	return &Catalog{tools: tools, byName: byName}
}

// Tools returns catalog entries in registration order.
func (c *Catalog) Tools() []Tool {
	return append([]Tool(nil), c.tools...)
}

// Get looks up a tool by name.
func (c *Catalog) Get(name string) (Tool, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Tool{}, false
	}
	return c.tools[i], true
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.tools)
}

// Describe renders the catalog as prompt text for the planning component.
func (c *Catalog) Describe() string {
	var b strings.Builder
	for _, tool := range c.tools {
		b.WriteString("- " + tool.Name)
		if tool.Description != "" {
			b.WriteString(": " + tool.Description)
		}
		b.WriteString("\n")
		if tool.Instruction != "" {
			b.WriteString("  " + strings.ReplaceAll(tool.Instruction, "\n", "\n  ") + "\n")
		}
	}
	return b.String()
}

// ServerResult records the outcome of registering one capability server.
type ServerResult struct {
	ServerID  string
	ToolCount int
	Err       error
}

type snapshot struct {
	catalog   *Catalog
	callables map[string]Handler
	results   []ServerResult
}

// Registry merges locally defined operations with operations discovered from
// capability servers into one addressable catalog plus a callable map.
type Registry struct {
	conn     *mcp.Manager
	servers  []config.ServerConfig
	locals   map[string]Handler
	localCat *LocalCatalog

	mu          sync.Mutex
	initialized bool
	state       atomic.Pointer[snapshot]
}

// New constructs a registry. locals is the static map of local-operation
// executors; localCat holds the persisted metadata those executors are bound
// to. Nothing is connected or published until Initialize runs.
func New(conn *mcp.Manager, servers []config.ServerConfig, locals map[string]Handler, localCat *LocalCatalog) *Registry {
	return &Registry{
		conn:     conn,
		servers:  servers,
		locals:   locals,
		localCat: localCat,
	}
}

// Initialize builds and publishes the catalog: local tools first, then each
// enabled server in configuration order. Per-server failures are recorded in
// the returned results and never abort the rest of the pass. Initialize is
// exactly-once: concurrent and repeated calls serialize on the registry lock,
// and only the first does the work; later calls return the recorded results.
func (r *Registry) Initialize(ctx context.Context) ([]ServerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return r.state.Load().results, nil
	}

	tools := make([]Tool, 0)
	callables := make(map[string]Handler)

	r.registerLocals(&tools, callables)

	results := make([]ServerResult, 0, len(r.servers))
	for _, server := range r.servers {
		if !server.IsEnabled() {
			continue
		}
		result := r.registerServer(ctx, server, &tools, callables)
		if result.Err != nil {
			slog.Warn("server registration failed", "server", server.ID, "error", result.Err)
		} else {
			slog.Info("server registered", "server", server.ID, "tools", result.ToolCount)
		}
		results = append(results, result)
	}

	r.state.Store(&snapshot{
		catalog:   newCatalog(tools),
		callables: callables,
		results:   results,
	})
	r.initialized = true
	return results, nil
}

func (r *Registry) registerLocals(tools *[]Tool, callables map[string]Handler) {
	if r.localCat == nil {
		return
	}
	for _, entry := range r.localCat.All() {
		handler, ok := r.locals[entry.Name]
		if !ok {
			slog.Warn("local tool has no executor, skipping", "tool", entry.Name)
			continue
		}
		if _, exists := callables[entry.Name]; exists {
			slog.Warn("duplicate local tool, skipping", "tool", entry.Name)
			continue
		}

		displayName := entry.DisplayName
		if displayName == "" {
			displayName = entry.Name
		}
		usage := entry.Usage
		if usage == "" {
			usage = fmt.Sprintf("Tool %q takes no explicitly defined parameters.", entry.Name)
		}
		*tools = append(*tools, Tool{
			Name:        entry.Name,
			DisplayName: displayName,
			Description: entry.Description,
			Instruction: usage,
		})
		callables[entry.Name] = handler
	}
}

func (r *Registry) registerServer(ctx context.Context, server config.ServerConfig, tools *[]Tool, callables map[string]Handler) ServerResult {
	result := ServerResult{ServerID: server.ID}

	client, err := r.conn.GetClient(ctx, server)
	if err != nil {
		result.Err = err
		return result
	}

	defs, err := r.conn.ListTools(ctx, server.ID, client)
	if err != nil {
		result.Err = err
		return result
	}

	for _, def := range defs {
		name := server.ID + "/" + def.Name
		if _, exists := callables[name]; exists {
			slog.Warn("duplicate remote tool, skipping", "tool", name)
			continue
		}

		displayName := def.Name
		description := def.Description
		if description == "" {
			description = def.Name
		}

		*tools = append(*tools, Tool{
			Name:        name,
			DisplayName: displayName,
			Description: description,
			Instruction: synthesizeInstruction(def),
			ServerID:    server.ID,
		})
		callables[name] = r.remoteHandler(server, def.Name)
		result.ToolCount++
	}
	return result
}

// remoteHandler binds a callable that forwards to the server's session. The
// session is resolved per call so that a reconnect after Disconnect is
// transparent to the planner.
func (r *Registry) remoteHandler(server config.ServerConfig, toolName string) Handler {
	return func(ctx context.Context, _ string, payload map[string]any) (any, error) {
		client, err := r.conn.GetClient(ctx, server)
		if err != nil {
			return nil, err
		}
		return r.conn.CallTool(ctx, server.ID, client, toolName, stripRoutingFields(payload))
	}
}

func stripRoutingFields(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = value
	}
	for _, field := range routingFields {
		delete(out, field)
	}
	return out
}

// Catalog returns the last published catalog, or an empty one before the
// first Initialize completes.
func (r *Registry) Catalog() *Catalog {
	state := r.state.Load()
	if state == nil {
		return newCatalog(nil)
	}
	return state.catalog
}

// Execute invokes the named tool with the given payload.
func (r *Registry) Execute(ctx context.Context, name string, payload map[string]any) (any, error) {
	state := r.state.Load()
	if state == nil {
		return nil, fmt.Errorf("%w: %s (registry not initialized)", ErrUnknownTool, name)
	}
	handler, ok := state.callables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return handler(ctx, name, payload)
}

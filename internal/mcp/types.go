package mcp

import (
	"context"

	"github.com/gantrydev/gantry/internal/config"
)

const (
	TransportStdio   = "stdio"
	TransportNetwork = "network"
)

// ToolDefinition describes one operation reported by a capability server.
// Definitions are ephemeral; they are re-fetched on every registry pass.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Client is an established session with one capability server.
type Client interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, toolName string, args map[string]any) (any, error)
	Close() error
}

// Connector dials a server and returns a live client implementation.
type Connector interface {
	Connect(ctx context.Context, cfg config.ServerConfig) (Client, error)
}

// Connectors groups supported transport connectors.
type Connectors struct {
	Stdio   Connector
	Network Connector
}

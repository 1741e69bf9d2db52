package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gantrydev/gantry/internal/config"
)

// Manager owns the session store: at most one live session per server id,
// with concurrent connect attempts for the same id collapsed into one.
type Manager struct {
	connectors Connectors

	mu       sync.Mutex
	sessions map[string]Client
	inflight singleflight.Group
}

// NewManager constructs a connection manager with the given connectors.
func NewManager(connectors Connectors) *Manager {
	return &Manager{
		connectors: connectors,
		sessions:   make(map[string]Client),
	}
}

// DefaultConnectors returns production connectors for both transports.
func DefaultConnectors() Connectors {
	return Connectors{
		Stdio:   newStdioConnector(),
		Network: newNetworkConnector(),
	}
}

// GetClient returns the live session for cfg.ID, establishing one if needed.
// Concurrent callers for the same id share a single connect attempt; a failed
// attempt propagates its error to every waiter and leaves no session behind.
func (m *Manager) GetClient(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: server id is required", ErrConfiguration)
	}

	m.mu.Lock()
	if client, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	value, err, _ := m.inflight.Do(id, func() (any, error) {
		// A flight that finished between the check above and this closure
		// may already have stored the session.
		m.mu.Lock()
		if client, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return client, nil
		}
		m.mu.Unlock()

		client, err := m.connect(ctx, cfg)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.sessions[id] = client
		m.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(Client), nil
}

func (m *Manager) connect(ctx context.Context, cfg config.ServerConfig) (Client, error) {
	transport := strings.ToLower(strings.TrimSpace(cfg.Transport))
	switch transport {
	case TransportStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("%w: stdio server %q requires command", ErrConfiguration, cfg.ID)
		}
		if m.connectors.Stdio == nil {
			return nil, fmt.Errorf("%w: no stdio connector configured", ErrUnsupportedTransport)
		}
		client, err := m.connectors.Stdio.Connect(ctx, cfg)
		if err != nil {
			return nil, wrapConnectError(cfg.ID, err)
		}
		return client, nil
	case TransportNetwork:
		if strings.TrimSpace(cfg.Address) == "" {
			return nil, fmt.Errorf("%w: network server %q requires address", ErrConfiguration, cfg.ID)
		}
		if m.connectors.Network == nil {
			return nil, fmt.Errorf("%w: no network connector configured", ErrUnsupportedTransport)
		}
		client, err := m.connectors.Network.Connect(ctx, cfg)
		if err != nil {
			return nil, wrapConnectError(cfg.ID, err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, cfg.Transport)
	}
}

// Configuration errors from a connector stay configuration errors; everything
// else a connector reports is a connection failure.
func wrapConnectError(serverID string, err error) error {
	if errors.Is(err, ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: server %q: %w", ErrConnection, serverID, err)
}

// ListTools fetches the server's operations. A response whose shape cannot be
// normalized is logged and yields an empty listing rather than an error; a
// transport failure is a discovery error.
func (m *Manager) ListTools(ctx context.Context, serverID string, client Client) ([]ToolDefinition, error) {
	defs, err := client.ListTools(ctx)
	if err != nil {
		if errors.Is(err, ErrDiscovery) {
			slog.Warn("malformed tool listing", "server", serverID, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: server %q: %w", ErrDiscovery, serverID, err)
	}
	return defs, nil
}

// CallTool forwards a tool invocation to the given session.
func (m *Manager) CallTool(ctx context.Context, serverID string, client Client, toolName string, args map[string]any) (any, error) {
	result, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		if errors.Is(err, ErrInvocation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s on server %q: %w", ErrInvocation, toolName, serverID, err)
	}
	return result, nil
}

// Disconnect closes the session for the given id, best effort, and always
// removes it from the store along with any stale pending attempt.
func (m *Manager) Disconnect(id string) error {
	id = strings.TrimSpace(id)

	m.mu.Lock()
	client := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	m.inflight.Forget(id)

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("close session %q: %w", id, err)
	}
	return nil
}

// DisconnectAll disconnects every known session. Individual close failures do
// not abort the sweep; the first one is returned.
func (m *Manager) DisconnectAll() error {
	var firstErr error
	for _, id := range m.SessionIDs() {
		if err := m.Disconnect(id); err != nil {
			slog.Warn("disconnect failed", "server", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SessionIDs returns the ids of all live sessions, sorted.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

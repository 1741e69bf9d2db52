package mcp

import "errors"

// Error kinds surfaced by the connection manager. Callers match them with
// errors.Is; the wrapped chain keeps the underlying cause.
var (
	// ErrConfiguration marks a server entry missing the fields its declared
	// transport needs. Raised before any I/O is attempted.
	ErrConfiguration = errors.New("invalid server configuration")

	// ErrUnsupportedTransport marks a transport kind with no connector.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrConnection marks a failed handshake or process spawn.
	ErrConnection = errors.New("connection failed")

	// ErrDiscovery marks a failed or malformed tool listing.
	ErrDiscovery = errors.New("tool discovery failed")

	// ErrInvocation marks a failed remote tool call.
	ErrInvocation = errors.New("tool invocation failed")
)

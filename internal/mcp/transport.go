package mcp

import "context"

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding and correlation of JSON-RPC
// messages for a single server.
type Transport interface {
	// Send sends a JSON-RPC request and returns its response. Calls on
	// one transport are serialized. The context deadline bounds the
	// wait for the response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}

// TransportFactory creates the transport for a server config. The
// Registry uses it so tests can substitute in-memory transports.
type TransportFactory func(cfg ServerConfig) (Transport, error)

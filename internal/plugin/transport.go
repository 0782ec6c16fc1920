package plugin

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC traffic to one plugin server.
type Transport interface {
	// Connect establishes the link: starts the subprocess for stdio,
	// probes reachability for http.
	Connect(ctx context.Context) error

	// Close tears the link down.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification.
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the link is live.
	Connected() bool

	// Done is closed when the link dies outside a requested Close.
	// The manager watches it for crash detection.
	Done() <-chan struct{}
}

// NewTransport builds the transport for a server config.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.Transport == TransportHTTP {
		return NewHTTPTransport(cfg)
	}
	return NewStdioTransport(cfg)
}

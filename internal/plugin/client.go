package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client speaks the plugin protocol over a transport: handshake, tool
// listing, tool calls, health pings.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	serverInfo ServerInfo
	tools      []ToolDescriptor
}

// NewClient creates a client. transport may be nil, in which case one is
// built from the config; tests inject fakes.
func NewClient(cfg *ServerConfig, transport Transport) *Client {
	if transport == nil {
		transport = NewTransport(cfg)
	}
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    slog.Default().With("plugin_server", cfg.Name),
	}
}

// Connect establishes the transport and performs the initialize handshake,
// then caches the server's tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	raw, err := c.transport.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      ClientInfo{Name: "relay", Version: "1.0"},
	})
	if err != nil {
		c.transport.Close() //nolint:errcheck
		return fmt.Errorf("initialize: %w", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		c.transport.Close() //nolint:errcheck
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.transport.Close() //nolint:errcheck
		return err
	}

	c.logger.Info("connected to plugin server",
		"server", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"tools", len(c.Tools()))
	return nil
}

// Close tears the transport down.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Done exposes the transport's crash channel.
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

// Connected reports transport liveness.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshTools re-fetches and caches the server's tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// ServerInfo returns the identity reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	raw, err := c.transport.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks server health.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Call(ctx, "ping", nil)
	return err
}

// Package plugin manages external tool servers over two transports:
// subprocesses speaking newline-delimited JSON-RPC on stdio, and remote
// HTTP endpoints authenticated with a bearer token. The manager owns each
// server's lifecycle and keeps the tool catalog in sync with it.
package plugin

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/tools"
)

// State is a plugin server's lifecycle state.
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateDegraded    State = "degraded"
	StateStopped     State = "stopped"
	StateCrashed     State = "crashed"
)

// TransportKind selects how the gateway talks to a server.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// protocolVersion is the handshake version sent in initialize.
const protocolVersion = "2025-03-26"

// ServerConfig is the validated form of a configured plugin server.
type ServerConfig struct {
	Name      string
	Transport TransportKind
	AutoStart bool
	Timeout   time.Duration

	Command    string
	Args       []string
	Env        map[string]string
	WorkDir    string
	InstallCmd string
	Watch      bool
	WatchPath  string

	URL       string
	AuthToken string
	Headers   map[string]string

	MaxRestarts int

	OAuth *config.PluginOAuthConfig
}

// FromConfig validates a raw config entry.
func FromConfig(cfg config.PluginServerConfig) (*ServerConfig, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if strings.Contains(name, tools.NamespaceSeparator) {
		return nil, fmt.Errorf("server name %q must not contain %q", name, tools.NamespaceSeparator)
	}

	out := &ServerConfig{
		Name:        name,
		Transport:   TransportKind(strings.ToLower(strings.TrimSpace(cfg.Transport))),
		AutoStart:   cfg.AutoStart,
		Timeout:     cfg.Timeout,
		Command:     strings.TrimSpace(cfg.Command),
		Args:        cfg.Args,
		Env:         cfg.Env,
		WorkDir:     strings.TrimSpace(cfg.WorkDir),
		InstallCmd:  strings.TrimSpace(cfg.InstallCmd),
		Watch:       cfg.Watch,
		WatchPath:   strings.TrimSpace(cfg.WatchPath),
		URL:         strings.TrimSpace(cfg.URL),
		AuthToken:   cfg.AuthToken,
		Headers:     cfg.Headers,
		MaxRestarts: cfg.MaxRestarts,
		OAuth:       cfg.OAuth,
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MaxRestarts <= 0 {
		out.MaxRestarts = 5
	}

	switch out.Transport {
	case TransportStdio:
		if out.Command == "" {
			return nil, fmt.Errorf("server %s: command is required for stdio transport", name)
		}
		if containsShellMetachars(out.Command) {
			return nil, fmt.Errorf("server %s: command must not contain shell metacharacters", name)
		}
		for _, arg := range out.Args {
			if containsShellMetachars(arg) {
				return nil, fmt.Errorf("server %s: argument %q must not contain shell metacharacters", name, arg)
			}
		}
		if out.WorkDir != "" {
			if err := validatePath(out.WorkDir); err != nil {
				return nil, fmt.Errorf("server %s: workdir: %w", name, err)
			}
		}
		if out.Watch && out.WatchPath == "" {
			out.WatchPath = out.WorkDir
		}
		if out.Watch && out.WatchPath == "" {
			return nil, fmt.Errorf("server %s: watch requires a watch_path or workdir", name)
		}
	case TransportHTTP:
		if out.URL == "" {
			return nil, fmt.Errorf("server %s: url is required for http transport", name)
		}
		u, err := url.Parse(out.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("server %s: url must be http or https", name)
		}
		if out.Watch {
			return nil, fmt.Errorf("server %s: watch is only supported for stdio transport", name)
		}
	default:
		return nil, fmt.Errorf("server %s: transport %q is not one of stdio, http", name, cfg.Transport)
	}
	return out, nil
}

func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, "|&;<>$`\\\"'\n")
}

func validatePath(p string) error {
	if strings.Contains(p, "..") {
		return fmt.Errorf("path must not contain ..")
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("path must be absolute")
	}
	return nil
}

// JSON-RPC 2.0 wire types.

// Request is a JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC notification (no ID, no response).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Plugin protocol payloads.

// InitializeParams is sent in the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the gateway to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies the plugin server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDescriptor is one tool exposed by a server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the tools/list payload.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams is the tools/call payload.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text joins the textual content of a result.
func (r *CallToolResult) Text() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Package config loads and validates the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Gateway GatewayConfig `yaml:"gateway"`
	Session SessionConfig `yaml:"session"`
	Agent   AgentConfig   `yaml:"agent"`
	Plugins PluginsConfig `yaml:"plugins"`
	Hooks   HooksConfig   `yaml:"hooks"`
	Cron    CronConfig    `yaml:"cron"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// QueueMode selects how messages arriving during an active run are handled.
type QueueMode string

const (
	// QueueModeNotify enqueues each message individually and tells the
	// sender their position. Default for direct channels.
	QueueModeNotify QueueMode = "notify"
	// QueueModeBatch collapses everything queued during the run into one
	// combined turn, each part tagged with its sender. Default for
	// broadcast channels.
	QueueModeBatch QueueMode = "batch"
)

// GatewayConfig configures the WebSocket front door.
type GatewayConfig struct {
	Listen      string        `yaml:"listen"`
	AuthToken   string        `yaml:"auth_token"`
	QueueCap    int           `yaml:"queue_cap"` // 0 = unbounded
	StopPhrases []string      `yaml:"stop_phrases"`
	WriteWait   time.Duration `yaml:"write_wait"`
	PongWait    time.Duration `yaml:"pong_wait"`

	// Channels overrides the queue mode for specific channels. The
	// channel kind reported by the adapter picks the default.
	Channels []ChannelPolicyConfig `yaml:"channels"`
}

// ChannelPolicyConfig pins a queue mode to one channel.
type ChannelPolicyConfig struct {
	Platform string    `yaml:"platform"`
	Channel  string    `yaml:"channel"`
	Mode     QueueMode `yaml:"mode"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxRecentTurns int           `yaml:"max_recent_turns"`
}

// AgentConfig configures the orchestrator loop.
type AgentConfig struct {
	Provider      string        `yaml:"provider"`
	Persona       string        `yaml:"persona"`
	MaxIterations int           `yaml:"max_iterations"`
	Parser        string        `yaml:"parser"` // native, text
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
}

// PluginsConfig lists plugin servers and the watch root for hot reload.
type PluginsConfig struct {
	Servers []PluginServerConfig `yaml:"servers"`
}

// PluginServerConfig declares one plugin server.
type PluginServerConfig struct {
	Name      string        `yaml:"name"`
	Transport string        `yaml:"transport"` // stdio, http
	AutoStart bool          `yaml:"auto_start"`
	Timeout   time.Duration `yaml:"timeout"`

	// stdio transport
	Command    string            `yaml:"command,omitempty"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	WorkDir    string            `yaml:"workdir,omitempty"`
	InstallCmd string            `yaml:"install_cmd,omitempty"`
	Watch      bool              `yaml:"watch,omitempty"`
	WatchPath  string            `yaml:"watch_path,omitempty"`

	// http transport
	URL       string            `yaml:"url,omitempty"`
	AuthToken string            `yaml:"auth_token,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`

	// Restart behavior after a crash.
	MaxRestarts int `yaml:"max_restarts,omitempty"`

	// OAuth authorization for the upstream service the plugin fronts.
	OAuth *PluginOAuthConfig `yaml:"oauth,omitempty"`
}

// PluginOAuthConfig configures a plugin server's authorization flow.
// Endpoint URLs may be left empty when the server supports discovery.
type PluginOAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	AuthURL      string   `yaml:"auth_url,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	DiscoveryURL string   `yaml:"discovery_url,omitempty"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// HooksConfig holds declarative hook entries loaded at startup.
type HooksConfig struct {
	Entries []HookEntryConfig `yaml:"entries"`
}

// HookEntryConfig runs a command when an event fires.
type HookEntryConfig struct {
	Event   string        `yaml:"event"` // "type" or "type:action"
	Name    string        `yaml:"name,omitempty"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Async   bool          `yaml:"async,omitempty"`
}

// CronConfig holds scheduled jobs.
type CronConfig struct {
	Jobs []CronJobConfig `yaml:"jobs"`
}

// CronJobConfig declares one scheduled job.
type CronJobConfig struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name,omitempty"`
	Type     string             `yaml:"type"` // webhook, agent, custom
	Enabled  bool               `yaml:"enabled"`
	Schedule CronScheduleConfig `yaml:"schedule"`
	Webhook  *CronWebhookConfig `yaml:"webhook,omitempty"`
	Agent    *CronAgentConfig   `yaml:"agent,omitempty"`
	Custom   *CronCustomConfig  `yaml:"custom,omitempty"`
}

// CronScheduleConfig accepts exactly one of cron, every, or at.
type CronScheduleConfig struct {
	Cron     string        `yaml:"cron,omitempty"`
	Every    time.Duration `yaml:"every,omitempty"`
	At       string        `yaml:"at,omitempty"`
	Timezone string        `yaml:"timezone,omitempty"`
}

// CronWebhookConfig posts a payload to a URL.
type CronWebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// CronAgentConfig injects a prompt into a session as if the user sent it.
type CronAgentConfig struct {
	Platform string `yaml:"platform"`
	Channel  string `yaml:"channel"`
	User     string `yaml:"user"`
	Content  string `yaml:"content,omitempty"`
	Template string `yaml:"template,omitempty"`
}

// CronCustomConfig dispatches to a handler registered in code.
type CronCustomConfig struct {
	Handler string         `yaml:"handler"`
	Args    map[string]any `yaml:"args,omitempty"`
}

// Load reads, expands, parses, and validates the configuration file.
// Environment references like ${HOME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = "127.0.0.1:8787"
	}
	if c.Gateway.WriteWait <= 0 {
		c.Gateway.WriteWait = 10 * time.Second
	}
	if c.Gateway.PongWait <= 0 {
		c.Gateway.PongWait = 45 * time.Second
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.SweepInterval <= 0 {
		c.Session.SweepInterval = time.Minute
	}
	if c.Session.MaxRecentTurns <= 0 {
		c.Session.MaxRecentTurns = 40
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.Parser == "" {
		c.Agent.Parser = "native"
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	for i := range c.Plugins.Servers {
		srv := &c.Plugins.Servers[i]
		if srv.Timeout <= 0 {
			srv.Timeout = 30 * time.Second
		}
		if srv.MaxRestarts <= 0 {
			srv.MaxRestarts = 5
		}
	}
}

// Validate checks the parts of the document the loader can check without
// touching the network or filesystem.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	if c.Gateway.QueueCap < 0 {
		return fmt.Errorf("gateway.queue_cap must not be negative")
	}
	for _, ch := range c.Gateway.Channels {
		if ch.Mode != QueueModeNotify && ch.Mode != QueueModeBatch {
			return fmt.Errorf("gateway.channels %s/%s: mode %q is not one of notify, batch",
				ch.Platform, ch.Channel, ch.Mode)
		}
	}

	switch c.Agent.Parser {
	case "native", "text":
	default:
		return fmt.Errorf("agent.parser %q is not one of native, text", c.Agent.Parser)
	}

	seen := make(map[string]bool, len(c.Plugins.Servers))
	for _, srv := range c.Plugins.Servers {
		name := strings.TrimSpace(srv.Name)
		if name == "" {
			return fmt.Errorf("plugin server name is required")
		}
		if seen[name] {
			return fmt.Errorf("duplicate plugin server name %q", name)
		}
		seen[name] = true
	}

	for _, entry := range c.Hooks.Entries {
		if strings.TrimSpace(entry.Event) == "" {
			return fmt.Errorf("hook entry missing event")
		}
		if len(entry.Command) == 0 {
			return fmt.Errorf("hook entry for %s missing command", entry.Event)
		}
	}

	return nil
}

// QueueModeFor resolves the queue mode for one channel: explicit config
// entry first, otherwise the default for the channel kind the adapter
// reported.
func (c *GatewayConfig) QueueModeFor(platform, channel string, broadcast bool) QueueMode {
	for _, ch := range c.Channels {
		if ch.Platform == platform && ch.Channel == channel {
			return ch.Mode
		}
	}
	if broadcast {
		return QueueModeBatch
	}
	return QueueModeNotify
}

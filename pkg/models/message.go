package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChannelKind distinguishes one-on-one channels from shared ones. It drives
// the gateway's queueing policy: direct channels get a queue-position notice,
// broadcast channels batch silently.
type ChannelKind string

const (
	ChannelDirect    ChannelKind = "direct"
	ChannelBroadcast ChannelKind = "broadcast"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all adapters.
type Message struct {
	ID          string         `json:"id"`
	SessionKey  SessionKey     `json:"session_key"`
	Platform    string         `json:"platform"`
	Channel     string         `json:"channel"`
	Sender      string         `json:"sender"`
	SenderName  string         `json:"sender_name,omitempty"`
	Direction   Direction      `json:"direction"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string   `json:"tool_call_id"`
	Content    string   `json:"content"`
	IsError    bool     `json:"is_error,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// SessionKey identifies a conversation: one assistant instance per
// (platform, channel, user) tuple.
type SessionKey struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
}

// NewSessionKey builds the key for a conversation.
func NewSessionKey(platform, channel, user string) SessionKey {
	return SessionKey{Platform: platform, Channel: channel, User: user}
}

// String returns the canonical colon-joined form used for map keys and logs.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Platform, k.Channel, k.User)
}

// ChannelKey identifies the channel portion only. Queues are per channel, so
// messages from different users in the same room share one queue.
func (k SessionKey) ChannelKey() string {
	return k.Platform + ":" + k.Channel
}

// Session represents one conversation thread tracked by the registry.
type Session struct {
	ID         string         `json:"id"`
	Key        SessionKey     `json:"key"`
	Summary    string         `json:"summary,omitempty"`
	ModelTier  string         `json:"model_tier,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastActive time.Time      `json:"last_active"`
}

// Package agent drives the think/act loop: prompt the model, stream the
// reply, execute any tool calls, feed results back, repeat until the model
// finishes or the iteration cap trips.
package agent

import (
	"context"
	"encoding/json"

	"github.com/relayhq/relay/pkg/models"
)

// Provider is the model backend. Implementations live outside this module;
// tests use scripted providers.
type Provider interface {
	// Name identifies the provider for logs.
	Name() string

	// Complete streams a completion. The channel is closed when the
	// stream ends. Chunk errors terminate the stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest is one prompt to the model.
type CompletionRequest struct {
	// System is the system prompt: persona, carried summary, context
	// snippets.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []CompletionMessage

	// Tools the model may call, by qualified name.
	Tools []ToolSpec

	// Model optionally pins a model or tier.
	Model string
}

// CompletionMessage is one turn in the request.
type CompletionMessage struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema,omitempty"`
}

// CompletionChunk is one streamed piece of the reply. Either Text or
// ToolCall is set; Err terminates the stream.
type CompletionChunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
	Err      error
}

// ContextFetcher supplies ranked context snippets for prompt building. The
// memory subsystem behind it is an external collaborator.
type ContextFetcher interface {
	Fetch(ctx context.Context, key models.SessionKey, query string, limit int) ([]Snippet, error)
}

// Snippet is one retrieved piece of context.
type Snippet struct {
	Source  string
	Content string
	Score   float64
}

// NoopFetcher returns no context. Used when no memory backend is wired.
type NoopFetcher struct{}

// Fetch implements ContextFetcher.
func (NoopFetcher) Fetch(ctx context.Context, key models.SessionKey, query string, limit int) ([]Snippet, error) {
	return nil, nil
}

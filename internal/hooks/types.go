// Package hooks provides the event bus the rest of the gateway publishes
// lifecycle events on. Handlers subscribe by event type or by the more
// specific "type:action" key.
package hooks

import (
	"context"
	"time"

	"github.com/relayhq/relay/pkg/models"
)

// EventType identifies the category of hook event.
type EventType string

const (
	// Gateway lifecycle
	EventGatewayStartup  EventType = "gateway.startup"
	EventGatewayShutdown EventType = "gateway.shutdown"

	// Session events
	EventSessionCreated EventType = "session.created"
	EventSessionEvicted EventType = "session.evicted"

	// Run events
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunCancelled EventType = "run.cancelled"

	// Tool events
	EventToolStart EventType = "tool.start"
	EventToolEnd   EventType = "tool.end"
	EventToolError EventType = "tool.error"

	// Plugin server events
	EventPluginStarted  EventType = "plugin.started"
	EventPluginStopped  EventType = "plugin.stopped"
	EventPluginCrashed  EventType = "plugin.crashed"
	EventPluginDegraded EventType = "plugin.degraded"

	// Scheduler events
	EventSchedulerTaskError EventType = "scheduler.task_error"
)

// Event is the payload delivered to handlers.
type Event struct {
	// Type is the event category.
	Type EventType `json:"type"`

	// Action is the specific action within the type (optional).
	Action string `json:"action,omitempty"`

	// SessionKey identifies the session this event relates to, when any.
	SessionKey string `json:"session_key,omitempty"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Message associated with this event, when any.
	Message *models.Message `json:"message,omitempty"`

	// Context holds additional event-specific data.
	Context map[string]any `json:"context,omitempty"`

	// Error if this is an error event.
	Error    error  `json:"-"`
	ErrorMsg string `json:"error,omitempty"`
}

// Handler processes hook events. Synchronous handlers run inline on the
// publisher's goroutine and should be fast; register with WithAsync to move
// a slow handler off the hot path.
type Handler func(ctx context.Context, event *Event) error

// Priority determines the order synchronous handlers are called.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration is a registered hook handler.
type Registration struct {
	// ID is a unique identifier for this registration.
	ID string

	// EventKey is the event type or type:action this handler listens for.
	EventKey string

	// Handler is the function to call.
	Handler Handler

	// Priority determines call order (lower = earlier).
	Priority Priority

	// Async runs the handler in its own goroutine; its error is logged,
	// never returned to the publisher.
	Async bool

	// Name is a human-readable label for logs.
	Name string

	// Source records who registered the handler (plugin name, config file).
	Source string
}

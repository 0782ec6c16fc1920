package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry manages hook registrations and event dispatch.
type Registry struct {
	handlers map[string][]*Registration // eventKey -> handlers
	byID     map[string]*Registration
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) {
		r.Priority = p
	}
}

// WithName sets the handler name for debugging.
func WithName(name string) RegisterOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// WithSource sets the handler source (plugin name, config file).
func WithSource(source string) RegisterOption {
	return func(r *Registration) {
		r.Source = source
	}
}

// WithAsync makes the handler run in its own goroutine on every delivery.
func WithAsync() RegisterOption {
	return func(r *Registration) {
		r.Async = true
	}
}

// Register adds a handler for an event key ("type" or "type:action").
// Returns the registration ID for later unregistration.
func (r *Registry) Register(eventKey string, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:       uuid.New().String(),
		EventKey: eventKey,
		Handler:  handler,
		Priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[eventKey] = append(r.handlers[eventKey], reg)
	r.byID[reg.ID] = reg

	sort.SliceStable(r.handlers[eventKey], func(i, j int) bool {
		return r.handlers[eventKey][i].Priority < r.handlers[eventKey][j].Priority
	})

	r.logger.Debug("registered hook",
		"id", reg.ID,
		"event_key", eventKey,
		"name", reg.Name,
		"priority", reg.Priority,
		"async", reg.Async)

	return reg.ID
}

// Unregister removes a handler by its registration ID.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.byID[id]
	if !exists {
		return false
	}
	delete(r.byID, id)

	handlers := r.handlers[reg.EventKey]
	for i, h := range handlers {
		if h.ID == id {
			r.handlers[reg.EventKey] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}

	r.logger.Debug("unregistered hook", "id", id, "event_key", reg.EventKey)
	return true
}

// UnregisterSource removes every handler registered under a source.
// Used when a plugin server leaves Running.
func (r *Registry) UnregisterSource(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, reg := range r.byID {
		if reg.Source != source {
			continue
		}
		delete(r.byID, id)
		handlers := r.handlers[reg.EventKey]
		for i, h := range handlers {
			if h.ID == id {
				r.handlers[reg.EventKey] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
		removed++
	}
	return removed
}

// Clear removes all registered handlers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]*Registration)
	r.byID = make(map[string]*Registration)
}

// Trigger dispatches an event to all matching handlers in priority order.
// A handler error or panic is logged and does not prevent later handlers
// from running; the first synchronous error is returned.
func (r *Registry) Trigger(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	r.mu.RLock()
	typeHandlers := r.handlers[string(event.Type)]
	var specificHandlers []*Registration
	if event.Action != "" {
		specificHandlers = r.handlers[fmt.Sprintf("%s:%s", event.Type, event.Action)]
	}
	r.mu.RUnlock()

	all := make([]*Registration, 0, len(typeHandlers)+len(specificHandlers))
	all = append(all, typeHandlers...)
	all = append(all, specificHandlers...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Priority < all[j].Priority
	})

	var firstErr error
	for _, reg := range all {
		if reg.Async {
			go func(reg *Registration) {
				if err := r.callHandler(ctx, reg, event); err != nil {
					r.logger.Warn("async hook handler error",
						"event_type", event.Type,
						"handler_name", reg.Name,
						"error", err)
				}
			}(reg)
			continue
		}
		if err := r.callHandler(ctx, reg, event); err != nil {
			r.logger.Warn("hook handler error",
				"event_type", event.Type,
				"event_action", event.Action,
				"handler_id", reg.ID,
				"handler_name", reg.Name,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Registry) callHandler(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return reg.Handler(ctx, event)
}

// TriggerAsync dispatches an event without waiting for handlers.
func (r *Registry) TriggerAsync(ctx context.Context, event *Event) {
	go func() {
		if err := r.Trigger(ctx, event); err != nil {
			r.logger.Warn("async hook trigger error",
				"event_type", event.Type,
				"error", err)
		}
	}()
}

// RegisteredEvents returns all event keys with registered handlers.
func (r *Registry) RegisteredEvents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k, regs := range r.handlers {
		if len(regs) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

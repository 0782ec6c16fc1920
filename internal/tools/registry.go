package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/relayhq/relay/pkg/models"
)

// Registry is the tool catalog. Registration replaces any existing entry
// under the same qualified name, so a plugin server restart that registers
// the same tools again is idempotent.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Definition
	logger *slog.Logger
}

// NewRegistry creates an empty catalog.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Definition),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Last write wins per qualified name.
func (r *Registry) Register(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tool name required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s missing handler", def.QualifiedName())
	}
	qualified := def.QualifiedName()
	if len(qualified) > MaxToolNameLength {
		return fmt.Errorf("tool name %s exceeds %d characters", qualified, MaxToolNameLength)
	}

	r.mu.Lock()
	_, replaced := r.tools[qualified]
	r.tools[qualified] = &def
	r.mu.Unlock()

	r.logger.Debug("registered tool", "name", qualified, "replaced", replaced)
	return nil
}

// Unregister removes a tool by qualified name.
func (r *Registry) Unregister(qualified string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[qualified]; !ok {
		return false
	}
	delete(r.tools, qualified)
	return true
}

// UnregisterNamespace removes every tool in a namespace. Called when a
// plugin server leaves Running.
func (r *Registry) UnregisterNamespace(namespace string) int {
	if namespace == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, def := range r.tools {
		if def.Namespace == namespace {
			delete(r.tools, name)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("unregistered namespace", "namespace", namespace, "count", removed)
	}
	return removed
}

// Get returns a tool by qualified name.
func (r *Registry) Get(qualified string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[qualified]
	return def, ok
}

// List returns all tools sorted by qualified name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// Execute resolves and runs a tool call. An unknown tool returns
// ErrUnknownTool; argument problems and handler failures come back as an
// error Result so the caller can hand them to the model.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (*Result, error) {
	if len(call.Name) > MaxToolNameLength {
		return &Result{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(call.Input) > MaxToolParamsSize {
		return &Result{
			Content: fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	def, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	args, warnings, err := prepareArgs(def.Schema, call.Input)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true, Warnings: warnings}, nil
	}

	content, err := r.runHandler(ctx, def, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "name", call.Name, "error", err)
		return &Result{
			Content:  (&ExecutionError{Tool: call.Name, Err: err}).Error(),
			IsError:  true,
			Warnings: warnings,
		}, nil
	}
	return &Result{Content: content, Warnings: warnings}, nil
}

func (r *Registry) runHandler(ctx context.Context, def *Definition, args []byte) (content string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panic: %v", p)
		}
	}()
	return def.Handler(ctx, args)
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relayhq/relay/internal/hooks"
	"github.com/relayhq/relay/internal/tools"
	"github.com/relayhq/relay/pkg/models"
)

// Config tunes the loop.
type Config struct {
	// Persona is the base system prompt.
	Persona string

	// MaxIterations caps think/act rounds per run.
	MaxIterations int

	// Parser selects the tool-call encoding: "native" or "text".
	Parser string

	// ToolTimeout bounds each tool execution.
	ToolTimeout time.Duration

	// ContextSnippets is how many snippets to request per run.
	ContextSnippets int
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   10,
		Parser:          "native",
		ToolTimeout:     30 * time.Second,
		ContextSnippets: 5,
	}
}

// ResponseChunk is one streamed piece of the run's reply.
type ResponseChunk struct {
	// Text is a display delta.
	Text string

	// ToolName is set on tool progress notifications.
	ToolName string

	// Done marks the final chunk. Err explains an abnormal finish.
	Done bool
	Err  error
}

// Runner owns one configured loop over a provider and the tool catalog.
type Runner struct {
	provider Provider
	catalog  *tools.Registry
	bus      *hooks.Registry
	fetcher  ContextFetcher
	cfg      Config
	logger   *slog.Logger
}

// NewRunner builds a runner. fetcher may be nil.
func NewRunner(provider Provider, catalog *tools.Registry, bus *hooks.Registry, fetcher ContextFetcher, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.ContextSnippets <= 0 {
		cfg.ContextSnippets = 5
	}
	if fetcher == nil {
		fetcher = NoopFetcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		provider: provider,
		catalog:  catalog,
		bus:      bus,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
	}
}

// Run executes the loop for one inbound message. cancelled is the run's
// cooperative cancel flag, polled after every streamed chunk and before
// every tool dispatch; a raised flag stops the loop at that boundary.
// The returned channel closes after the Done chunk.
func (r *Runner) Run(ctx context.Context, session *models.Session, turns []models.Message, inbound models.Message, cancelled func() bool) (<-chan *ResponseChunk, error) {
	if r.provider == nil {
		return nil, ErrNoProvider
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	out := make(chan *ResponseChunk, 16)
	go func() {
		defer close(out)
		r.run(ctx, session, turns, inbound, cancelled, out)
	}()
	return out, nil
}

func (r *Runner) run(ctx context.Context, session *models.Session, turns []models.Message, inbound models.Message, cancelled func() bool, out chan<- *ResponseChunk) {
	system := r.buildSystem(ctx, session, inbound.Content)
	messages := historyToMessages(turns)
	messages = append(messages, CompletionMessage{Role: models.RoleUser, Content: inbound.Content})
	specs := r.toolSpecs()

	r.publish(ctx, hooks.EventRunStarted, session, nil)

	for iteration := 1; iteration <= r.cfg.MaxIterations; iteration++ {
		stream, err := r.provider.Complete(ctx, &CompletionRequest{
			System:   system,
			Messages: messages,
			Tools:    specs,
			Model:    session.ModelTier,
		})
		if err != nil {
			out <- &ResponseChunk{Done: true, Err: loopErr(PhaseStream, iteration, err)}
			return
		}

		parser := NewParser(r.cfg.Parser)
		var assistantText strings.Builder
		var calls []models.ToolCall
		var streamErr error

		for chunk := range stream {
			if chunk == nil {
				continue
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			text, newCalls := parser.Feed(chunk)
			if text != "" {
				assistantText.WriteString(text)
				out <- &ResponseChunk{Text: text}
			}
			calls = append(calls, newCalls...)

			if cancelled() {
				r.finishCancelled(ctx, session, out)
				return
			}
		}
		if text, newCalls := parser.Flush(); text != "" || len(newCalls) > 0 {
			if text != "" {
				assistantText.WriteString(text)
				out <- &ResponseChunk{Text: text}
			}
			calls = append(calls, newCalls...)
		}

		if streamErr != nil {
			out <- &ResponseChunk{Done: true, Err: loopErr(PhaseStream, iteration, streamErr)}
			return
		}
		if cancelled() {
			r.finishCancelled(ctx, session, out)
			return
		}

		if len(calls) == 0 {
			r.publish(ctx, hooks.EventRunCompleted, session, nil)
			out <- &ResponseChunk{Done: true}
			return
		}

		messages = append(messages, CompletionMessage{
			Role:      models.RoleAssistant,
			Content:   assistantText.String(),
			ToolCalls: calls,
		})

		results, stopped := r.executeCalls(ctx, session, calls, cancelled, out)
		if stopped {
			r.finishCancelled(ctx, session, out)
			return
		}
		messages = append(messages, CompletionMessage{
			Role:        models.RoleTool,
			ToolResults: results,
		})
	}

	// Cap reached. Whatever text was streamed stands as the answer.
	r.logger.Warn("iteration cap reached",
		"session_key", session.Key.String(), "cap", r.cfg.MaxIterations)
	r.publish(ctx, hooks.EventRunCompleted, session, ErrMaxIterations)
	out <- &ResponseChunk{Done: true, Err: ErrMaxIterations}
}

// executeCalls runs tool calls in order. An unknown tool or a failing tool
// becomes an error result the model sees on the next round; only
// cancellation stops the sequence.
func (r *Runner) executeCalls(ctx context.Context, session *models.Session, calls []models.ToolCall, cancelled func() bool, out chan<- *ResponseChunk) ([]models.ToolResult, bool) {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if cancelled() {
			return results, true
		}

		r.publishTool(ctx, hooks.EventToolStart, session, call.Name, nil)
		out <- &ResponseChunk{ToolName: call.Name}

		toolCtx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
		res, err := r.catalog.Execute(toolCtx, call)
		cancel()

		var result models.ToolResult
		switch {
		case errors.Is(err, tools.ErrUnknownTool):
			result = models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("no tool named %q is available", call.Name),
				IsError:    true,
			}
			r.publishTool(ctx, hooks.EventToolError, session, call.Name, err)
		case err != nil:
			result = models.ToolResult{
				ToolCallID: call.ID,
				Content:    err.Error(),
				IsError:    true,
			}
			r.publishTool(ctx, hooks.EventToolError, session, call.Name, err)
		default:
			result = models.ToolResult{
				ToolCallID: call.ID,
				Content:    res.Content,
				IsError:    res.IsError,
				Warnings:   res.Warnings,
			}
			if res.IsError {
				r.publishTool(ctx, hooks.EventToolError, session, call.Name, errors.New(res.Content))
			} else {
				r.publishTool(ctx, hooks.EventToolEnd, session, call.Name, nil)
			}
		}
		results = append(results, result)
	}
	return results, false
}

func (r *Runner) finishCancelled(ctx context.Context, session *models.Session, out chan<- *ResponseChunk) {
	r.publish(ctx, hooks.EventRunCancelled, session, nil)
	out <- &ResponseChunk{Done: true, Err: ErrRunCancelled}
}

func (r *Runner) buildSystem(ctx context.Context, session *models.Session, query string) string {
	var b strings.Builder
	if persona := strings.TrimSpace(r.cfg.Persona); persona != "" {
		b.WriteString(persona)
		b.WriteString("\n\n")
	}
	if summary := strings.TrimSpace(session.Summary); summary != "" {
		b.WriteString("Previous conversation summary:\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	snippets, err := r.fetcher.Fetch(ctx, session.Key, query, r.cfg.ContextSnippets)
	if err != nil {
		r.logger.Warn("context fetch failed", "session_key", session.Key.String(), "error", err)
	}
	if len(snippets) > 0 {
		b.WriteString("Relevant context:\n")
		for _, sn := range snippets {
			b.WriteString("- ")
			if sn.Source != "" {
				b.WriteString("[" + sn.Source + "] ")
			}
			b.WriteString(sn.Content)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func (r *Runner) toolSpecs() []ToolSpec {
	defs := r.catalog.List()
	specs := make([]ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, ToolSpec{
			Name:        def.QualifiedName(),
			Description: def.Description,
			Schema:      def.Schema,
		})
	}
	return specs
}

func (r *Runner) publish(ctx context.Context, typ hooks.EventType, session *models.Session, err error) {
	if r.bus == nil {
		return
	}
	event := &hooks.Event{
		Type:       typ,
		SessionKey: session.Key.String(),
		Timestamp:  time.Now(),
	}
	if err != nil {
		event.Error = err
		event.ErrorMsg = err.Error()
	}
	r.bus.TriggerAsync(ctx, event)
}

func (r *Runner) publishTool(ctx context.Context, typ hooks.EventType, session *models.Session, tool string, err error) {
	if r.bus == nil {
		return
	}
	event := &hooks.Event{
		Type:       typ,
		SessionKey: session.Key.String(),
		Timestamp:  time.Now(),
		Context:    map[string]any{"tool": tool},
	}
	if err != nil {
		event.Error = err
		event.ErrorMsg = err.Error()
	}
	r.bus.TriggerAsync(ctx, event)
}

func historyToMessages(turns []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" && len(t.ToolCalls) == 0 && len(t.ToolResults) == 0 {
			continue
		}
		out = append(out, CompletionMessage{
			Role:        t.Role,
			Content:     t.Content,
			ToolCalls:   t.ToolCalls,
			ToolResults: t.ToolResults,
		})
	}
	return out
}

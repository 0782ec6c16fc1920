package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/relayhq/relay/pkg/models"
)

// ToolCallParser extracts tool calls from a completion stream. Two
// encodings exist: providers with structured tool support emit calls as
// typed chunks (NativeParser), others embed a delimited block in the text
// stream (TextParser).
type ToolCallParser interface {
	// Feed consumes one chunk and returns the display text plus any
	// tool calls completed by it.
	Feed(chunk *CompletionChunk) (string, []models.ToolCall)

	// Flush returns whatever text is still buffered at stream end.
	Flush() (string, []models.ToolCall)
}

// NewParser returns the parser for a configured encoding name.
func NewParser(kind string) ToolCallParser {
	if kind == "text" {
		return NewTextParser()
	}
	return &NativeParser{}
}

// NativeParser passes text through and lifts structured tool-call chunks.
type NativeParser struct{}

// Feed implements ToolCallParser.
func (p *NativeParser) Feed(chunk *CompletionChunk) (string, []models.ToolCall) {
	if chunk.ToolCall != nil {
		call := *chunk.ToolCall
		if call.ID == "" {
			call.ID = uuid.New().String()
		}
		return chunk.Text, []models.ToolCall{call}
	}
	return chunk.Text, nil
}

// Flush implements ToolCallParser.
func (p *NativeParser) Flush() (string, []models.ToolCall) {
	return "", nil
}

const (
	textCallStart = "```tool_call"
	textCallEnd   = "```"
)

// TextParser scans the text stream for delimited invocation blocks:
//
//	```tool_call
//	{"name": "weather__forecast", "arguments": {"city": "Oslo"}}
//	```
//
// The block is suppressed from display text and emitted as a structured
// call. Blocks may straddle chunk boundaries.
type TextParser struct {
	buf     strings.Builder
	inBlock bool
}

// NewTextParser creates a fresh parser for one stream.
func NewTextParser() *TextParser {
	return &TextParser{}
}

// Feed implements ToolCallParser.
func (p *TextParser) Feed(chunk *CompletionChunk) (string, []models.ToolCall) {
	if chunk.ToolCall != nil {
		// Provider sent a structured call even in text mode.
		call := *chunk.ToolCall
		if call.ID == "" {
			call.ID = uuid.New().String()
		}
		return chunk.Text, []models.ToolCall{call}
	}
	if chunk.Text == "" {
		return "", nil
	}
	p.buf.WriteString(chunk.Text)
	return p.drain()
}

// Flush implements ToolCallParser. An unterminated block is returned as
// plain text rather than dropped.
func (p *TextParser) Flush() (string, []models.ToolCall) {
	rest := p.buf.String()
	p.buf.Reset()
	if p.inBlock {
		p.inBlock = false
		return textCallStart + rest, nil
	}
	return rest, nil
}

func (p *TextParser) drain() (string, []models.ToolCall) {
	var out strings.Builder
	var calls []models.ToolCall

	work := p.buf.String()
	p.buf.Reset()

	for {
		if p.inBlock {
			end := strings.Index(work, textCallEnd)
			if end < 0 {
				// Keep the partial block buffered.
				p.buf.WriteString(work)
				return out.String(), calls
			}
			body := work[:end]
			work = work[end+len(textCallEnd):]
			p.inBlock = false
			if call, ok := parseTextCall(body); ok {
				calls = append(calls, call)
			} else {
				// Not a valid invocation, surface it verbatim.
				out.WriteString(textCallStart + body + textCallEnd)
			}
			continue
		}

		start := strings.Index(work, textCallStart)
		if start < 0 {
			// Hold back a trailing partial marker, emit the rest.
			hold := partialSuffix(work, textCallStart)
			out.WriteString(work[:len(work)-hold])
			p.buf.WriteString(work[len(work)-hold:])
			return out.String(), calls
		}
		out.WriteString(work[:start])
		work = work[start+len(textCallStart):]
		p.inBlock = true
	}
}

func parseTextCall(body string) (models.ToolCall, bool) {
	var payload struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &payload); err != nil {
		return models.ToolCall{}, false
	}
	if strings.TrimSpace(payload.Name) == "" {
		return models.ToolCall{}, false
	}
	call := models.ToolCall{ID: payload.ID, Name: payload.Name, Input: payload.Arguments}
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if len(call.Input) == 0 {
		call.Input = json.RawMessage(`{}`)
	}
	return call, true
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relayhq/relay/pkg/models"
)

// Frame type identifiers on the adapter websocket.
const (
	FrameHello       = "hello"
	FrameEvent       = "event"
	FrameCancel      = "cancel"
	FrameStreamChunk = "stream_chunk"
	FrameStreamEnd   = "stream_end"
	FrameError       = "error"
	FrameNotice      = "notice"
)

// Error codes carried on error frames.
const (
	CodeMalformedEvent = "malformed_event"
	CodeUnauthorized   = "unauthorized"
	CodeHelloRequired  = "hello_required"
	CodeRunFailed      = "run_failed"
)

// Frame is the single wire envelope used in both directions. Which fields
// are populated depends on Type.
type Frame struct {
	Type string `json:"type"`

	// hello
	Adapter  string `json:"adapter,omitempty"`
	Platform string `json:"platform,omitempty"`
	Token    string `json:"token,omitempty"`

	// event / cancel addressing
	Channel     string `json:"channel,omitempty"`
	ChannelKind string `json:"channel_kind,omitempty"`
	User        string `json:"user,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`

	// event payload and stream_chunk delta
	Content     string              `json:"content,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`

	// stream progress
	Tool string `json:"tool,omitempty"`

	// error / notice
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	Position int    `json:"position,omitempty"`
}

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	base    *jsonschema.Schema
	byType  map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		base, err := jsonschema.CompileString("frame", frameBaseSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.base = base

		perType := map[string]string{
			FrameHello:  frameHelloSchema,
			FrameEvent:  frameEventSchema,
			FrameCancel: frameCancelSchema,
		}
		frameSchemas.byType = make(map[string]*jsonschema.Schema, len(perType))
		for name, schema := range perType {
			compiled, err := jsonschema.CompileString("frame_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.byType[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// decodeInboundFrame parses and validates one frame received from an
// adapter. Only hello, event and cancel are accepted inbound.
func decodeInboundFrame(raw []byte) (*Frame, error) {
	if err := initFrameSchemas(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := frameSchemas.base.Validate(payload); err != nil {
		return nil, err
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	schema, ok := frameSchemas.byType[frame.Type]
	if !ok {
		return nil, fmt.Errorf("frame type %q is not accepted from adapters", frame.Type)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, err
	}
	return &frame, nil
}

const frameBaseSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const frameHelloSchema = `{
  "type": "object",
  "required": ["type", "adapter", "platform"],
  "properties": {
    "type": { "const": "hello" },
    "adapter": { "type": "string", "minLength": 1 },
    "platform": { "type": "string", "minLength": 1 },
    "token": { "type": "string" }
  },
  "additionalProperties": true
}`

const frameEventSchema = `{
  "type": "object",
  "required": ["type", "channel", "user", "content"],
  "properties": {
    "type": { "const": "event" },
    "channel": { "type": "string", "minLength": 1 },
    "user": { "type": "string", "minLength": 1 },
    "content": { "type": "string", "minLength": 1 },
    "channel_kind": { "enum": ["direct", "broadcast"] },
    "sender_name": { "type": "string" },
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": { "type": "string" },
          "type": { "type": "string" },
          "url": { "type": "string" },
          "filename": { "type": "string" },
          "mime_type": { "type": "string" },
          "size": { "type": "integer" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`

const frameCancelSchema = `{
  "type": "object",
  "required": ["type", "channel"],
  "properties": {
    "type": { "const": "cancel" },
    "channel": { "type": "string", "minLength": 1 },
    "user": { "type": "string" }
  },
  "additionalProperties": true
}`

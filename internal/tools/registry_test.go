package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/relayhq/relay/pkg/models"
)

func echoHandler(ctx context.Context, args json.RawMessage) (string, error) {
	return string(args), nil
}

func TestRegisterLastWriteWins(t *testing.T) {
	r := NewRegistry(nil)

	first := Definition{
		Name: "forecast", Namespace: "weather",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "v1", nil
		},
	}
	second := Definition{
		Name: "forecast", Namespace: "weather",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "v2", nil
		},
	}
	if err := r.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := r.Register(second); err != nil {
		t.Fatalf("register second: %v", err)
	}

	if got := len(r.List()); got != 1 {
		t.Fatalf("catalog size = %d, want 1", got)
	}
	res, err := r.Execute(context.Background(), models.ToolCall{Name: "weather__forecast"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Content != "v2" {
		t.Errorf("content = %q, want replacement handler output", res.Content)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), models.ToolCall{Name: "nope"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestUnregisterNamespace(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Definition{Name: "a", Namespace: "weather", Handler: echoHandler})
	r.Register(Definition{Name: "b", Namespace: "weather", Handler: echoHandler})
	r.Register(Definition{Name: "now", Handler: echoHandler})

	if removed := r.UnregisterNamespace("weather"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := r.Get("now"); !ok {
		t.Error("built-in tool removed with namespace")
	}
	if _, ok := r.Get("weather__a"); ok {
		t.Error("namespaced tool survived unregister")
	}
}

func TestExecuteValidatesAndCoerces(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"city": {"type": "string"},
			"days": {"type": "integer"},
			"units": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["city"]
	}`)

	var gotArgs string
	r := NewRegistry(nil)
	r.Register(Definition{
		Name: "forecast", Namespace: "weather", Schema: schema,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			gotArgs = string(args)
			return "sunny", nil
		},
	})

	t.Run("missing required", func(t *testing.T) {
		res, err := r.Execute(context.Background(), models.ToolCall{
			Name:  "weather__forecast",
			Input: json.RawMessage(`{"days": 3}`),
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if !res.IsError || !strings.Contains(res.Content, "city") {
			t.Errorf("result = %+v, want required-argument error", res)
		}
	})

	t.Run("coercions recorded as warnings", func(t *testing.T) {
		res, err := r.Execute(context.Background(), models.ToolCall{
			Name:  "weather__forecast",
			Input: json.RawMessage(`{"city": "Oslo", "days": "3", "units": "metric"}`),
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if res.IsError {
			t.Fatalf("unexpected error result: %s", res.Content)
		}
		if len(res.Warnings) != 2 {
			t.Errorf("warnings = %v, want 2 entries", res.Warnings)
		}
		if !strings.Contains(gotArgs, `"days":3`) {
			t.Errorf("args %q missing coerced integer", gotArgs)
		}
		if !strings.Contains(gotArgs, `["metric"]`) {
			t.Errorf("args %q missing wrapped array", gotArgs)
		}
	})

	t.Run("uncoercible value rejected", func(t *testing.T) {
		res, err := r.Execute(context.Background(), models.ToolCall{
			Name:  "weather__forecast",
			Input: json.RawMessage(`{"city": "Oslo", "days": "soon"}`),
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if !res.IsError {
			t.Errorf("result = %+v, want validation error", res)
		}
	})
}

func TestExecuteRecoversHandlerPanic(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Definition{
		Name: "explode",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			panic("kaboom")
		},
	})

	res, err := r.Execute(context.Background(), models.ToolCall{Name: "explode"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "panic") {
		t.Errorf("result = %+v, want panic surfaced as error result", res)
	}
}

func TestHandlerErrorBecomesErrorResult(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Definition{
		Name: "flaky",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("upstream timeout")
		},
	})

	res, err := r.Execute(context.Background(), models.ToolCall{Name: "flaky"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "upstream timeout") {
		t.Errorf("result = %+v, want handler error in content", res)
	}
}

package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relayhq/relay/internal/config"
)

func TestLoadEntriesRegistersCommands(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := config.HooksConfig{Entries: []config.HookEntryConfig{
		{Event: "session.created", Name: "on-session", Command: []string{"true"}},
		{Event: "plugin.crashed", Command: []string{"true"}, Async: true},
	}}

	ids, err := LoadEntries(registry, cfg, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %d, want 2", len(ids))
	}

	events := registry.RegisteredEvents()
	for _, want := range []string{"session.created", "plugin.crashed"} {
		var found bool
		for _, ev := range events {
			if ev == want {
				found = true
			}
		}
		if !found {
			t.Errorf("event %q not registered, have %v", want, events)
		}
	}
}

func TestLoadEntriesReplacesPreviousConfig(t *testing.T) {
	registry := NewRegistry(nil)

	first := config.HooksConfig{Entries: []config.HookEntryConfig{
		{Event: "run.completed", Command: []string{"true"}},
		{Event: "run.cancelled", Command: []string{"true"}},
	}}
	if _, err := LoadEntries(registry, first, nil); err != nil {
		t.Fatalf("first load: %v", err)
	}

	second := config.HooksConfig{Entries: []config.HookEntryConfig{
		{Event: "run.completed", Command: []string{"true"}},
	}}
	if _, err := LoadEntries(registry, second, nil); err != nil {
		t.Fatalf("second load: %v", err)
	}

	for _, ev := range registry.RegisteredEvents() {
		if ev == "run.cancelled" {
			t.Error("stale config registration survived reload")
		}
	}
}

func TestLoadEntriesRejectsInvalid(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := config.HooksConfig{Entries: []config.HookEntryConfig{
		{Event: "", Command: []string{"true"}},
	}}
	if _, err := LoadEntries(registry, cfg, nil); err == nil {
		t.Fatal("entry without event accepted")
	}
}

func TestCommandHookReceivesEventOnStdin(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "event.json")

	registry := NewRegistry(nil)
	cfg := config.HooksConfig{Entries: []config.HookEntryConfig{
		{Event: "session.created", Command: []string{"cp", "/dev/stdin", outPath}},
	}}
	if _, err := LoadEntries(registry, cfg, nil); err != nil {
		t.Fatalf("load: %v", err)
	}

	event := &Event{Type: EventSessionCreated, SessionKey: "telegram:dm-1:jonathan", Timestamp: time.Now()}
	if err := registry.Trigger(context.Background(), event); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read hook output: %v", err)
	}
	if !strings.Contains(string(data), `"session.created"`) {
		t.Errorf("hook stdin = %s, want event json", data)
	}
	if !strings.Contains(string(data), "telegram:dm-1:jonathan") {
		t.Errorf("hook stdin missing session key: %s", data)
	}
}

func TestCommandHookFailureSurfaces(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := config.HooksConfig{Entries: []config.HookEntryConfig{
		{Event: "run.completed", Command: []string{"false"}},
	}}
	if _, err := LoadEntries(registry, cfg, nil); err != nil {
		t.Fatalf("load: %v", err)
	}

	event := &Event{Type: EventRunCompleted, Timestamp: time.Now()}
	if err := registry.Trigger(context.Background(), event); err == nil {
		t.Fatal("failing hook command reported no error")
	}
}

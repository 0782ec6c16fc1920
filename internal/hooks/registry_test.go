package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTriggerPriorityOrder(t *testing.T) {
	r := NewRegistry(nil)

	var order []string
	r.Register(string(EventToolStart), func(ctx context.Context, e *Event) error {
		order = append(order, "low")
		return nil
	}, WithPriority(PriorityLow))
	r.Register(string(EventToolStart), func(ctx context.Context, e *Event) error {
		order = append(order, "high")
		return nil
	}, WithPriority(PriorityHigh))

	if err := r.Trigger(context.Background(), &Event{Type: EventToolStart}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Errorf("handler order = %v, want [high low]", order)
	}
}

func TestTriggerTypeActionMatching(t *testing.T) {
	r := NewRegistry(nil)

	var typeHits, actionHits int
	r.Register(string(EventRunCompleted), func(ctx context.Context, e *Event) error {
		typeHits++
		return nil
	})
	r.Register(string(EventRunCompleted)+":final", func(ctx context.Context, e *Event) error {
		actionHits++
		return nil
	})

	r.Trigger(context.Background(), &Event{Type: EventRunCompleted})
	r.Trigger(context.Background(), &Event{Type: EventRunCompleted, Action: "final"})

	if typeHits != 2 {
		t.Errorf("type handler hits = %d, want 2", typeHits)
	}
	if actionHits != 1 {
		t.Errorf("action handler hits = %d, want 1", actionHits)
	}
}

func TestTriggerIsolatesPanicsAndErrors(t *testing.T) {
	r := NewRegistry(nil)

	var ran bool
	r.Register(string(EventPluginCrashed), func(ctx context.Context, e *Event) error {
		panic("handler exploded")
	}, WithPriority(PriorityHighest))
	r.Register(string(EventPluginCrashed), func(ctx context.Context, e *Event) error {
		return errors.New("handler failed")
	}, WithPriority(PriorityHigh))
	r.Register(string(EventPluginCrashed), func(ctx context.Context, e *Event) error {
		ran = true
		return nil
	}, WithPriority(PriorityLow))

	err := r.Trigger(context.Background(), &Event{Type: EventPluginCrashed})
	if err == nil {
		t.Fatal("expected first error to surface")
	}
	if !ran {
		t.Error("later handler did not run after earlier panic and error")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(nil)

	var hits int
	id := r.Register(string(EventSessionCreated), func(ctx context.Context, e *Event) error {
		hits++
		return nil
	})

	if !r.Unregister(id) {
		t.Fatal("unregister returned false for live registration")
	}
	if r.Unregister(id) {
		t.Error("second unregister should return false")
	}

	r.Trigger(context.Background(), &Event{Type: EventSessionCreated})
	if hits != 0 {
		t.Errorf("handler ran after unregister, hits = %d", hits)
	}
}

func TestUnregisterSource(t *testing.T) {
	r := NewRegistry(nil)

	r.Register(string(EventToolEnd), func(ctx context.Context, e *Event) error { return nil },
		WithSource("weather"))
	r.Register(string(EventToolError), func(ctx context.Context, e *Event) error { return nil },
		WithSource("weather"))
	kept := r.Register(string(EventToolEnd), func(ctx context.Context, e *Event) error { return nil },
		WithSource("calendar"))

	if removed := r.UnregisterSource("weather"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if !r.Unregister(kept) {
		t.Error("registration from other source was removed")
	}
}

func TestAsyncHandlerDelivery(t *testing.T) {
	r := NewRegistry(nil)

	var hits atomic.Int32
	done := make(chan struct{})
	r.Register(string(EventGatewayStartup), func(ctx context.Context, e *Event) error {
		hits.Add(1)
		close(done)
		return nil
	}, WithAsync())

	if err := r.Trigger(context.Background(), &Event{Type: EventGatewayStartup}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

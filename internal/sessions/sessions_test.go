package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/relayhq/relay/pkg/models"
)

var testKey = models.NewSessionKey("telegram", "dm-7", "alice")

func TestGetOrCreate(t *testing.T) {
	store := NewStore(10)
	now := time.Now()

	first, created := store.GetOrCreate(testKey, now)
	if !created {
		t.Fatal("first contact should create the session")
	}
	second, created := store.GetOrCreate(testKey, now.Add(time.Minute))
	if created {
		t.Fatal("second contact should reuse the session")
	}
	if first.ID != second.ID {
		t.Errorf("session IDs differ: %s vs %s", first.ID, second.ID)
	}
}

func TestAppendTurnBounded(t *testing.T) {
	store := NewStore(3)
	now := time.Now()
	store.GetOrCreate(testKey, now)

	for i := 0; i < 5; i++ {
		store.AppendTurn(testKey, models.Message{ID: string(rune('a' + i))})
	}
	turns := store.Turns(testKey)
	if len(turns) != 3 {
		t.Fatalf("turns = %d, want bound of 3", len(turns))
	}
	if turns[0].ID != "c" {
		t.Errorf("oldest kept turn = %q, want c", turns[0].ID)
	}
}

func TestRunLockerSingleActiveRun(t *testing.T) {
	locker := NewRunLocker()

	if !locker.TryLock(testKey) {
		t.Fatal("first TryLock should succeed")
	}
	if locker.TryLock(testKey) {
		t.Fatal("second TryLock should fail while run is active")
	}
	other := models.NewSessionKey("telegram", "dm-8", "bob")
	if !locker.TryLock(other) {
		t.Error("lock for a different key should be independent")
	}

	locker.Unlock(testKey)
	if !locker.TryLock(testKey) {
		t.Error("TryLock should succeed after unlock")
	}
}

func TestRunLockerLockWaits(t *testing.T) {
	locker := NewRunLocker()
	locker.TryLock(testKey)

	acquired := make(chan error, 1)
	go func() {
		acquired <- locker.Lock(context.Background(), testKey)
	}()

	select {
	case <-acquired:
		t.Fatal("Lock returned while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	locker.Unlock(testKey)
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("lock after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Lock never acquired after release")
	}
}

func TestSweepEvictsIdleWithSummary(t *testing.T) {
	clock := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	store := NewStore(10)
	locker := NewRunLocker()
	store.GetOrCreate(testKey, clock.Add(-45*time.Minute))
	store.AppendTurn(testKey, models.Message{Role: models.RoleUser, Content: "remind me to stretch"})

	summarizer := SummarizerFunc(func(ctx context.Context, key models.SessionKey, turns []models.Message) (string, error) {
		return "user wants stretch reminders", nil
	})
	sweeper := NewSweeper(store, locker, nil, summarizer, 30*time.Minute, WithSweeperNow(now))

	if evicted := sweeper.SweepOnce(context.Background()); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if store.Len() != 0 {
		t.Error("session survived eviction")
	}

	sess, created := store.GetOrCreate(testKey, clock)
	if !created {
		t.Fatal("expected a fresh session after eviction")
	}
	if sess.Summary != "user wants stretch reminders" {
		t.Errorf("carried summary = %q", sess.Summary)
	}
}

func TestSweepSkipsActiveRuns(t *testing.T) {
	clock := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	store := NewStore(10)
	locker := NewRunLocker()

	store.GetOrCreate(testKey, clock.Add(-45*time.Minute))
	locker.TryLock(testKey)

	sweeper := NewSweeper(store, locker, nil, nil, 30*time.Minute,
		WithSweeperNow(func() time.Time { return clock }))

	if evicted := sweeper.SweepOnce(context.Background()); evicted != 0 {
		t.Errorf("evicted = %d, want 0 while run is active", evicted)
	}
	if store.Len() != 1 {
		t.Error("session with active run was evicted")
	}
}

func TestSweepLeavesFreshSessions(t *testing.T) {
	clock := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	store := NewStore(10)

	store.GetOrCreate(testKey, clock.Add(-5*time.Minute))
	sweeper := NewSweeper(store, NewRunLocker(), nil, nil, 30*time.Minute,
		WithSweeperNow(func() time.Time { return clock }))

	if evicted := sweeper.SweepOnce(context.Background()); evicted != 0 {
		t.Errorf("evicted = %d, want 0 for fresh session", evicted)
	}
}

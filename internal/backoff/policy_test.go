package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 1000, Factor: 2, Jitter: 0.1}

	tests := []struct {
		name    string
		attempt int
		random  float64
		want    time.Duration
	}{
		{"first attempt no jitter", 1, 0, 100 * time.Millisecond},
		{"second attempt doubles", 2, 0, 200 * time.Millisecond},
		{"jitter adds fraction", 1, 0.5, 105 * time.Millisecond},
		{"clamped to max", 6, 0, 1000 * time.Millisecond},
		{"zero attempt treated as first", 0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(policy, tt.attempt, tt.random)
			if got != tt.want {
				t.Errorf("ComputeWithRand(attempt=%d, rand=%v) = %v, want %v",
					tt.attempt, tt.random, got, tt.want)
			}
		})
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 5,
		Policy:      Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0},
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 5,
		Policy:      Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0},
	}

	cause := errors.New("bad request")
	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		return Permanent(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped %v", err, cause)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		t.Fatal("op should not run with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

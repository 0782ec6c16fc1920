package backoff

import (
	"context"
	"errors"
	"time"
)

// RetryConfig configures the Retry helper.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// Policy paces the sleeps between attempts.
	Policy Policy
}

// DefaultRetryConfig returns the configuration the HTTP transport uses.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Policy:      QuickPolicy(),
	}
}

// Retry executes op until it succeeds, returns a permanent error, the
// attempts are exhausted, or ctx is cancelled. The last error is returned.
func Retry(ctx context.Context, config RetryConfig, op func() error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Policy.InitialMs <= 0 {
		config.Policy = QuickPolicy()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || attempt >= config.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Compute(config.Policy, attempt)):
		}
	}
	return lastErr
}

// PermanentError marks an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error so Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

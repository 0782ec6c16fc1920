package sessions

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/relayhq/relay/internal/hooks"
	"github.com/relayhq/relay/pkg/models"
)

// Summarizer condenses a session's turns into a handoff summary before
// eviction. Implementations typically call the model; tests use a stub.
type Summarizer interface {
	Summarize(ctx context.Context, key models.SessionKey, turns []models.Message) (string, error)
}

// SummarizerFunc adapts a function to a Summarizer.
type SummarizerFunc func(ctx context.Context, key models.SessionKey, turns []models.Message) (string, error)

// Summarize executes the summarizer function.
func (f SummarizerFunc) Summarize(ctx context.Context, key models.SessionKey, turns []models.Message) (string, error) {
	return f(ctx, key, turns)
}

// Sweeper evicts sessions idle past the timeout, handing their turns to
// the summarizer so the next session under the key starts warm.
type Sweeper struct {
	store       *Store
	locker      *RunLocker
	bus         *hooks.Registry
	summarizer  Summarizer
	idleTimeout time.Duration
	nowFunc     func() time.Time
	logger      *slog.Logger
}

// SweeperOption configures the sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperNow overrides the clock for tests.
func WithSweeperNow(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger.With("component", "sessions")
		}
	}
}

// NewSweeper creates a sweeper. summarizer may be nil, in which case
// evicted sessions carry no summary.
func NewSweeper(store *Store, locker *RunLocker, bus *hooks.Registry, summarizer Summarizer, idleTimeout time.Duration, opts ...SweeperOption) *Sweeper {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	s := &Sweeper{
		store:       store,
		locker:      locker,
		bus:         bus,
		summarizer:  summarizer,
		idleTimeout: idleTimeout,
		nowFunc:     time.Now,
		logger:      slog.Default().With("component", "sessions"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce evicts every idle session and returns the count. Sessions with
// an active run are skipped until a later sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.nowFunc()
	cutoff := now.Add(-s.idleTimeout)

	evicted := 0
	for _, key := range s.store.IdleBefore(cutoff) {
		if s.locker != nil && s.locker.Active(key) {
			continue
		}

		summary := ""
		if s.summarizer != nil {
			turns := s.store.Turns(key)
			if len(turns) > 0 {
				var err error
				summary, err = s.summarizer.Summarize(ctx, key, turns)
				if err != nil {
					s.logger.Warn("summarize before eviction failed",
						"session_key", key.String(), "error", err)
					summary = ""
				}
				summary = strings.TrimSpace(summary)
			}
		}

		s.store.Delete(key, summary)
		evicted++
		s.logger.Info("evicted idle session", "session_key", key.String(), "summarized", summary != "")

		if s.bus != nil {
			s.bus.TriggerAsync(ctx, &hooks.Event{
				Type:       hooks.EventSessionEvicted,
				SessionKey: key.String(),
				Timestamp:  now,
				Context:    map[string]any{"summarized": summary != ""},
			})
		}
	}
	return evicted
}

// Run sweeps on the given interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

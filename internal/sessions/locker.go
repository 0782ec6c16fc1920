package sessions

import (
	"context"
	"sync"

	"github.com/relayhq/relay/pkg/models"
)

// RunLocker enforces at most one active run per session key. The gateway
// try-locks on dispatch and queues the message when the lock is held.
type RunLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewRunLocker creates an empty locker.
func NewRunLocker() *RunLocker {
	return &RunLocker{locks: make(map[string]chan struct{})}
}

// TryLock acquires the run lock for a key without blocking. Returns false
// when a run is already active.
func (l *RunLocker) TryLock(key models.SessionKey) bool {
	k := key.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locks[k]; held {
		return false
	}
	l.locks[k] = make(chan struct{})
	return true
}

// Lock blocks until the run lock is acquired or ctx is done.
func (l *RunLocker) Lock(ctx context.Context, key models.SessionKey) error {
	for {
		l.mu.Lock()
		ch, held := l.locks[key.String()]
		if !held {
			l.locks[key.String()] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Unlock releases the run lock for a key and wakes any waiters.
func (l *RunLocker) Unlock(key models.SessionKey) {
	k := key.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, held := l.locks[k]; held {
		delete(l.locks, k)
		close(ch)
	}
}

// Active reports whether a run currently holds the lock for a key.
func (l *RunLocker) Active(key models.SessionKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.locks[key.String()]
	return held
}

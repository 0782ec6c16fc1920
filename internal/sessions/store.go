// Package sessions tracks conversation state per (platform, channel, user)
// key: recent turns, the summary carried over from the last eviction, and
// the run lock that keeps each session to a single active run.
package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay/pkg/models"
)

// Store is the in-memory session registry.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	turns     map[string][]models.Message
	summaries map[string]string // carried across evictions, keyed by session key
	maxTurns  int
}

// NewStore creates a registry bounding each session to maxTurns recent
// messages.
func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = 40
	}
	return &Store{
		sessions:  make(map[string]*models.Session),
		turns:     make(map[string][]models.Message),
		summaries: make(map[string]string),
		maxTurns:  maxTurns,
	}
}

// GetOrCreate returns the session for a key, creating it on first contact.
// A new session inherits the summary carried from the previous eviction
// under the same key.
func (s *Store) GetOrCreate(key models.SessionKey, now time.Time) (*models.Session, bool) {
	k := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[k]; ok {
		return cloneSession(sess), false
	}
	sess := &models.Session{
		ID:         uuid.New().String(),
		Key:        key,
		Summary:    s.summaries[k],
		CreatedAt:  now,
		LastActive: now,
	}
	s.sessions[k] = sess
	return cloneSession(sess), true
}

// Get returns the session for a key if one exists.
func (s *Store) Get(key models.SessionKey) (*models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key.String()]
	if !ok {
		return nil, false
	}
	return cloneSession(sess), true
}

// Touch updates the session's last-active timestamp.
func (s *Store) Touch(key models.SessionKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key.String()]; ok {
		sess.LastActive = now
	}
}

// AppendTurn records a message against the session, trimming to the
// configured bound.
func (s *Store) AppendTurn(key models.SessionKey, msg models.Message) {
	k := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.turns[k], msg)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.turns[k] = turns
}

// Turns returns a copy of the session's recent messages.
func (s *Store) Turns(key models.SessionKey) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.turns[key.String()]
	out := make([]models.Message, len(src))
	copy(out, src)
	return out
}

// Delete removes the session and its turns. The carried summary, when set,
// survives so the key's next session starts warm.
func (s *Store) Delete(key models.SessionKey, summary string) {
	k := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, k)
	delete(s.turns, k)
	if summary != "" {
		s.summaries[k] = summary
	}
}

// IdleBefore returns the keys of sessions whose last activity is before
// the cutoff.
func (s *Store) IdleBefore(cutoff time.Time) []models.SessionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SessionKey
	for _, sess := range s.sessions {
		if sess.LastActive.Before(cutoff) {
			out = append(out, sess.Key)
		}
	}
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func cloneSession(sess *models.Session) *models.Session {
	out := *sess
	if sess.Metadata != nil {
		out.Metadata = make(map[string]any, len(sess.Metadata))
		for k, v := range sess.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

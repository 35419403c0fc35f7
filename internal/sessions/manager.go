// Package sessions associates opaque session identifiers with adaptive
// decoding state that persists across translate calls from the same logical
// conversation or document. The registry guarantees race-free first use and
// isolation between sessions; it never expires sessions on its own -
// expiry is driven by an external supervisor through PurgeIdle.
package sessions

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// contextBlend controls how strongly a new request's context overlay pulls
// the session's accumulated overlay toward it.
const contextBlend = 0.5

// Session holds the adaptive state of one logical conversation. All access
// happens under the lock handed out by Manager.Acquire, so concurrent calls
// on the same session serialize while different sessions proceed
// independently.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu             sync.Mutex
	lastUsed       atomic.Int64 // unix nano
	calls          atomic.Int64
	contextWeights map[string]float32
}

// ContextWeights returns a copy of the session's accumulated context
// overlay. Call only while holding the session via Acquire.
func (s *Session) ContextWeights() map[string]float32 {
	out := make(map[string]float32, len(s.contextWeights))
	for k, v := range s.contextWeights {
		out[k] = v
	}
	return out
}

// FoldContext blends a request's context overlay into the session's
// accumulated overlay. Call only while holding the session via Acquire.
func (s *Session) FoldContext(overlay map[string]float32) {
	for name, v := range overlay {
		if old, ok := s.contextWeights[name]; ok {
			s.contextWeights[name] = old*(1-contextBlend) + v*contextBlend
		} else {
			s.contextWeights[name] = v
		}
	}
}

// Calls returns how many translate calls this session has served.
func (s *Session) Calls() int64 {
	return s.calls.Load()
}

// LastUsed returns the time of the most recent Acquire.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Manager is the session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Acquire returns the session for id, creating it if it does not exist yet
// (an empty id gets a fresh uuid). The session is returned locked; the
// caller must invoke the release function when done. Creation is idempotent
// and race-free under concurrent first use.
func (m *Manager) Acquire(id string) (*Session, func()) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		// Double-check another goroutine didn't create it
		session, ok = m.sessions[id]
		if !ok {
			session = &Session{
				ID:             id,
				CreatedAt:      time.Now(),
				contextWeights: make(map[string]float32),
			}
			m.sessions[id] = session
			log.Debug().Str("session", id).Msg("Session created")
		}
		m.mu.Unlock()
	}

	session.mu.Lock()
	session.lastUsed.Store(time.Now().UnixNano())
	session.calls.Add(1)
	return session, session.mu.Unlock
}

// Get returns a session without locking it, for inspection only.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	return session, ok
}

// Delete removes a session. In-flight calls holding the session finish
// normally on their private reference.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		log.Info().Str("session", id).Msg("Session deleted")
	}
	return ok
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// PurgeIdle removes sessions whose last use is older than the given age and
// that are not currently held by a call. Returns how many were removed.
// Lifecycle policy lives with the caller; the registry only executes it.
func (m *Manager) PurgeIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, session := range m.sessions {
		if session.lastUsed.Load() >= cutoff {
			continue
		}
		if !session.mu.TryLock() {
			continue // in use right now
		}
		session.mu.Unlock()
		delete(m.sessions, id)
		purged++
	}

	if purged > 0 {
		log.Info().Int("count", purged).Msg("Purged idle sessions")
	}
	return purged
}

package server

import (
	"sync"
	"time"

	"github.com/Wambui-N/f2s-sub002/internal/credentials"
)

const consentStateTTL = 10 * time.Minute

type consentState struct {
	userID    string
	provider  credentials.Provider
	expiresAt time.Time
}

// stateStore tracks pending OAuth consent states so the callback can tie the
// redirect back to the user who started it. States are single use.
type stateStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	states map[string]consentState
	clock  func() time.Time
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{
		ttl:    ttl,
		states: make(map[string]consentState),
		clock:  time.Now,
	}
}

func (s *stateStore) put(state, userID string, provider credentials.Provider) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pending := range s.states {
		if now.After(pending.expiresAt) {
			delete(s.states, key)
		}
	}
	s.states[state] = consentState{
		userID:    userID,
		provider:  provider,
		expiresAt: now.Add(s.ttl),
	}
}

// consume removes and returns the pending state. Unknown or expired states
// return false.
func (s *stateStore) consume(state string) (consentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.states[state]
	if !ok {
		return consentState{}, false
	}
	delete(s.states, state)
	if s.clock().After(pending.expiresAt) {
		return consentState{}, false
	}
	return pending, true
}

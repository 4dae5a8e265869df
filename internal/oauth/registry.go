package oauth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultStateTTL = 10 * time.Minute

// StateRegistry maps one-shot OAuth state nonces to server names so the
// callback endpoint can route an authorization code to the right upstream.
type StateRegistry struct {
	mu     sync.Mutex
	ttl    time.Duration
	states map[string]stateEntry
}

type stateEntry struct {
	server string
	issued time.Time
}

// NewStateRegistry creates an empty registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{
		ttl:    defaultStateTTL,
		states: make(map[string]stateEntry),
	}
}

// Issue registers a fresh nonce for server and returns it.
func (r *StateRegistry) Issue(server string) string {
	state := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	r.states[state] = stateEntry{server: server, issued: time.Now()}
	return state
}

// Resolve consumes a nonce and returns the server it was issued for.
// A nonce resolves at most once; expired nonces do not resolve.
func (r *StateRegistry) Resolve(state string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.states[state]
	if !ok {
		return "", false
	}
	delete(r.states, state)
	if time.Since(entry.issued) > r.ttl {
		return "", false
	}
	return entry.server, true
}

// prune drops expired entries. Caller holds the lock.
func (r *StateRegistry) prune(now time.Time) {
	for state, entry := range r.states {
		if now.Sub(entry.issued) > r.ttl {
			delete(r.states, state)
		}
	}
}

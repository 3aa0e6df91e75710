package gateway

import (
	"sync"
	"time"

	"github.com/voxcart/voxcart/pkg/backoff"
)

// Registry tracks live sessions keyed by session id. It is constructed once by
// the [Gateway] and passed to the accept loop and the sweeps; it is never
// package-global state.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl      time.Duration
	errorTTL time.Duration
	policy   backoff.Policy
}

// NewRegistry creates an empty registry. ttl is the default session lifetime,
// errorTTL the shortened lifetime applied when a session enters ERROR, and
// policy drives each session's upstream reconnection backoff.
func NewRegistry(ttl, errorTTL time.Duration, policy backoff.Policy) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		errorTTL: errorTTL,
		policy:   policy,
	}
}

// Create adds a new session in INITIALIZING state and returns it.
func (r *Registry) Create() *Session {
	s := newSession(r.ttl, r.errorTTL, r.policy)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove deletes the session with the given id. It does not close the
// session's upstream handle; callers own that step.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Expired returns every session whose TTL has passed at the given instant.
func (r *Registry) Expired(now time.Time) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.expired(now) {
			out = append(out, s)
		}
	}
	return out
}

// IdleSince returns every session whose last activity predates the cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.lastActivity().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

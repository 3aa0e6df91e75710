// Package gateway implements the server side of the voice pipeline: it accepts
// one websocket connection per client, lazily opens a matching upstream speech
// provider session, and relays audio and control frames in both directions.
//
// Each connection is owned by a single handler goroutine; sessions share no
// mutable state beyond the [Registry], which is owned by the [Gateway] and
// passed down explicitly.
package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxcart/voxcart/pkg/backoff"
	"github.com/voxcart/voxcart/pkg/provider/speech"
)

// SessionState models the lifecycle of a server-side session.
type SessionState int

const (
	// StateInitializing means the upstream provider session is being opened.
	StateInitializing SessionState = iota

	// StateActive means the upstream session is open and relaying.
	StateActive

	// StateError means the reconnect budget was exhausted. Error sessions
	// carry a short TTL so the sweep removes them promptly.
	StateError

	// StateClosed means the session was shut down.
	StateClosed
)

// String returns the uppercase name of the state.
func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is the gateway-side state for one client connection and its paired
// upstream provider session. Fields are guarded by mu; the upstream handle is
// closed exactly once regardless of how many paths race to close it.
type Session struct {
	// ID is the unique session identifier, assigned at creation and sent to
	// the client in the session envelope.
	ID string

	mu        sync.Mutex
	state     SessionState
	createdAt time.Time
	updatedAt time.Time
	expiresAt time.Time
	ttl       time.Duration
	errorTTL  time.Duration

	handle speech.SessionHandle

	// retrier drives the bounded upstream reconnection loop. Exactly one
	// reconnect attempt may be in flight per session.
	retrier      *backoff.Retrier
	reconnecting bool

	// onEvict is invoked when a sweep removes the session, so the owning
	// connection handler can tear down the client socket.
	onEvict func(reason string)
}

// newSession creates a session in [StateInitializing] with a fresh uuid.
func newSession(ttl, errorTTL time.Duration, policy backoff.Policy) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		state:     StateInitializing,
		createdAt: now,
		updatedAt: now,
		expiresAt: now.Add(ttl),
		ttl:       ttl,
		errorTTL:  errorTTL,
		retrier:   backoff.NewRetrier(policy),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the current upstream handle, or nil while disconnected.
func (s *Session) Handle() speech.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// setHandle installs a new upstream handle.
func (s *Session) setHandle(h speech.SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// activate marks the session ACTIVE. Called from the provider's open
// callback. The reconnect counter is reset by the loop that owns the retrier.
func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
	s.updatedAt = time.Now()
}

// fail moves the session to ERROR and shortens its TTL so the expiry sweep
// removes it promptly. The expiry time never moves backwards.
func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.updatedAt = time.Now()
	if e := time.Now().Add(s.errorTTL); e.Before(s.expiresAt) {
		s.expiresAt = e
	}
}

// touch records client activity, used by the idle sweep.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = time.Now()
}

// lastActivity returns the time of the most recent state change or relay.
func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// expired reports whether the session's TTL has passed at the given instant.
func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt)
}

// setOnEvict installs the sweep notification hook.
func (s *Session) setOnEvict(f func(reason string)) {
	s.mu.Lock()
	s.onEvict = f
	s.mu.Unlock()
}

// evict invokes the sweep notification hook, if any.
func (s *Session) evict(reason string) {
	s.mu.Lock()
	f := s.onEvict
	s.mu.Unlock()
	if f != nil {
		f(reason)
	}
}

// tryBeginReconnect claims the single reconnect slot. It returns false when a
// reconnect loop is already running for this session.
func (s *Session) tryBeginReconnect() bool {
	s.mu.Lock()
	if s.reconnecting || s.state == StateClosed || s.state == StateError {
		s.mu.Unlock()
		return false
	}
	s.reconnecting = true
	s.state = StateInitializing
	old := s.handle
	s.handle = nil
	s.mu.Unlock()

	// Best-effort close of the dead upstream before dialing a new one.
	if old != nil {
		_ = old.Close()
	}
	return true
}

// endReconnect releases the reconnect slot.
func (s *Session) endReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnecting = false
}

// closeUpstream releases the upstream handle exactly once and marks the
// session CLOSED. The handle is detached under the lock, so concurrent calls
// from the sweep, the handler, and provider callbacks close it only once.
// Returns true for the caller that performed the transition to CLOSED.
func (s *Session) closeUpstream() bool {
	s.mu.Lock()
	wasClosed := s.state == StateClosed
	handle := s.handle
	s.handle = nil
	s.state = StateClosed
	s.updatedAt = time.Now()
	s.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}
	return !wasClosed
}

// Package mock provides a scriptable in-memory speech.Provider for tests.
//
// A mock Session records everything sent through it and lets the test emit
// provider events into the registered callbacks, so gateway and relay logic
// can be exercised without a network or a real provider account.
package mock

import (
	"context"
	"sync"

	"github.com/voxcart/voxcart/pkg/provider/speech"
	"github.com/voxcart/voxcart/pkg/types"
)

var _ speech.Provider = (*Provider)(nil)
var _ speech.SessionHandle = (*Session)(nil)

// Provider implements speech.Provider. The zero value is ready to use: every
// Connect succeeds and returns a fresh [Session].
type Provider struct {
	// ConnectErr, when non-nil, is returned by every Connect call.
	ConnectErr error

	// FailConnects makes the first N Connect calls fail with ConnectErr
	// (or a generic provider error when ConnectErr is nil) before
	// succeeding. Used to exercise reconnect paths.
	FailConnects int

	mu       sync.Mutex
	sessions []*Session
	connects int
}

// Connect returns a new scriptable session.
func (p *Provider) Connect(_ context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connects++
	if p.ConnectErr != nil && (p.FailConnects == 0 || p.connects <= p.FailConnects) {
		return nil, p.ConnectErr
	}
	if p.ConnectErr == nil && p.connects <= p.FailConnects {
		return nil, types.ProviderError("mock connect failure", nil)
	}

	s := &Session{
		callbacks: cfg.Callbacks,
		Config:    cfg,
	}
	p.sessions = append(p.sessions, s)

	if cfg.Callbacks.OnOpen != nil {
		cfg.Callbacks.OnOpen()
	}
	return s, nil
}

// Connects reports how many times Connect was called.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Sessions returns all sessions created so far, oldest first.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Last returns the most recently created session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// AudioChunk is one recorded SendAudio call.
type AudioChunk struct {
	Data     []byte
	MimeType string
}

// Session is a scriptable speech.SessionHandle.
type Session struct {
	// Config is the SessionConfig the session was created with.
	Config speech.SessionConfig

	// SendErr, when non-nil, is returned by all Send* methods.
	SendErr error

	callbacks speech.Callbacks

	mu     sync.Mutex
	audio  []AudioChunk
	texts  []string
	eos    int
	closed bool
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ProviderError("mock session closed", nil)
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, AudioChunk{Data: cp, MimeType: mimeType})
	return nil
}

// SendText records the utterance.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ProviderError("mock session closed", nil)
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.texts = append(s.texts, text)
	return nil
}

// SendEndOfSpeech records the boundary signal.
func (s *Session) SendEndOfSpeech() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ProviderError("mock session closed", nil)
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.eos++
	return nil
}

// Close marks the session closed. Idempotent; does not fire OnClose (use
// [Session.EmitClose] to script a provider-initiated close).
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Audio returns all recorded audio chunks.
func (s *Session) Audio() []AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AudioChunk, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns all recorded text utterances.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// EndOfSpeechCount reports how many times SendEndOfSpeech was called.
func (s *Session) EndOfSpeechCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos
}

// ── Scripting ─────────────────────────────────────────────────────────────────

// Emit delivers ev through the session's OnMessage callback.
func (s *Session) Emit(ev speech.Event) {
	if s.callbacks.OnMessage != nil {
		s.callbacks.OnMessage(ev)
	}
}

// EmitTranscript is shorthand for emitting a TranscriptEvent.
func (s *Session) EmitTranscript(text string, final bool) {
	s.Emit(speech.TranscriptEvent{Transcript: types.Transcript{Text: text, IsFinal: final}})
}

// EmitIntent is shorthand for emitting an IntentEvent.
func (s *Session) EmitIntent(intent types.Intent) {
	s.Emit(speech.IntentEvent{Intent: intent})
}

// EmitAudio is shorthand for emitting an AudioEvent.
func (s *Session) EmitAudio(data []byte, mimeType string) {
	s.Emit(speech.AudioEvent{Data: data, MimeType: mimeType})
}

// EmitError delivers err through OnError.
func (s *Session) EmitError(err error) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}

// EmitClose delivers a provider-initiated close through OnClose.
func (s *Session) EmitClose(code int, reason string) {
	if s.callbacks.OnClose != nil {
		s.callbacks.OnClose(code, reason)
	}
}

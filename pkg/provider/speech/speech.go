// Package speech defines the boundary to the external streaming speech/NLU
// provider.
//
// A Provider opens upstream sessions on behalf of one client each. The
// session is an opaque handle: the gateway only sends audio/text/control
// through it and receives typed events through the registered callbacks. The
// provider's internals — recognition, NLU, synthesis — are consumed, never
// reimplemented.
//
// Implementations must decode provider payloads defensively: every message
// surfaced through OnMessage is one of the closed set of [Event] variants,
// and anything that does not match a known shape is reported through OnError
// as a protocol-classified error instead of being probed field by field.
package speech

import (
	"context"

	"github.com/voxcart/voxcart/pkg/types"
)

// Callbacks receives the lifecycle and data events of one upstream session.
// All callbacks are invoked from the session's own receive goroutine, one at
// a time; handlers must not block for long.
type Callbacks struct {
	// OnOpen fires once when the upstream session is ready for audio.
	OnOpen func()

	// OnMessage delivers a decoded provider event.
	OnMessage func(Event)

	// OnError reports a session-level failure. Fatal errors are followed by
	// OnClose.
	OnError func(error)

	// OnClose fires once when the session ends, with the close code and
	// reason reported by the provider.
	OnClose func(code int, reason string)
}

// SessionConfig configures a new upstream session.
type SessionConfig struct {
	// Instructions is the system preamble injected at session start (the
	// shopping-assistant prompt). May be empty.
	Instructions string

	// Voice selects the synthesis voice for confirmation speech. May be
	// empty for the provider default.
	Voice string

	// Callbacks receives the session's events. OnMessage must be non-nil;
	// the rest may be nil.
	Callbacks Callbacks
}

// SessionHandle is an active upstream provider session serving exactly one
// client. Methods are safe for concurrent use with each other; Close is
// idempotent.
type SessionHandle interface {
	// SendAudio forwards one PCM chunk to the provider. mimeType describes
	// the encoding (e.g., "audio/pcm;rate=16000").
	SendAudio(chunk []byte, mimeType string) error

	// SendText forwards a typed utterance, bypassing speech recognition.
	SendText(text string) error

	// SendEndOfSpeech signals the client-side speech boundary so the
	// provider can finalise the in-flight utterance.
	SendEndOfSpeech() error

	// Close terminates the session and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider opens upstream sessions. Implementations must be safe for
// concurrent use: the gateway connects one session per client.
type Provider interface {
	// Connect establishes a new upstream session. The returned handle is
	// ready to accept audio; OnOpen fires once the provider acknowledges
	// the session setup.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}

// ── Event union ───────────────────────────────────────────────────────────────

// Event is a decoded provider message. The concrete variants are
// [TranscriptEvent], [IntentEvent], [AudioEvent], and [TurnCompleteEvent];
// the set is closed so the gateway can switch exhaustively.
type Event interface {
	speechEvent()
}

// TranscriptEvent carries a partial or final recognition result.
type TranscriptEvent struct {
	Transcript types.Transcript
}

// IntentEvent carries a structured shopping intent extracted by the
// provider's NLU layer.
type IntentEvent struct {
	Intent types.Intent
}

// AudioEvent carries a chunk of synthesized confirmation speech
// (16-bit LE PCM, 24 kHz mono).
type AudioEvent struct {
	Data     []byte
	MimeType string
}

// TurnCompleteEvent marks the end of a provider response turn.
type TurnCompleteEvent struct{}

func (TranscriptEvent) speechEvent()   {}
func (IntentEvent) speechEvent()       {}
func (AudioEvent) speechEvent()        {}
func (TurnCompleteEvent) speechEvent() {}

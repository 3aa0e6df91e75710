// Package protocol defines the wire messages exchanged between the Voxcart
// client transport and the session gateway.
//
// Every message is a JSON envelope sent as a WebSocket text frame. Audio
// messages are a two-frame sequence: the JSON envelope announces the payload
// (type + MIME type) and the immediately following binary frame carries the
// raw PCM bytes. All other messages are self-contained.
//
// Decoding is strict: malformed JSON or an unrecognised type yields a
// [types.CodeProtocol] error so that a single bad message can be logged and
// dropped without disturbing the session.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/voxcart/voxcart/pkg/types"
)

// MsgType discriminates the JSON envelope.
type MsgType string

// Client → server message types.
const (
	TypeAudio       MsgType = "audio" // envelope followed by one binary frame
	TypeEndOfSpeech MsgType = "end_of_speech"
	TypeText        MsgType = "text"
	TypePing        MsgType = "ping"
	TypeEndSession  MsgType = "end_session"
)

// Server → client message types. TypeAudio is shared: downstream synthesized
// audio uses the same envelope-plus-binary-frame sequence.
const (
	TypeSession      MsgType = "session"
	TypeTranscript   MsgType = "transcript"
	TypeNLU          MsgType = "nlu"
	TypeError        MsgType = "error"
	TypePong         MsgType = "pong"
	TypeBackpressure MsgType = "backpressure"
)

// MIME types for the fixed PCM audio contract: 16 kHz upstream, 24 kHz
// downstream, both 16-bit little-endian mono.
const (
	MimePCM16k = "audio/pcm;rate=16000"
	MimePCM24k = "audio/pcm;rate=24000"
)

// ClientMessage is the JSON envelope for client → server messages.
type ClientMessage struct {
	Type MsgType `json:"type"`

	// MimeType describes the binary frame following a TypeAudio envelope.
	MimeType string `json:"mimeType,omitempty"`

	// Text carries the utterance for TypeText messages.
	Text string `json:"text,omitempty"`
}

// ServerMessage is the JSON envelope for server → client messages.
type ServerMessage struct {
	Type MsgType `json:"type"`

	// TypeSession
	SessionID string `json:"sessionId,omitempty"`

	// TypeTranscript
	Text       string  `json:"text,omitempty"`
	IsFinal    bool    `json:"isFinal,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// TypeNLU
	Intent             string            `json:"intent,omitempty"`
	Entities           map[string]string `json:"entities,omitempty"`
	Parameters         map[string]any    `json:"parameters,omitempty"`
	FinalTranscript    string            `json:"final_transcript,omitempty"`
	ConfirmationSpeech string            `json:"confirmation_speech,omitempty"`

	// TypeAudio
	MimeType string `json:"mimeType,omitempty"`

	// TypeError
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// TypeBackpressure
	Active bool `json:"active,omitempty"`
}

// validClientTypes is the closed set accepted by [DecodeClientMessage].
var validClientTypes = map[MsgType]bool{
	TypeAudio:       true,
	TypeEndOfSpeech: true,
	TypeText:        true,
	TypePing:        true,
	TypeEndSession:  true,
}

// validServerTypes is the closed set accepted by [DecodeServerMessage].
var validServerTypes = map[MsgType]bool{
	TypeSession:      true,
	TypeTranscript:   true,
	TypeNLU:          true,
	TypeAudio:        true,
	TypeError:        true,
	TypePong:         true,
	TypeBackpressure: true,
}

// DecodeClientMessage parses and validates a client → server envelope.
// Malformed JSON or a type outside the protocol yields a protocol-classified
// error.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, types.ProtocolError("malformed client message", err)
	}
	if !validClientTypes[msg.Type] {
		return ClientMessage{}, types.ProtocolError(
			fmt.Sprintf("unrecognised client message type %q", msg.Type), nil)
	}
	if msg.Type == TypeText && msg.Text == "" {
		return ClientMessage{}, types.ProtocolError("text message with empty text", nil)
	}
	return msg, nil
}

// DecodeServerMessage parses and validates a server → client envelope.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, types.ProtocolError("malformed server message", err)
	}
	if !validServerTypes[msg.Type] {
		return ServerMessage{}, types.ProtocolError(
			fmt.Sprintf("unrecognised server message type %q", msg.Type), nil)
	}
	return msg, nil
}

// Marshal encodes the envelope as JSON.
func (m ClientMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

// Marshal encodes the envelope as JSON.
func (m ServerMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

// ── Envelope constructors ─────────────────────────────────────────────────────

// AudioHeader builds the envelope announcing a binary audio frame.
func AudioHeader(mimeType string) ClientMessage {
	return ClientMessage{Type: TypeAudio, MimeType: mimeType}
}

// Text builds a typed-text utterance message.
func Text(text string) ClientMessage {
	return ClientMessage{Type: TypeText, Text: text}
}

// EndOfSpeech builds the client speech-boundary control message.
func EndOfSpeech() ClientMessage { return ClientMessage{Type: TypeEndOfSpeech} }

// Ping builds the keepalive probe.
func Ping() ClientMessage { return ClientMessage{Type: TypePing} }

// EndSession builds the explicit end-of-session control message.
func EndSession() ClientMessage { return ClientMessage{Type: TypeEndSession} }

// SessionInfo builds the session-assignment message.
func SessionInfo(sessionID string) ServerMessage {
	return ServerMessage{Type: TypeSession, SessionID: sessionID}
}

// TranscriptMessage builds a transcript envelope from t.
func TranscriptMessage(t types.Transcript) ServerMessage {
	return ServerMessage{
		Type:       TypeTranscript,
		Text:       t.Text,
		IsFinal:    t.IsFinal,
		Confidence: t.Confidence,
	}
}

// NLUMessage builds a structured-intent envelope from in.
func NLUMessage(in types.Intent) ServerMessage {
	return ServerMessage{
		Type:               TypeNLU,
		Intent:             in.Name,
		Entities:           in.Entities,
		Parameters:         in.Parameters,
		FinalTranscript:    in.FinalTranscript,
		ConfirmationSpeech: in.ConfirmationSpeech,
	}
}

// AudioMessage builds the envelope announcing a downstream binary audio frame.
func AudioMessage(mimeType string) ServerMessage {
	return ServerMessage{Type: TypeAudio, MimeType: mimeType}
}

// ErrorMessage builds a classified error envelope. The code is the stable
// machine-readable half of the error contract.
func ErrorMessage(code types.ErrorCode, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: string(code), Message: message}
}

// Pong builds the keepalive response.
func Pong() ServerMessage { return ServerMessage{Type: TypePong} }

// Backpressure builds the flow-control signal.
func Backpressure(active bool) ServerMessage {
	return ServerMessage{Type: TypeBackpressure, Active: active}
}

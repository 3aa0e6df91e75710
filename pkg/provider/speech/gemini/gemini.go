// Package gemini implements the speech.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Upstream audio is transmitted as base64-encoded PCM chunks;
// recognition results, structured shopping intents and synthesized speech
// come back as typed [speech.Event] values through the session callbacks.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/voxcart/voxcart/pkg/provider/speech"
	"github.com/voxcart/voxcart/pkg/types"
)

// Compile-time assertions that Provider and session satisfy the speech interfaces.
var _ speech.Provider = (*Provider)(nil)
var _ speech.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// intentTool is the function declaration the model calls once it has
	// extracted a complete shopping intent from the user's utterance.
	intentTool = "submit_shopping_intent"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements speech.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// setup message is sent; OnOpen fires once the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	if cfg.Callbacks.OnMessage == nil {
		return nil, fmt.Errorf("gemini: OnMessage callback is required")
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, types.ProviderError("dial gemini live", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		callbacks: cfg.Callbacks,
		done:      make(chan struct{}),
		ctx:       sessCtx,
		cancel:    sessCancel,
		started:   time.Now(),
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, types.ProviderError("gemini setup", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                   string             `json:"model"`
	GenerationConfig        generationConfig   `json:"generationConfig"`
	SystemInstruction       *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                   []geminiTool       `json:"tools,omitempty"`
	InputAudioTranscription *json.RawMessage   `json:"inputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks    []mediaChunk `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool         `json:"audioStreamEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

func (m *serverMessage) empty() bool {
	return m.SetupComplete == nil && m.ServerContent == nil && m.ToolCall == nil &&
		m.ToolCallCancellation == nil && m.Error == nil
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	callbacks speech.Callbacks
	started   time.Time

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message. The intent
// tool is always declared so the model reports extracted shopping intents as
// structured function calls rather than free text.
func (s *session) sendSetup(model string, cfg speech.SessionConfig) error {
	enabled := json.RawMessage(`{}`)
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			Tools: []geminiTool{{
				FunctionDeclarations: []functionDeclaration{{
					Name:        intentTool,
					Description: "Report the structured shopping intent extracted from the user's finished utterance.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"intent":              map[string]any{"type": "string"},
							"entities":            map[string]any{"type": "object"},
							"parameters":          map[string]any{"type": "object"},
							"final_transcript":    map[string]any{"type": "string"},
							"confirmation_speech": map[string]any{"type": "string"},
						},
						"required": []string{"intent"},
					},
				}},
			}},
			InputAudioTranscription: &enabled,
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// session callbacks. It owns the OnClose notification: it is delivered
// exactly once, after the last OnMessage/OnError.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.notifyClose(int(websocket.StatusNormalClosure), "session closed")
				return
			}
			status := websocket.CloseStatus(err)
			if status == -1 {
				status = websocket.StatusAbnormalClosure
			}
			s.emitError(types.ProviderError("gemini read", err))
			s.notifyClose(int(status), err.Error())
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emitError(types.ProtocolError("malformed gemini frame", err))
			continue
		}
		if msg.empty() {
			s.emitError(types.ProtocolError("unrecognized gemini frame", nil))
			continue
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil && s.callbacks.OnOpen != nil {
		s.callbacks.OnOpen()
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown gemini error"
		}
		s.emitError(types.ProviderError(text, nil))
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	// User speech recognition result. Gemini streams incremental pieces and
	// marks the last one finished.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.callbacks.OnMessage(speech.TranscriptEvent{
			Transcript: types.Transcript{
				Text:      sc.InputTranscription.Text,
				IsFinal:   sc.InputTranscription.Finished,
				Timestamp: time.Since(s.started),
			},
		})
	}

	// Synthesized confirmation speech arrives as inline PCM parts.
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				s.emitError(types.ProtocolError("undecodable gemini audio part", err))
				continue
			}
			if len(audioData) == 0 {
				continue
			}
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = "audio/pcm;rate=24000"
			}
			s.callbacks.OnMessage(speech.AudioEvent{Data: audioData, MimeType: mime})
		}
	}

	if sc.TurnComplete {
		s.callbacks.OnMessage(speech.TurnCompleteEvent{})
	}
}

// handleToolCall converts the model's intent function calls into IntentEvents
// and acknowledges each call so the model's turn can complete.
func (s *session) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		if fc.Name != intentTool {
			s.emitError(types.ProtocolError(fmt.Sprintf("unexpected gemini tool call %q", fc.Name), nil))
			continue
		}

		s.callbacks.OnMessage(speech.IntentEvent{Intent: intentFromArgs(fc.Args)})

		resp := toolResponseMessage{
			ToolResponse: toolResponse{
				FunctionResponses: []functionResponse{
					{
						ID:       fc.ID,
						Name:     fc.Name,
						Response: map[string]any{"accepted": true},
					},
				},
			},
		}
		_ = s.writeJSON(resp) // best-effort; ignore write errors after close
	}
}

// intentFromArgs maps the intent tool's arguments onto a types.Intent,
// tolerating missing or mistyped optional fields.
func intentFromArgs(args map[string]any) types.Intent {
	var intent types.Intent
	if v, ok := args["intent"].(string); ok {
		intent.Name = v
	}
	if v, ok := args["final_transcript"].(string); ok {
		intent.FinalTranscript = v
	}
	if v, ok := args["confirmation_speech"].(string); ok {
		intent.ConfirmationSpeech = v
	}
	if raw, ok := args["entities"].(map[string]any); ok {
		intent.Entities = make(map[string]string, len(raw))
		for k, v := range raw {
			if sv, ok := v.(string); ok {
				intent.Entities[k] = sv
			} else {
				intent.Entities[k] = fmt.Sprint(v)
			}
		}
	}
	if raw, ok := args["parameters"].(map[string]any); ok {
		intent.Parameters = raw
	}
	return intent
}

// emitError forwards err to the OnError callback if one is registered.
func (s *session) emitError(err error) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}

// notifyClose delivers the OnClose callback at most once.
func (s *session) notifyClose(code int, reason string) {
	s.closeOnce.Do(func() {
		if s.callbacks.OnClose != nil {
			s.callbacks.OnClose(code, reason)
		}
	})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk to the model.
func (s *session) SendAudio(chunk []byte, mimeType string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(chunk)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: mimeType, Data: encoded},
			},
		},
	}
	return s.writeJSON(msg)
}

// SendText delivers a typed user utterance as a complete turn.
func (s *session) SendText(text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// SendEndOfSpeech tells the model the user's audio stream has ended so the
// in-flight utterance can be finalised without waiting for server-side VAD.
func (s *session) SendEndOfSpeech() error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{AudioStreamEnd: true},
	}
	return s.writeJSON(msg)
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ProviderError("gemini session closed", nil)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop and keepaliveLoop
	close(s.done)
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

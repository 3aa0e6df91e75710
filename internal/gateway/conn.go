package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxcart/voxcart/internal/observe"
	"github.com/voxcart/voxcart/internal/store"
	"github.com/voxcart/voxcart/pkg/backoff"
	"github.com/voxcart/voxcart/pkg/protocol"
	"github.com/voxcart/voxcart/pkg/provider/speech"
	"github.com/voxcart/voxcart/pkg/types"
)

const (
	// connWriteTimeout bounds each websocket write toward the client.
	connWriteTimeout = 10 * time.Second

	// outboundBuffer is the per-connection downstream frame buffer.
	outboundBuffer = 64
)

// outFrame is one server → client message: an envelope and, for audio, the
// binary payload that follows it.
type outFrame struct {
	msg    protocol.ServerMessage
	data   []byte
	hasBin bool
}

// conn is the per-connection state. One handler goroutine reads client
// frames; one writer goroutine drains the out channel; provider callbacks
// only ever touch the out channel, so downstream FIFO order is preserved.
type conn struct {
	g    *Gateway
	ws   *websocket.Conn
	log  *slog.Logger
	out  chan outFrame
	ctx  context.Context
	stop context.CancelFunc

	closeOnce sync.Once

	// session is set once, lazily, by the reader goroutine.
	session *Session

	// pendingMime is the mime type announced by the last audio envelope,
	// consumed by the next binary frame. Reader-goroutine-only.
	pendingMime string
}

// handleWS upgrades the request and runs the connection to completion.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, span := observe.StartSpan(r.Context(), "gateway.connection")
	defer span.End()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &conn{
		g:    g,
		ws:   ws,
		log:  observe.Logger(ctx),
		out:  make(chan outFrame, outboundBuffer),
		ctx:  connCtx,
		stop: cancel,
	}

	g.metrics.ActiveConnections.Add(connCtx, 1)
	defer g.metrics.ActiveConnections.Add(context.WithoutCancel(connCtx), -1)

	c.log.Info("client connected")
	go c.writeLoop()
	c.readLoop()
	c.teardown("connection closed")
}

// teardown closes the session and the socket. Idempotent.
func (c *conn) teardown(reason string) {
	c.closeOnce.Do(func() {
		if s := c.session; s != nil {
			c.g.registry.Remove(s.ID)
			if s.closeUpstream() {
				c.g.metrics.RecordSessionClosed(context.WithoutCancel(c.ctx), s.Age())
			}
		}
		c.stop()
		_ = c.ws.Close(websocket.StatusNormalClosure, reason)
		c.log.Info("client disconnected", "reason", reason)
	})
}

// ── Writer ────────────────────────────────────────────────────────────────────

// writeLoop is the single downstream send path. Frames leave in the order
// they were queued.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			if err := c.writeFrame(f); err != nil {
				c.log.Warn("client write failed", "error", err)
				c.teardown("write failure")
				return
			}
		}
	}
}

// writeFrame sends the envelope and, for audio, the following binary frame.
func (c *conn) writeFrame(f outFrame) error {
	payload, err := f.msg.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, connWriteTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return err
	}
	if f.hasBin {
		return c.ws.Write(ctx, websocket.MessageBinary, f.data)
	}
	return nil
}

// send queues a frame for the client, dropping it if the connection is gone.
func (c *conn) send(f outFrame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	}
}

// sendError surfaces a classified error to the client.
func (c *conn) sendError(code types.ErrorCode, message string) {
	c.send(outFrame{msg: protocol.ErrorMessage(code, message)})
}

// ── Reader ────────────────────────────────────────────────────────────────────

// readLoop processes client frames until the socket closes. A socket that has
// not opened a session yet is bounded by the idle threshold per read; once a
// session exists the idle sweep takes over via its activity stamp.
func (c *conn) readLoop() {
	for {
		readCtx := c.ctx
		var cancel context.CancelFunc
		if c.session == nil {
			readCtx, cancel = context.WithTimeout(c.ctx, c.g.cfg.IdleTimeout)
		}
		typ, data, err := c.ws.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if c.ctx.Err() == nil {
				if errors.Is(err, context.DeadlineExceeded) {
					c.log.Info("closing idle connection")
					return
				}
				status := websocket.CloseStatus(err)
				if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
					c.log.Warn("client read failed", "error", err)
				}
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.handleBinary(data)
		case websocket.MessageText:
			if done := c.handleEnvelope(data); done {
				return
			}
		}
	}
}

// handleBinary relays an audio chunk to the upstream session. A binary frame
// with no preceding audio envelope is a protocol error; the frame is dropped
// and the session continues.
func (c *conn) handleBinary(data []byte) {
	if c.pendingMime == "" {
		c.log.Warn("binary frame without audio envelope")
		c.sendError(types.CodeProtocol, "binary frame without audio envelope")
		return
	}
	mime := c.pendingMime
	c.pendingMime = ""

	s := c.session
	if s == nil {
		return
	}
	s.touch()

	handle := s.Handle()
	if handle == nil {
		// Upstream is reconnecting; the client was told to back off.
		c.log.Debug("dropping chunk, upstream unavailable")
		c.g.metrics.QueueEvictions.Add(c.ctx, 1)
		return
	}

	start := time.Now()
	if err := handle.SendAudio(data, mime); err != nil {
		c.log.Warn("upstream audio send failed", "error", err)
		c.startReconnect(s)
		return
	}
	c.g.metrics.RecordRelayLatency(c.ctx, time.Since(start))
	c.g.metrics.RecordChunkRelayed(c.ctx, observe.DirectionUpstream)
}

// handleEnvelope dispatches one client JSON envelope. It returns true when
// the connection should terminate.
func (c *conn) handleEnvelope(data []byte) bool {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.log.Warn("malformed client message", "error", err)
		c.sendError(types.CodeProtocol, "malformed message")
		return false
	}

	switch msg.Type {
	case protocol.TypeAudio:
		c.ensureSession()
		c.pendingMime = msg.MimeType
		if c.pendingMime == "" {
			c.pendingMime = protocol.MimePCM16k
		}

	case protocol.TypeText:
		c.ensureSession()
		c.session.touch()
		if handle := c.session.Handle(); handle != nil {
			if err := handle.SendText(msg.Text); err != nil {
				c.log.Warn("upstream text send failed", "error", err)
				c.startReconnect(c.session)
			}
		}

	case protocol.TypeEndOfSpeech:
		// Control signal: honoured immediately, never queued.
		if s := c.session; s != nil {
			s.touch()
			if handle := s.Handle(); handle != nil {
				if err := handle.SendEndOfSpeech(); err != nil {
					c.log.Warn("upstream end-of-speech failed", "error", err)
				}
			}
		}

	case protocol.TypePing:
		if s := c.session; s != nil {
			s.touch()
		}
		c.send(outFrame{msg: protocol.Pong()})

	case protocol.TypeEndSession:
		c.teardown("end of session")
		return true
	}
	return false
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

// ensureSession lazily creates the server session and its upstream provider
// session on the first message that needs one. When the initial upstream
// connect fails the reconnect loop owns recovery; relay paths observe the
// missing handle and drop until it returns.
func (c *conn) ensureSession() {
	if c.session != nil {
		return
	}

	s := c.g.registry.Create()
	c.session = s
	c.log = c.log.With("session_id", s.ID)
	s.setOnEvict(func(reason string) {
		c.sendError(types.CodeSessionExpired, "session "+reason)
		// Give the writer a moment to flush the terminal error.
		time.AfterFunc(100*time.Millisecond, func() { c.teardown(reason) })
	})
	c.g.metrics.ActiveSessions.Add(c.ctx, 1)
	c.send(outFrame{msg: protocol.SessionInfo(s.ID)})
	c.log.Info("session created")

	if err := c.connectUpstream(s); err != nil {
		c.log.Warn("upstream connect failed", "error", err)
		c.g.metrics.RecordProviderError(c.ctx, "connect")
		c.startReconnect(s)
	}
}

// connectUpstream dials the provider and installs the new handle. The dial is
// bounded by the connect timeout; providers detach their session lifetime
// from the dial context, so the deadline only governs the handshake.
func (c *conn) connectUpstream(s *Session) error {
	instructions, voice := c.g.sessionParams()
	dialCtx, cancel := context.WithTimeout(c.ctx, c.g.cfg.ConnectTimeout)
	defer cancel()
	handle, err := c.g.provider.Connect(dialCtx, speech.SessionConfig{
		Instructions: instructions,
		Voice:        voice,
		Callbacks: speech.Callbacks{
			OnOpen: func() {
				s.activate()
				c.log.Info("upstream session open")
			},
			OnMessage: func(ev speech.Event) { c.handleEvent(s, ev) },
			OnError:   func(err error) { c.handleUpstreamError(s, err) },
			OnClose:   func(code int, reason string) { c.handleUpstreamClose(s, code, reason) },
		},
	})
	if err != nil {
		return err
	}
	s.setHandle(handle)
	return nil
}

// handleEvent translates one provider event into outbound client messages.
func (c *conn) handleEvent(s *Session, ev speech.Event) {
	s.touch()
	switch e := ev.(type) {
	case speech.TranscriptEvent:
		c.send(outFrame{msg: protocol.TranscriptMessage(e.Transcript)})
		if e.Transcript.IsFinal {
			c.g.writer.Record(s.ID, store.FromTranscript(e.Transcript))
		}

	case speech.IntentEvent:
		c.send(outFrame{msg: protocol.NLUMessage(e.Intent)})
		c.g.writer.Record(s.ID, store.FromIntent(e.Intent))

	case speech.AudioEvent:
		c.send(outFrame{msg: protocol.AudioMessage(e.MimeType), data: e.Data, hasBin: true})
		c.g.metrics.RecordChunkRelayed(c.ctx, observe.DirectionDownstream)

	case speech.TurnCompleteEvent:
		c.log.Debug("upstream turn complete")
	}
}

// handleUpstreamError classifies a provider-reported error. Protocol errors
// on single messages are logged and dropped; anything else starts the
// bounded reconnection cycle. Either way the failure stays invisible to the
// client unless the attempt budget runs out.
func (c *conn) handleUpstreamError(s *Session, err error) {
	code := types.CodeOf(err)
	c.g.metrics.RecordProviderError(c.ctx, string(code))

	if code == types.CodeProtocol {
		c.log.Warn("upstream protocol error, message dropped", "error", err)
		c.g.metrics.ProtocolErrors.Add(c.ctx, 1)
		return
	}

	c.log.Warn("upstream session error", "code", code, "error", err)
	c.startReconnect(s)
}

// handleUpstreamClose reacts to a provider-initiated close. Normal closure
// ends the session; anything else is treated as a failure.
func (c *conn) handleUpstreamClose(s *Session, code int, reason string) {
	if s.State() == StateClosed {
		return
	}
	if code == int(websocket.StatusNormalClosure) {
		c.log.Info("upstream session closed", "reason", reason)
		return
	}
	c.log.Warn("upstream session lost", "code", code, "reason", reason)
	c.startReconnect(s)
}

// ── Reconnection ──────────────────────────────────────────────────────────────

// startReconnect begins the bounded backoff reconnection cycle for s. At most
// one cycle runs per session; concurrent triggers are coalesced. While the
// cycle runs the client is placed under backpressure so it queues instead of
// sending into a dead upstream.
func (c *conn) startReconnect(s *Session) {
	if !s.tryBeginReconnect() {
		return
	}
	c.send(outFrame{msg: protocol.Backpressure(true)})
	go c.reconnectLoop(s)
}

// reconnectLoop owns the session's retrier until it returns. Exhausting the
// attempt budget is terminal: the session moves to ERROR and the client
// receives session_expired.
func (c *conn) reconnectLoop(s *Session) {
	defer s.endReconnect()

	for {
		if err := s.retrier.Wait(c.ctx); err != nil {
			if errors.Is(err, backoff.ErrBudgetExhausted) {
				c.log.Error("upstream reconnect budget exhausted",
					"attempts", s.retrier.Attempt())
				s.fail()
				c.sendError(types.CodeSessionExpired, "reconnect budget exhausted")
			}
			return
		}

		c.g.metrics.ReconnectAttempts.Add(c.ctx, 1)
		c.log.Info("attempting upstream reconnect",
			"attempt", s.retrier.Attempt(), "remaining", s.retrier.Remaining())

		if err := c.connectUpstream(s); err != nil {
			c.log.Warn("upstream reconnect failed",
				"attempt", s.retrier.Attempt(), "error", err)
			continue
		}

		s.retrier.Reset()
		c.send(outFrame{msg: protocol.Backpressure(false)})
		c.log.Info("upstream reconnected")
		return
	}
}

// Package client implements the resilient streaming transport that carries
// captured audio to the voxcart gateway and delivers transcripts, intents
// and synthesized speech back.
//
// The transport survives flaky connectivity by design: audio chunks that
// cannot be sent are parked in a bounded FIFO queue and drained in order
// once the socket is usable again. Under sustained disconnection the queue
// degrades lossily, evicting per the configured [EvictionPolicy] rather than
// growing without bound. Reconnection follows a bounded exponential backoff;
// once the attempt budget is spent the client surfaces a terminal error and
// stays down.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/voxcart/voxcart/pkg/backoff"
	"github.com/voxcart/voxcart/pkg/protocol"
	"github.com/voxcart/voxcart/pkg/types"
)

// State describes the transport's connection lifecycle.
type State int

const (
	// StateDisconnected means no socket is open and no reconnect is pending.
	StateDisconnected State = iota
	// StateConnecting means the initial dial is in flight.
	StateConnecting
	// StateConnected means the socket is open and usable.
	StateConnected
	// StateReconnecting means the socket was lost and the backoff loop is
	// scheduling retries.
	StateReconnecting
	// StateClosed is terminal: Disconnect was called or the reconnect
	// budget was exhausted.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EvictionPolicy selects which chunk is dropped when the queue overflows.
type EvictionPolicy int

const (
	// DropOldest evicts the oldest unsent chunk to make room for the new
	// one. This keeps the freshest audio, at the cost of the start of the
	// backlog.
	DropOldest EvictionPolicy = iota
	// DropNewest discards the incoming chunk and keeps the backlog intact.
	DropNewest
)

const (
	defaultQueueCapacity = 64
	defaultSendDelay     = 10 * time.Millisecond
	defaultPingInterval  = 15 * time.Second
	defaultPongTimeout   = 5 * time.Second

	writeTimeout = 10 * time.Second
)

// Config configures a [Client]. The zero value of every field except URL is
// replaced by a sensible default.
type Config struct {
	// URL is the gateway WebSocket endpoint (ws:// or wss://). Required.
	URL string

	// QueueCapacity bounds the unsent-chunk FIFO. Default 64.
	QueueCapacity int

	// EvictionPolicy selects the overflow behavior. Default [DropOldest].
	EvictionPolicy EvictionPolicy

	// SendDelay is the pause between consecutive queued-chunk sends during
	// a drain, so a large backlog does not saturate the socket. Default 10ms.
	SendDelay time.Duration

	// PingInterval is how often a protocol ping is sent. Default 15s.
	PingInterval time.Duration

	// PongTimeout is how long to wait for the matching pong before the
	// connection is declared dead. Default 5s.
	PongTimeout time.Duration

	// ReconnectBase, ReconnectMax and MaxReconnectAttempts parameterize the
	// backoff policy: delay = min(base * 2^(attempt-1), max). Defaults 1s,
	// 30s, 5.
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	// AutoReconnect enables the backoff loop on abnormal closure. Default
	// true (disable with NoAutoReconnect).
	AutoReconnect bool

	// NoAutoReconnect disables the backoff loop. Present so the zero Config
	// keeps reconnection on.
	NoAutoReconnect bool

	// Logger receives transport lifecycle logs. Default slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.SendDelay <= 0 {
		c.SendDelay = defaultSendDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	c.AutoReconnect = !c.NoAutoReconnect
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Handlers receives the transport's events. All callbacks are optional and
// are invoked from the client's own goroutines, one at a time per category;
// they must not block for long.
type Handlers struct {
	// OnSessionInfo delivers the gateway-assigned session id.
	OnSessionInfo func(sessionID string)

	// OnTranscript delivers partial and final recognition results.
	OnTranscript func(types.Transcript)

	// OnIntent delivers a structured shopping intent.
	OnIntent func(types.Intent)

	// OnAudio delivers a chunk of synthesized confirmation speech.
	OnAudio func(data []byte, mimeType string)

	// OnError reports transport, protocol and gateway errors. Terminal
	// errors carry types.CodeSessionExpired.
	OnError func(error)

	// OnBackpressure reports server-driven flow control toggles.
	OnBackpressure func(active bool)

	// OnStateChange reports every connection state transition.
	OnStateChange func(State)

	// OnQueueDrop fires once per chunk evicted from the overflowing queue.
	OnQueueDrop func()
}

// Stats is a point-in-time snapshot of the transport's counters.
type Stats struct {
	// Queued is the number of chunks currently waiting in the FIFO.
	Queued int
	// Evicted is the total number of chunks dropped by queue overflow.
	Evicted uint64
	// ReconnectAttempts is the attempt counter of the current backoff
	// cycle. It resets to zero on every successful connect.
	ReconnectAttempts int
}

type chunk struct {
	data     []byte
	mimeType string
}

// Client is the resilient streaming transport. Create one with [New], open it
// with [Client.Connect] and tear it down with [Client.Disconnect]. All
// methods are safe for concurrent use.
type Client struct {
	cfg      Config
	handlers Handlers
	policy   backoff.Policy
	log      *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connCancel   context.CancelFunc
	gen          int // connection generation, stale loop events are ignored
	queue        []chunk
	evicted      uint64
	backpressure bool
	pong         chan struct{} // signals the keepalive loop, one per connection
	reconnecting bool
	retrier      *backoff.Retrier

	writeMu   sync.Mutex // serializes socket writes; held across envelope+binary pairs
	drainKick chan struct{}
	closeOnce sync.Once
}

// New creates a Client. Connect must be called before any send.
func New(cfg Config, handlers Handlers) *Client {
	cfg = cfg.withDefaults()
	rootCtx, rootCancel := context.WithCancel(context.Background())
	policy := backoff.Policy{
		Base:        cfg.ReconnectBase,
		Max:         cfg.ReconnectMax,
		MaxAttempts: cfg.MaxReconnectAttempts,
	}
	c := &Client{
		cfg:        cfg,
		handlers:   handlers,
		policy:     policy,
		log:        cfg.Logger.With("component", "client"),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		retrier:    backoff.NewRetrier(policy),
		drainKick:  make(chan struct{}, 1),
	}
	go c.drainLoop()
	return c
}

// Connect dials the gateway. On failure the error is returned and, when
// auto-reconnect is enabled, the backoff loop keeps retrying in the
// background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return types.TransportError("client is closed", nil)
	}
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting {
		// A dial is already in flight, or the backoff loop owns the next
		// one. A second concurrent dial would race it on the retrier.
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		if c.cfg.AutoReconnect && c.state != StateClosed {
			c.setStateLocked(StateReconnecting)
			c.startReconnectLocked()
		} else {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return types.TransportError("dial gateway", err)
	}
	return nil
}

// dial opens a socket and, on success, installs it and starts the read and
// keepalive loops for the new connection generation.
func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(c.rootCtx)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return types.TransportError("client is closed", nil)
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.connCancel = connCancel
	pong := make(chan struct{}, 1)
	c.pong = pong
	c.retrier.Reset()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.log.Info("connected", "url", c.cfg.URL)

	go c.readLoop(connCtx, conn, gen)
	go c.keepaliveLoop(connCtx, conn, gen, pong)
	c.kickDrain()
	return nil
}

// SendChunk submits one PCM audio chunk for delivery. Chunks are sent
// strictly in submission order; when the socket is down or backpressure is
// asserted they wait in the bounded queue.
func (c *Client) SendChunk(data []byte, mimeType string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return types.TransportError("client is closed", nil)
	}

	if len(c.queue) >= c.cfg.QueueCapacity {
		switch c.cfg.EvictionPolicy {
		case DropNewest:
			c.evicted++
			c.mu.Unlock()
			c.emitQueueDrop()
			return nil
		default: // DropOldest
			c.queue = c.queue[1:]
			c.evicted++
			defer c.emitQueueDrop()
		}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	c.queue = append(c.queue, chunk{data: cp, mimeType: mimeType})
	c.mu.Unlock()

	c.kickDrain()
	return nil
}

// SendText submits a typed utterance. Text is not audio: it is sent
// immediately and never parked in the chunk queue.
func (c *Client) SendText(text string) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	return c.writeEnvelope(conn, protocol.Text(text))
}

// EndOfSpeech signals the client-side speech boundary. As a control message
// it bypasses the queue and any asserted backpressure.
func (c *Client) EndOfSpeech() error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	return c.writeEnvelope(conn, protocol.EndOfSpeech())
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the transport counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Queued:            len(c.queue),
		Evicted:           c.evicted,
		ReconnectAttempts: c.retrier.Attempt(),
	}
}

// Disconnect sends a best-effort end-of-session message, closes the socket
// with a normal-closure code and stops all background loops. Idempotent.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.setStateLocked(StateClosed)
		c.mu.Unlock()

		if conn != nil {
			// Best effort: the socket may already be gone.
			_ = c.writeEnvelope(conn, protocol.EndSession())
			conn.Close(websocket.StatusNormalClosure, "session ended")
		}
		c.rootCancel()
		c.log.Info("disconnected")
	})
}

// ── internals ─────────────────────────────────────────────────────────────────

func (c *Client) activeConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return nil, types.TransportError("not connected", nil)
	}
	return c.conn, nil
}

// setStateLocked transitions the state and notifies the handler. Caller
// holds c.mu.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.handlers.OnStateChange != nil {
		go c.handlers.OnStateChange(s)
	}
}

func (c *Client) emitError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Client) emitQueueDrop() {
	if c.handlers.OnQueueDrop != nil {
		c.handlers.OnQueueDrop()
	}
}

func (c *Client) kickDrain() {
	select {
	case c.drainKick <- struct{}{}:
	default:
	}
}

// writeEnvelope marshals msg and writes it as one text frame.
func (c *Client) writeEnvelope(conn *websocket.Conn, msg protocol.ClientMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return types.TransportError("marshal envelope", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.rootCtx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return types.TransportError("write envelope", err)
	}
	return nil
}

// writeChunk sends an audio envelope followed by its binary frame. The write
// mutex is held across both frames so other writers cannot split the pair.
func (c *Client) writeChunk(conn *websocket.Conn, ch chunk) error {
	header, err := protocol.AudioHeader(ch.mimeType).Marshal()
	if err != nil {
		return types.TransportError("marshal audio header", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.rootCtx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, header); err != nil {
		return types.TransportError("write audio header", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, ch.data); err != nil {
		return types.TransportError("write audio frame", err)
	}
	return nil
}

// drainLoop is the single send path for audio chunks, which keeps the FIFO
// ordering trivially correct. It runs for the client's whole life and is
// woken whenever a chunk is queued, a connection comes up or backpressure
// clears.
func (c *Client) drainLoop() {
	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-c.drainKick:
		}

		for {
			c.mu.Lock()
			if c.state != StateConnected || c.backpressure || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			ch := c.queue[0]
			c.queue = c.queue[1:]
			conn := c.conn
			c.mu.Unlock()

			if err := c.writeChunk(conn, ch); err != nil {
				// Put the chunk back so it survives the reconnect.
				c.mu.Lock()
				c.queue = append([]chunk{ch}, c.queue...)
				c.mu.Unlock()
				c.connectionLost(conn, err)
				break
			}

			t := time.NewTimer(c.cfg.SendDelay)
			select {
			case <-c.rootCtx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// readLoop consumes server frames until the connection dies. A binary frame
// is only meaningful directly after an audio envelope.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	var pendingAudioMime string

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.connectionLostGen(conn, gen, types.TransportError("read", err))
			return
		}

		if msgType == websocket.MessageBinary {
			if pendingAudioMime == "" {
				c.emitError(types.ProtocolError("binary frame without audio envelope", nil))
				continue
			}
			if c.handlers.OnAudio != nil {
				c.handlers.OnAudio(data, pendingAudioMime)
			}
			pendingAudioMime = ""
			continue
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			// Single bad message: log, drop, carry on.
			c.log.Warn("dropping malformed server message", "error", err)
			c.emitError(err)
			continue
		}
		pendingAudioMime = c.handleServerMessage(msg, pendingAudioMime)
	}
}

// handleServerMessage dispatches one decoded envelope and returns the mime
// type to expect on the next binary frame, if any.
func (c *Client) handleServerMessage(msg protocol.ServerMessage, pendingAudioMime string) string {
	switch msg.Type {
	case protocol.TypeSession:
		if c.handlers.OnSessionInfo != nil {
			c.handlers.OnSessionInfo(msg.SessionID)
		}
	case protocol.TypeTranscript:
		if c.handlers.OnTranscript != nil {
			c.handlers.OnTranscript(types.Transcript{
				Text:       msg.Text,
				IsFinal:    msg.IsFinal,
				Confidence: msg.Confidence,
			})
		}
	case protocol.TypeNLU:
		if c.handlers.OnIntent != nil {
			c.handlers.OnIntent(types.Intent{
				Name:               msg.Intent,
				Entities:           msg.Entities,
				Parameters:         msg.Parameters,
				FinalTranscript:    msg.FinalTranscript,
				ConfirmationSpeech: msg.ConfirmationSpeech,
			})
		}
	case protocol.TypeAudio:
		return msg.MimeType
	case protocol.TypePong:
		c.mu.Lock()
		pong := c.pong
		c.mu.Unlock()
		if pong != nil {
			select {
			case pong <- struct{}{}:
			default:
			}
		}
	case protocol.TypeBackpressure:
		c.mu.Lock()
		c.backpressure = msg.Active
		c.mu.Unlock()
		if c.handlers.OnBackpressure != nil {
			c.handlers.OnBackpressure(msg.Active)
		}
		if !msg.Active {
			c.kickDrain()
		}
	case protocol.TypeError:
		c.emitError(types.NewError(types.ErrorCode(msg.Code), msg.Message, nil))
	}
	return pendingAudioMime
}

// keepaliveLoop sends protocol pings and declares the connection dead when a
// pong does not arrive in time. A prompt pong releases the loop immediately,
// so the ping cadence stays at PingInterval on a healthy link.
func (c *Client) keepaliveLoop(ctx context.Context, conn *websocket.Conn, gen int, pong <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Discard a pong left over from a previous cycle.
		select {
		case <-pong:
		default:
		}

		if err := c.writeEnvelope(conn, protocol.Ping()); err != nil {
			c.connectionLostGen(conn, gen, err)
			return
		}

		t := time.NewTimer(c.cfg.PongTimeout)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-pong:
			t.Stop()
		case <-t.C:
			c.connectionLostGen(conn, gen, types.TransportError("pong timeout", nil))
			return
		}
	}
}

// connectionLost tears down the current connection and, when auto-reconnect
// is on, enters the backoff loop.
func (c *Client) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.connectionLostGen(conn, gen, err)
}

func (c *Client) connectionLostGen(conn *websocket.Conn, gen int, err error) {
	c.mu.Lock()
	if c.state == StateClosed || gen != c.gen || c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.backpressure = false

	auto := c.cfg.AutoReconnect
	if auto {
		c.setStateLocked(StateReconnecting)
		c.startReconnectLocked()
	} else {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	conn.Close(websocket.StatusAbnormalClosure, "connection lost")
	c.log.Warn("connection lost", "error", err, "auto_reconnect", auto)
	c.emitError(err)
}

// startReconnectLocked launches the single backoff goroutine if one is not
// already running. Caller holds c.mu.
func (c *Client) startReconnectLocked() {
	if c.reconnecting {
		return
	}
	c.reconnecting = true
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential backoff until it succeeds,
// the budget is exhausted, or the client is closed.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		if err := c.retrier.Wait(c.rootCtx); err != nil {
			if c.rootCtx.Err() != nil {
				return
			}
			// Budget exhausted: terminal, no further retries.
			c.mu.Lock()
			c.setStateLocked(StateClosed)
			c.mu.Unlock()
			c.log.Error("reconnect budget exhausted", "attempts", c.retrier.Attempt())
			c.emitError(types.SessionExpiredError("reconnect budget exhausted"))
			return
		}

		attempt := c.retrier.Attempt()
		c.log.Info("reconnecting", "attempt", attempt)

		dialCtx, cancel := context.WithTimeout(c.rootCtx, writeTimeout)
		err := c.dial(dialCtx)
		cancel()
		if err == nil {
			return
		}
		c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

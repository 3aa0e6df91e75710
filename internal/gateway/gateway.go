package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxcart/voxcart/internal/health"
	"github.com/voxcart/voxcart/internal/observe"
	"github.com/voxcart/voxcart/internal/store"
	"github.com/voxcart/voxcart/pkg/backoff"
	"github.com/voxcart/voxcart/pkg/provider/speech"
)

// Config holds gateway tuning. Zero durations are replaced with the defaults
// from the config package's session section.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string

	// SessionTTL is the fixed session lifetime. Default: 2h.
	SessionTTL time.Duration

	// ErrorTTL is the shortened lifetime of ERROR sessions. Default: 5m.
	ErrorTTL time.Duration

	// SweepInterval is the period of the TTL expiry sweep. Default: 30s.
	SweepInterval time.Duration

	// IdleTimeout is the client inactivity threshold. Default: 5m.
	IdleTimeout time.Duration

	// IdleSweepInterval is the period of the idle sweep. Default: 1m.
	IdleSweepInterval time.Duration

	// ConnectTimeout bounds each upstream provider dial, so a blackholed
	// provider surfaces as a connect error instead of a hung session.
	// Default: 10s.
	ConnectTimeout time.Duration

	// Reconnect drives the bounded upstream reconnection backoff.
	Reconnect backoff.Policy

	// Instructions is the system prompt sent to the provider per session.
	Instructions string

	// Voice selects the provider's synthesis voice.
	Voice string

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 2 * time.Hour
	}
	if c.ErrorTTL <= 0 {
		c.ErrorTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.IdleSweepInterval <= 0 {
		c.IdleSweepInterval = time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Gateway bridges client websocket connections to upstream speech provider
// sessions. Construct with [New], serve with [Gateway.Run].
type Gateway struct {
	cfg      Config
	provider speech.Provider
	registry *Registry
	metrics  *observe.Metrics
	writer   *store.Writer
	logger   *slog.Logger
	checkers []health.Checker

	// sessionMu guards the hot-reloadable provider session parameters.
	sessionMu    sync.RWMutex
	instructions string
	voice        string
}

// Option customises a [Gateway].
type Option func(*Gateway)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithWriter sets the utterance audit writer. A nil writer discards records.
func WithWriter(w *store.Writer) Option {
	return func(g *Gateway) { g.writer = w }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithHealthCheckers adds readiness checks served on /readyz.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(g *Gateway) { g.checkers = append(g.checkers, checkers...) }
}

// New creates a gateway backed by the given provider.
func New(cfg Config, provider speech.Provider, opts ...Option) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:          cfg,
		provider:     provider,
		registry:     NewRegistry(cfg.SessionTTL, cfg.ErrorTTL, cfg.Reconnect),
		instructions: cfg.Instructions,
		voice:        cfg.Voice,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Registry returns the session registry. Exposed for readiness checks.
func (g *Gateway) Registry() *Registry { return g.registry }

// SetInstructions updates the system prompt for sessions created afterwards.
// Used by config hot-reload; live sessions are unaffected.
func (g *Gateway) SetInstructions(instructions string) {
	g.sessionMu.Lock()
	g.instructions = instructions
	g.sessionMu.Unlock()
}

// SetVoice updates the synthesis voice for sessions created afterwards.
func (g *Gateway) SetVoice(voice string) {
	g.sessionMu.Lock()
	g.voice = voice
	g.sessionMu.Unlock()
}

// sessionParams returns the current instructions and voice.
func (g *Gateway) sessionParams() (instructions, voice string) {
	g.sessionMu.RLock()
	defer g.sessionMu.RUnlock()
	return g.instructions, g.voice
}

// Handler returns the gateway's HTTP routes: /ws for client connections,
// /healthz and /readyz probes, and the Prometheus /metrics endpoint. All
// routes except /ws go through the tracing middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	h := health.New(g.checkers...)
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.HandleFunc("GET /ws", g.handleWS)
	root.Handle("/", observe.Middleware(g.metrics)(mux))
	return root
}

// Run serves HTTP until ctx is cancelled, running the expiry and idle sweeps
// alongside. Shutdown closes every live session's upstream handle.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	var wg sync.WaitGroup
	wg.Go(func() { g.expirySweep(sweepCtx) })
	wg.Go(func() { g.idleSweep(sweepCtx) })

	errCh := make(chan error, 1)
	go func() {
		var err error
		if g.cfg.TLSCertFile != "" && g.cfg.TLSKeyFile != "" {
			g.logger.Info("gateway listening", "addr", g.cfg.ListenAddr, "tls", true)
			err = srv.ListenAndServeTLS(g.cfg.TLSCertFile, g.cfg.TLSKeyFile)
		} else {
			g.logger.Info("gateway listening", "addr", g.cfg.ListenAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stopSweeps()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	stopSweeps()
	wg.Wait()
	return err
}

// ── Sweeps ────────────────────────────────────────────────────────────────────

// expirySweep periodically removes sessions whose TTL has passed, releasing
// each upstream handle exactly once.
func (g *Gateway) expirySweep(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.sweepExpired(ctx, now)
		}
	}
}

// sweepExpired runs one expiry pass. Split out for tests.
func (g *Gateway) sweepExpired(ctx context.Context, now time.Time) {
	for _, s := range g.registry.Expired(now) {
		g.logger.Info("session expired", "session_id", s.ID, "age", s.Age())
		g.removeSession(ctx, s, "ttl")
	}
}

// idleSweep periodically closes sessions whose client connection has been
// inactive beyond the idle threshold, so orphaned upstream sessions never
// accumulate.
func (g *Gateway) idleSweep(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.sweepIdle(ctx, now)
		}
	}
}

// sweepIdle runs one idle pass. Split out for tests.
func (g *Gateway) sweepIdle(ctx context.Context, now time.Time) {
	cutoff := now.Add(-g.cfg.IdleTimeout)
	for _, s := range g.registry.IdleSince(cutoff) {
		g.logger.Info("session idle, closing", "session_id", s.ID)
		g.removeSession(ctx, s, "idle")
	}
}

// removeSession evicts a session from the registry, closes its upstream
// exactly once, and notifies the owning connection handler.
func (g *Gateway) removeSession(ctx context.Context, s *Session, reason string) {
	g.registry.Remove(s.ID)
	lifetime := s.Age()
	if s.closeUpstream() {
		g.metrics.RecordExpiredSession(ctx, reason)
		g.metrics.RecordSessionClosed(ctx, lifetime)
	}
	s.evict(reason)
}

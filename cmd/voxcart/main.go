// Command voxcart runs the voice-to-intent session gateway: it accepts client
// websocket connections, bridges them to a streaming speech/NLU provider, and
// streams transcripts and structured shopping intents back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/voxcart/voxcart/internal/config"
	"github.com/voxcart/voxcart/internal/gateway"
	"github.com/voxcart/voxcart/internal/health"
	"github.com/voxcart/voxcart/internal/observe"
	"github.com/voxcart/voxcart/internal/resilience"
	"github.com/voxcart/voxcart/internal/store"
	"github.com/voxcart/voxcart/pkg/backoff"
	"github.com/voxcart/voxcart/pkg/provider/speech"
	"github.com/voxcart/voxcart/pkg/provider/speech/gemini"
	speechmock "github.com/voxcart/voxcart/pkg/provider/speech/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Load .env before the config so ${VAR} style deployment secrets resolve.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxcart: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxcart: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))

	slog.Info("voxcart starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxcart",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Utterance store (optional) ────────────────────────────────────────────
	var (
		utterances *store.Store
		writer     *store.Writer
		checkers   []health.Checker
	)
	if cfg.Store.PostgresDSN != "" {
		utterances, err = store.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("failed to open utterance store", "err", err)
			return 1
		}
		defer utterances.Close()

		writer = store.NewWriter(utterances, store.WriterConfig{
			BreakerThreshold: cfg.Store.BreakerThreshold,
			BreakerCooldown:  cfg.Store.BreakerCooldown,
		})
		defer writer.Close()

		checkers = append(checkers, health.Checker{Name: "database", Check: utterances.Ping})
		slog.Info("utterance store enabled")
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(reg, cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider",
			"provider", cfg.Provider.Name,
			"registered", reg.Names(),
			"err", err,
		)
		return 1
	}
	if n := len(cfg.Provider.Fallbacks); n > 0 {
		slog.Info("provider failover enabled", "primary", cfg.Provider.Name, "fallbacks", n)
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	gw := gateway.New(gateway.Config{
		ListenAddr:        cfg.Server.ListenAddr,
		SessionTTL:        cfg.Session.TTL,
		ErrorTTL:          cfg.Session.ErrorTTL,
		SweepInterval:     cfg.Session.SweepInterval,
		IdleTimeout:       cfg.Session.IdleTimeout,
		IdleSweepInterval: cfg.Session.IdleSweepInterval,
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		Reconnect: backoff.Policy{
			Base:        cfg.Reconnect.Base,
			Max:         cfg.Reconnect.Max,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Instructions: cfg.Provider.Instructions,
		Voice:        cfg.Provider.Voice,
		TLSCertFile:  tlsCert(cfg.Server.TLS),
		TLSKeyFile:   tlsKey(cfg.Server.TLS),
	}, provider,
		gateway.WithWriter(writer),
		gateway.WithHealthCheckers(checkers...),
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.InstructionsChanged {
			gw.SetInstructions(d.NewInstructions)
			slog.Info("provider instructions updated")
		}
		if d.VoiceChanged {
			gw.SetVoice(d.NewVoice)
			slog.Info("provider voice updated", "voice", d.NewVoice)
		}
		if d.RestartRequired {
			slog.Warn("config change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	slog.Info("server ready — press Ctrl+C to shut down")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return gw.Run(egCtx) })

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// buildProvider instantiates the configured provider. When fallbacks are
// declared the whole chain is wrapped in a breaker-guarded failover group, so
// a backend that keeps refusing sessions is skipped until it recovers.
func buildProvider(reg *config.Registry, entry config.ProviderConfig) (speech.Provider, error) {
	primary, err := reg.Create(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	chain := resilience.NewSpeechFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fb := range entry.Fallbacks {
		p, err := reg.Create(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fb.Name, err)
		}
		chain.AddFallback(fb.Name, p)
	}
	return chain, nil
}

// registerBuiltinProviders wires the provider implementations that ship with
// voxcart into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.ProviderConfig) (speech.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	// mock echoes nothing upstream; useful for wiring and load tests.
	reg.Register("mock", func(config.ProviderConfig) (speech.Provider, error) {
		return &speechmock.Provider{}, nil
	})
}

func tlsCert(t *config.TLSConfig) string {
	if t == nil {
		return ""
	}
	return t.CertFile
}

func tlsKey(t *config.TLSConfig) string {
	if t == nil {
		return ""
	}
	return t.KeyFile
}

// slogLevel maps a config log level onto its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger in the configured format.
func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

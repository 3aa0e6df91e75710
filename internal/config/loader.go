package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// envOrEmpty resolves $VAR and ${VAR} during config expansion. Unset variables
// expand to the empty string so validation reports a missing key rather than
// passing the literal placeholder to the provider.
func envOrEmpty(name string) string { return os.Getenv(name) }

// ValidProviderNames lists known upstream provider names. Used by [Validate]
// to warn about unrecognised names without rejecting third-party registrations.
var ValidProviderNames = []string{"gemini-live", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. ${VAR} references in the document are expanded from the
// environment before decoding, so secrets like API keys can live in a .env
// file instead of the config. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.Expand(string(raw), envOrEmpty)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider, plus its fallback chain.
	errs = append(errs, validateProvider("provider", cfg.Provider)...)
	for i, fb := range cfg.Provider.Fallbacks {
		prefix := fmt.Sprintf("provider.fallbacks[%d]", i)
		errs = append(errs, validateProvider(prefix, fb)...)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s: fallbacks must not nest", prefix))
		}
	}

	// Session lifetimes
	if cfg.Session.ErrorTTL > cfg.Session.TTL {
		errs = append(errs, fmt.Errorf("session.error_ttl (%s) must not exceed session.ttl (%s)", cfg.Session.ErrorTTL, cfg.Session.TTL))
	}
	if cfg.Session.SweepInterval > cfg.Session.TTL {
		slog.Warn("session.sweep_interval exceeds session.ttl; expired sessions will linger",
			"sweep_interval", cfg.Session.SweepInterval,
			"ttl", cfg.Session.TTL,
		)
	}

	// Reconnect
	if cfg.Reconnect.Base > cfg.Reconnect.Max {
		errs = append(errs, fmt.Errorf("reconnect.base (%s) must not exceed reconnect.max (%s)", cfg.Reconnect.Base, cfg.Reconnect.Max))
	}

	// Audio contract is fixed by the wire protocol.
	if cfg.Audio.UpstreamRate != DefaultUpstreamRate {
		errs = append(errs, fmt.Errorf("audio.upstream_rate must be %d (fixed PCM contract), got %d", DefaultUpstreamRate, cfg.Audio.UpstreamRate))
	}
	if cfg.Audio.DownstreamRate != DefaultDownstreamRate {
		errs = append(errs, fmt.Errorf("audio.downstream_rate must be %d (fixed PCM contract), got %d", DefaultDownstreamRate, cfg.Audio.DownstreamRate))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Info("store.postgres_dsn is empty; utterance audit log disabled")
	}

	return errors.Join(errs...)
}

// validateProvider checks one provider entry. prefix names the entry in error
// messages ("provider", "provider.fallbacks[0]", ...).
func validateProvider(prefix string, p ProviderConfig) []error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
	} else if !slices.Contains(ValidProviderNames, p.Name) {
		slog.Warn("unknown provider name — may be a typo or third-party provider",
			"name", p.Name,
			"known", ValidProviderNames,
		)
	}
	if p.Name == "gemini-live" && p.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required for gemini-live", prefix))
	}
	return errs
}

// Package config provides the configuration schema, loader, file watcher and
// provider registry for the voxcart gateway.
package config

import "time"

// LogLevel controls log verbosity for the voxcart server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler used by the server.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure for voxcart.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Audio     AudioConfig     `yaml:"audio"`
	Store     StoreConfig     `yaml:"store"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderConfig selects and configures the upstream speech/NLU provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderConfig struct {
	// Name selects the registered provider implementation
	// (e.g., "gemini-live", "mock").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice selects the synthesis voice for confirmation speech.
	Voice string `yaml:"voice"`

	// Instructions is the system preamble for every upstream session
	// (the shopping-assistant prompt).
	Instructions string `yaml:"instructions"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks lists secondary providers tried in declaration order when
	// the primary fails to open a session. One level only: a fallback may
	// not declare fallbacks of its own.
	Fallbacks []ProviderConfig `yaml:"fallbacks"`
}

// SessionConfig holds server-session lifetime and sweep settings.
type SessionConfig struct {
	// TTL is how long a session may live before the expiry sweep closes it.
	TTL time.Duration `yaml:"ttl"`

	// ErrorTTL replaces TTL once a session enters the ERROR state, so dead
	// sessions are reclaimed quickly.
	ErrorTTL time.Duration `yaml:"error_ttl"`

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// IdleTimeout closes client sockets with no traffic for this long,
	// along with their upstream sessions.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// IdleSweepInterval is how often the idle sweep runs.
	IdleSweepInterval time.Duration `yaml:"idle_sweep_interval"`

	// ConnectTimeout bounds each upstream provider dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ReconnectConfig parameterizes the gateway's upstream reconnection backoff:
// delay = min(base * 2^(attempt-1), max), at most MaxAttempts attempts.
type ReconnectConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// AudioConfig pins the PCM contract. Both rates are fixed by the wire
// protocol; the fields exist so a config that disagrees fails loudly instead
// of producing garbled audio.
type AudioConfig struct {
	UpstreamRate   int `yaml:"upstream_rate"`
	DownstreamRate int `yaml:"downstream_rate"`
}

// StoreConfig holds settings for the optional utterance audit store.
type StoreConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty disables the
	// store entirely.
	PostgresDSN string `yaml:"postgres_dsn"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit breaker guarding store writes.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultSessionTTL        = 2 * time.Hour
	DefaultErrorTTL          = 5 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultIdleSweepInterval = time.Minute
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultUpstreamRate      = 16000
	DefaultDownstreamRate    = 24000
	DefaultBreakerThreshold  = 5
	DefaultBreakerCooldown   = 30 * time.Second
)

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogFormatText
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Session.ErrorTTL <= 0 {
		c.Session.ErrorTTL = DefaultErrorTTL
	}
	if c.Session.SweepInterval <= 0 {
		c.Session.SweepInterval = DefaultSweepInterval
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = DefaultIdleTimeout
	}
	if c.Session.IdleSweepInterval <= 0 {
		c.Session.IdleSweepInterval = DefaultIdleSweepInterval
	}
	if c.Session.ConnectTimeout <= 0 {
		c.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect.Base = DefaultReconnectBase
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = DefaultReconnectMax
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Audio.UpstreamRate == 0 {
		c.Audio.UpstreamRate = DefaultUpstreamRate
	}
	if c.Audio.DownstreamRate == 0 {
		c.Audio.DownstreamRate = DefaultDownstreamRate
	}
	if c.Store.BreakerThreshold <= 0 {
		c.Store.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.Store.BreakerCooldown <= 0 {
		c.Store.BreakerCooldown = DefaultBreakerCooldown
	}
}

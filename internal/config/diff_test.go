package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	a, b := validConfig(), validConfig()
	d := Diff(a, b)
	if !d.Empty() {
		t.Errorf("diff of identical configs = %+v; want empty", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	a, b := validConfig(), validConfig()
	b.Server.LogLevel = LogDebug

	d := Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v; want log level change to debug", d)
	}
	if d.RestartRequired {
		t.Error("log level change must not require a restart")
	}
}

func TestDiff_InstructionsAndVoice(t *testing.T) {
	a, b := validConfig(), validConfig()
	b.Provider.Instructions = "New prompt."
	b.Provider.Voice = "Kore"

	d := Diff(a, b)
	if !d.InstructionsChanged || d.NewInstructions != "New prompt." {
		t.Errorf("diff = %+v; want instructions change", d)
	}
	if !d.VoiceChanged || d.NewVoice != "Kore" {
		t.Errorf("diff = %+v; want voice change", d)
	}
	if d.RestartRequired {
		t.Error("prompt/voice changes must not require a restart")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"listen addr", func(c *Config) { c.Server.ListenAddr = ":7777" }},
		{"provider name", func(c *Config) { c.Provider.Name = "gemini-live"; c.Provider.APIKey = "k" }},
		{"api key", func(c *Config) { c.Provider.APIKey = "rotated" }},
		{"session ttl", func(c *Config) { c.Session.TTL = 30 * time.Minute }},
		{"reconnect attempts", func(c *Config) { c.Reconnect.MaxAttempts = 9 }},
		{"store dsn", func(c *Config) { c.Store.PostgresDSN = "postgres://other" }},
		{"fallback added", func(c *Config) { c.Provider.Fallbacks = []ProviderConfig{{Name: "mock"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := validConfig(), validConfig()
			tt.mutate(b)
			if d := Diff(a, b); !d.RestartRequired {
				t.Errorf("diff = %+v; want RestartRequired", d)
			}
		})
	}
}

package config

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes (log level, session prompt, voice) are tracked individually;
// everything else folds into RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InstructionsChanged and VoiceChanged apply to upstream sessions
	// created after the reload; live sessions keep their setup.
	InstructionsChanged bool
	NewInstructions     string
	VoiceChanged        bool
	NewVoice            string

	// RestartRequired is set when a field that cannot be applied to a
	// running server changed (listen address, provider identity, store DSN,
	// session/reconnect timing).
	RestartRequired bool
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.InstructionsChanged && !d.VoiceChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Provider.Instructions != new.Provider.Instructions {
		d.InstructionsChanged = true
		d.NewInstructions = new.Provider.Instructions
	}
	if old.Provider.Voice != new.Provider.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Provider.Voice
	}

	d.RestartRequired = restartRequired(old, new)
	return d
}

func restartRequired(old, new *Config) bool {
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		return true
	}
	if (old.Server.TLS == nil) != (new.Server.TLS == nil) {
		return true
	}
	if old.Server.TLS != nil && *old.Server.TLS != *new.Server.TLS {
		return true
	}
	if providerIdentityChanged(old.Provider, new.Provider) {
		return true
	}
	if len(old.Provider.Fallbacks) != len(new.Provider.Fallbacks) {
		return true
	}
	for i := range old.Provider.Fallbacks {
		if providerIdentityChanged(old.Provider.Fallbacks[i], new.Provider.Fallbacks[i]) {
			return true
		}
	}
	if old.Session != new.Session || old.Reconnect != new.Reconnect {
		return true
	}
	if old.Store != new.Store {
		return true
	}
	return false
}

// providerIdentityChanged reports whether the fields that select a provider
// backend differ. Instructions and voice are excluded: those hot-reload.
func providerIdentityChanged(old, new ProviderConfig) bool {
	return old.Name != new.Name ||
		old.APIKey != new.APIKey ||
		old.BaseURL != new.BaseURL ||
		old.Model != new.Model
}

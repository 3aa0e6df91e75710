package resilience

import (
	"context"

	"github.com/voxcart/voxcart/pkg/provider/speech"
)

// SpeechFallback implements [speech.Provider] with automatic failover across
// multiple speech backends. Each backend has its own circuit breaker, so a
// backend that keeps failing to open sessions is skipped until its breaker
// allows probes again.
type SpeechFallback struct {
	group *FallbackGroup[speech.Provider]
}

// Compile-time interface assertion.
var _ speech.Provider = (*SpeechFallback)(nil)

// NewSpeechFallback creates a [SpeechFallback] with primary as the preferred
// backend.
func NewSpeechFallback(primary speech.Provider, primaryName string, cfg FallbackConfig) *SpeechFallback {
	return &SpeechFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional speech provider as a fallback.
func (f *SpeechFallback) AddFallback(name string, provider speech.Provider) {
	f.group.AddFallback(name, provider)
}

// Connect opens a streaming session against the first healthy provider. If the
// primary fails to connect, subsequent fallbacks are tried in order.
func (f *SpeechFallback) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p speech.Provider) (speech.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

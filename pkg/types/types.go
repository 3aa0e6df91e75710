// Package types defines the shared types used across all Voxcart packages.
//
// These types form the lingua franca between the client transport, the wire
// protocol, the provider boundary, and the session gateway. Cross-cutting data
// structures live here to avoid circular imports; each package still defines
// its own domain types.
package types

import "time"

// Transcript represents a speech-to-text result from the upstream provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance was recognised, relative to
	// session start.
	Timestamp time.Duration
}

// Intent is a structured shopping command extracted by the provider's NLU
// layer from a finished utterance.
type Intent struct {
	// Name identifies the recognised action (e.g., "add_to_cart",
	// "search_product", "checkout").
	Name string

	// Entities maps entity kinds to surface forms extracted from the
	// utterance (e.g., "product" → "oat milk").
	Entities map[string]string

	// Parameters holds structured argument values (quantity, size, ...).
	Parameters map[string]any

	// FinalTranscript is the utterance text the intent was derived from.
	FinalTranscript string

	// ConfirmationSpeech is the provider-suggested spoken confirmation.
	// Empty when the provider does not synthesise one.
	ConfirmationSpeech string
}

// Package vad implements an adaptive energy-based voice activity detector.
//
// The detector is a small state machine (inactive → idle ⇄ speech) driven by
// the RMS energy of successive audio frames. The speech threshold floats on
// an adaptive background-noise estimate, combining an exponential filter with
// a periodic percentile recalculation over a rolling window so that transient
// spikes do not drag the noise floor upward.
//
// VAD is synchronous by design: ProcessFrame returns immediately with the
// events produced by that frame, making it suitable for the capture callback
// path that gates transport input. All timing derives from accumulated frame
// durations rather than wall clocks, so behaviour is deterministic and fully
// testable.
//
// A Detector is owned by a single audio stream and is not safe for concurrent
// use.
package vad

import (
	"sort"
	"time"

	"github.com/voxcart/voxcart/pkg/audio"
)

// State enumerates the detector's operating modes.
type State int

const (
	// StateInactive means the detector is not running; frames are ignored.
	StateInactive State = iota

	// StateIdle means the detector is listening but no speech is in progress.
	StateIdle

	// StateSpeech means a speech segment is open.
	StateSpeech
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateIdle:
		return "idle"
	case StateSpeech:
		return "speech"
	default:
		return "unknown"
	}
}

// Config holds the tuning parameters for a [Detector]. Zero-value fields are
// replaced with defaults by [New].
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame. Default: 16000.
	SampleRate int

	// Multiplier scales the background-noise estimate into the speech
	// threshold. Default: 2.5.
	Multiplier float64

	// MinEnergy is the lower clamp for both the threshold and the noise
	// estimate. Default: 0.01.
	MinEnergy float64

	// MaxEnergy is the upper clamp for the threshold. Default: 0.5.
	MaxEnergy float64

	// SpeechStartThreshold is how long frame energy must stay at or above
	// the threshold before a speech segment opens. Default: 200ms.
	SpeechStartThreshold time.Duration

	// SpeechEndThreshold is how long frame energy must stay below the
	// threshold before an open segment closes. Default: 600ms.
	SpeechEndThreshold time.Duration

	// MaxSpeechDuration force-closes a segment that never goes quiet, so a
	// continuous loud noise source cannot hold a session open. Default: 15s.
	MaxSpeechDuration time.Duration

	// AdaptRate is the exponential smoothing factor applied to the noise
	// estimate while idle. Default: 0.05.
	AdaptRate float64

	// WindowSize is the number of recent idle energy samples kept for the
	// percentile recalculation. Default: 50.
	WindowSize int

	// RecalcInterval is how often (in accumulated idle frame time) the noise
	// estimate is recomputed from the 30th percentile of the window.
	// Default: 2s.
	RecalcInterval time.Duration
}

// applyDefaults fills zero-value fields with defaults.
func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.5
	}
	if c.MinEnergy <= 0 {
		c.MinEnergy = 0.01
	}
	if c.MaxEnergy <= 0 {
		c.MaxEnergy = 0.5
	}
	if c.SpeechStartThreshold <= 0 {
		c.SpeechStartThreshold = 200 * time.Millisecond
	}
	if c.SpeechEndThreshold <= 0 {
		c.SpeechEndThreshold = 600 * time.Millisecond
	}
	if c.MaxSpeechDuration <= 0 {
		c.MaxSpeechDuration = 15 * time.Second
	}
	if c.AdaptRate <= 0 {
		c.AdaptRate = 0.05
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 50
	}
	if c.RecalcInterval <= 0 {
		c.RecalcInterval = 2 * time.Second
	}
}

// Event is a detection result produced by [Detector.ProcessFrame].
// The concrete types are [SpeechStart], [SpeechEnd], and [AudioLevel].
type Event interface {
	vadEvent()
}

// SpeechStart is emitted once when a speech segment opens.
type SpeechStart struct {
	// Timestamp is the stream time at which the segment opened.
	Timestamp time.Duration
}

// SpeechEnd is emitted once when a speech segment closes, whether by
// sustained silence or by the max-duration cutoff.
type SpeechEnd struct {
	// Duration is the elapsed time since the matching [SpeechStart].
	Duration time.Duration
}

// AudioLevel is emitted for every processed frame regardless of state, for
// UI metering.
type AudioLevel struct {
	// Level is the normalized RMS energy of the frame.
	Level float64

	// Threshold is the speech threshold in effect for the frame.
	Threshold float64
}

func (SpeechStart) vadEvent() {}
func (SpeechEnd) vadEvent()   {}
func (AudioLevel) vadEvent()  {}

// Detector is the adaptive VAD state machine. Create one per audio stream
// with [New]; call [Detector.Start] before feeding frames.
type Detector struct {
	cfg Config

	state State
	clock time.Duration // accumulated stream time

	noise     float64
	aboveTime time.Duration
	belowTime time.Duration

	speechStartAt time.Duration

	window      []float64
	sinceRecalc time.Duration
}

// New creates a stopped [Detector] with the given configuration.
func New(cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:    cfg,
		state:  StateInactive,
		noise:  cfg.MinEnergy,
		window: make([]float64, 0, cfg.WindowSize),
	}
}

// Start moves the detector from inactive to idle. Starting an already
// running detector is a no-op.
func (d *Detector) Start() {
	if d.state != StateInactive {
		return
	}
	d.state = StateIdle
}

// Stop moves the detector to inactive from any state and clears all
// accumulated detection state.
func (d *Detector) Stop() {
	d.state = StateInactive
	d.Reset()
}

// Reset clears all counters and timers and reinitialises the noise floor to
// MinEnergy. The current state (inactive vs. running) is preserved; an open
// speech segment is abandoned without a [SpeechEnd] event.
func (d *Detector) Reset() {
	if d.state == StateSpeech {
		d.state = StateIdle
	}
	d.noise = d.cfg.MinEnergy
	d.aboveTime = 0
	d.belowTime = 0
	d.speechStartAt = 0
	d.window = d.window[:0]
	d.sinceRecalc = 0
}

// State returns the current detector state.
func (d *Detector) State() State { return d.state }

// Threshold returns the speech threshold currently in effect.
func (d *Detector) Threshold() float64 {
	return clamp(d.noise*d.cfg.Multiplier, d.cfg.MinEnergy, d.cfg.MaxEnergy)
}

// NoiseFloor returns the current background-noise estimate.
func (d *Detector) NoiseFloor() float64 { return d.noise }

// ProcessFrame analyses one frame of mono float samples and returns the
// events it produced, in emission order. An inactive detector returns nil.
func (d *Detector) ProcessFrame(samples []float32) []Event {
	if d.state == StateInactive || len(samples) == 0 {
		return nil
	}

	frameDur := time.Duration(len(samples)) * time.Second / time.Duration(d.cfg.SampleRate)
	d.clock += frameDur

	energy := audio.RMS(samples)
	threshold := d.Threshold()

	events := []Event{AudioLevel{Level: energy, Threshold: threshold}}

	if energy >= threshold {
		d.aboveTime += frameDur
		d.belowTime = 0

		if d.state == StateIdle && d.aboveTime >= d.cfg.SpeechStartThreshold {
			d.state = StateSpeech
			d.speechStartAt = d.clock
			events = append(events, SpeechStart{Timestamp: d.clock})
		}
	} else {
		d.aboveTime = 0

		switch d.state {
		case StateSpeech:
			d.belowTime += frameDur
			if d.belowTime >= d.cfg.SpeechEndThreshold {
				events = append(events, d.endSegment())
			}
		case StateIdle:
			d.adaptNoise(energy, frameDur)
		}
	}

	// Max-duration cutoff applies regardless of the frame's energy.
	if d.state == StateSpeech && d.clock-d.speechStartAt >= d.cfg.MaxSpeechDuration {
		events = append(events, d.endSegment())
	}

	return events
}

// endSegment closes the open speech segment and returns the SpeechEnd event.
func (d *Detector) endSegment() Event {
	dur := d.clock - d.speechStartAt
	d.state = StateIdle
	d.aboveTime = 0
	d.belowTime = 0
	return SpeechEnd{Duration: dur}
}

// adaptNoise updates the background-noise estimate from an idle frame:
// exponential smoothing on every frame, percentile recalculation on a fixed
// interval of accumulated idle time.
func (d *Detector) adaptNoise(energy float64, frameDur time.Duration) {
	r := d.cfg.AdaptRate
	d.noise = (1-r)*d.noise + r*energy
	if d.noise < d.cfg.MinEnergy {
		d.noise = d.cfg.MinEnergy
	}

	if len(d.window) == d.cfg.WindowSize {
		copy(d.window, d.window[1:])
		d.window = d.window[:len(d.window)-1]
	}
	d.window = append(d.window, energy)

	d.sinceRecalc += frameDur
	if d.sinceRecalc < d.cfg.RecalcInterval || len(d.window) == 0 {
		return
	}
	d.sinceRecalc = 0

	// 30th percentile of the window rejects transient spikes that a pure
	// exponential filter would over-weight.
	sorted := make([]float64, len(d.window))
	copy(sorted, d.window)
	sort.Float64s(sorted)
	p30 := sorted[(len(sorted)*3)/10]
	if p30 < d.cfg.MinEnergy {
		p30 = d.cfg.MinEnergy
	}
	d.noise = p30
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

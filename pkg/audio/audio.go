// Package audio implements the client-side audio frame pipeline: captured
// float sample frames are resampled to the upstream target rate and quantized
// to 16-bit little-endian PCM, the raw wire format consumed by the gateway
// and the speech provider.
//
// The pipeline is allocation-light and synchronous; it is designed to run in
// the capture callback path without blocking.
package audio

import (
	"math"
	"time"
)

// Standard pipeline rates. The upstream (client → provider) leg is fixed at
// 16 kHz; the downstream (provider → client) leg delivers 24 kHz audio that
// is played back as-is.
const (
	UpstreamRate   = 16000
	DownstreamRate = 24000
)

// Frame is a fixed-size buffer of float samples in [-1, 1] as produced by
// capture hardware, together with its source sample rate and capture time.
// Frames are consumed exactly once by [EncodePCM].
type Frame struct {
	// Samples holds mono float samples in [-1, 1]. Out-of-range values are
	// tolerated and saturate during quantization.
	Samples []float32

	// SourceRate is the capture sample rate in Hz.
	SourceRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// EncodePCM converts a captured frame into a 16-bit signed little-endian PCM
// chunk at targetRate. When the source rate already matches the target rate
// resampling is skipped. A zero-length frame yields a zero-length chunk.
//
// Quantization clamps each sample to [-1, 1] before scaling, so out-of-range
// input saturates rather than wrapping. This is the only lossy step in the
// pipeline.
func EncodePCM(f Frame, targetRate int) []byte {
	samples := f.Samples
	if f.SourceRate != targetRate {
		samples = Resample(samples, f.SourceRate, targetRate)
	}

	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := quantize(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation: each output index i maps to the continuous source position
// i*srcRate/dstRate and interpolates between the two bracketing samples.
// If the rates match or the input is empty, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// RMS computes the root-mean-square energy of samples, normalized to [0, 1].
// An empty slice has zero energy.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	return rms
}

// quantize clamps s to [-1, 1] and scales to int16 range, rounding to the
// nearest integer.
func quantize(s float32) int16 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * 32767))
}

package audio

import (
	"math"
	"testing"
)

func pcmSample(b []byte, i int) int16 {
	return int16(b[i*2]) | int16(b[i*2+1])<<8
}

func TestEncodePCM_SameRateSkipsResampling(t *testing.T) {
	f := Frame{
		Samples:    []float32{0, 0.5, -0.5, 1},
		SourceRate: 16000,
	}
	out := EncodePCM(f, 16000)
	if len(out) != 8 {
		t.Fatalf("len = %d, want 8", len(out))
	}
	if got := pcmSample(out, 0); got != 0 {
		t.Errorf("sample 0 = %d, want 0", got)
	}
	if got := pcmSample(out, 1); got != 16384 {
		t.Errorf("sample 1 = %d, want 16384", got)
	}
	if got := pcmSample(out, 2); got != -16384 {
		t.Errorf("sample 2 = %d, want -16384", got)
	}
	if got := pcmSample(out, 3); got != 32767 {
		t.Errorf("sample 3 = %d, want 32767", got)
	}
}

func TestEncodePCM_SaturatesOutOfRange(t *testing.T) {
	f := Frame{
		Samples:    []float32{2.5, -3.0},
		SourceRate: 16000,
	}
	out := EncodePCM(f, 16000)
	if got := pcmSample(out, 0); got != 32767 {
		t.Errorf("over-range sample = %d, want 32767 (saturated)", got)
	}
	if got := pcmSample(out, 1); got != -32767 {
		t.Errorf("under-range sample = %d, want -32767 (saturated)", got)
	}
}

func TestEncodePCM_ZeroLengthFrame(t *testing.T) {
	out := EncodePCM(Frame{SourceRate: 48000}, 16000)
	if len(out) != 0 {
		t.Errorf("len = %d, want 0", len(out))
	}
}

func TestEncodePCM_Downsamples(t *testing.T) {
	// 480 samples at 48 kHz should become 160 samples at 16 kHz.
	f := Frame{
		Samples:    make([]float32, 480),
		SourceRate: 48000,
	}
	out := EncodePCM(f, 16000)
	if len(out) != 320 {
		t.Errorf("len = %d bytes, want 320 (160 samples)", len(out))
	}
}

func TestResample_LinearInterpolation(t *testing.T) {
	// Upsampling 2:1 with a ramp: midpoints must be the average of their
	// bracketing source samples.
	in := []float32{0, 1}
	out := Resample(in, 8000, 16000)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	if out[0] != 0 {
		t.Errorf("out[0] = %v, want 0", out[0])
	}
	if math.Abs(float64(out[1])-0.5) > 1e-6 {
		t.Errorf("out[1] = %v, want 0.5", out[1])
	}
	if out[2] != 1 {
		t.Errorf("out[2] = %v, want 1", out[2])
	}
}

func TestResample_SameRateReturnsInput(t *testing.T) {
	in := []float32{0.1, 0.2}
	if got := Resample(in, 16000, 16000); &got[0] != &in[0] {
		t.Error("same-rate resample should return the input slice")
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", []float32{0, 0, 0}, 0},
		{"constant half", []float32{0.5, 0.5, 0.5, 0.5}, 0.5},
		{"full scale", []float32{1, -1, 1, -1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RMS(tt.samples); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRMS_ClampsToOne(t *testing.T) {
	if got := RMS([]float32{2, 2}); got != 1 {
		t.Errorf("RMS of out-of-range input = %v, want clamped 1", got)
	}
}

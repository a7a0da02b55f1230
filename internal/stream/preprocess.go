// Package stream turns continuous remote participant audio into transcribed
// utterances for assistant-session mode.
//
// Each inbound frame is converted to mono at the recognition rate,
// conditioned by a [Preprocessor] and appended to the participant's [Record].
// A [FlushPolicy] decides when the accumulated audio is sent to the
// transcription backend. Only one transcription runs per process at a time;
// a flush that finds the [Guard] taken is skipped and the audio keeps
// accumulating for the next trigger.
package stream

import (
	"math"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Preprocessing defaults.
const (
	DefaultNoiseGate = 0.01
	DefaultFade      = 10 * time.Millisecond
)

// PreprocessConfig tunes a [Preprocessor]. Zero values take defaults.
type PreprocessConfig struct {
	SampleRate int

	// NoiseGate is the amplitude below which samples are attenuated.
	// Negative disables the gate.
	NoiseGate float64

	// Fade is the length of the linear fade applied to both frame edges.
	// Negative disables fading.
	Fade time.Duration
}

// Preprocessor conditions wire frames before buffering. It holds no state
// between frames and is safe for concurrent use.
type Preprocessor struct {
	gate        float32
	fadeSamples int
}

// NewPreprocessor returns a Preprocessor for cfg.
func NewPreprocessor(cfg PreprocessConfig) *Preprocessor {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.NoiseGate == 0 {
		cfg.NoiseGate = DefaultNoiseGate
	}
	if cfg.Fade == 0 {
		cfg.Fade = DefaultFade
	}
	p := &Preprocessor{}
	if cfg.NoiseGate > 0 {
		p.gate = float32(cfg.NoiseGate)
	}
	if cfg.Fade > 0 {
		p.fadeSamples = int(cfg.Fade * time.Duration(cfg.SampleRate) / time.Second)
	}
	return p
}

// Process converts one 16-bit little-endian mono frame to floats, then
// normalizes, gates and fades it.
func (p *Preprocessor) Process(pcm []byte) []float32 {
	s := audio.PCM16ToFloat32(pcm)
	Normalize(s)
	Gate(s, p.gate)
	Fade(s, p.fadeSamples)
	return s
}

// Normalize scales s in place so its peak magnitude is 1. Silence is left
// alone.
func Normalize(s []float32) {
	var peak float64
	for _, v := range s {
		peak = max(peak, math.Abs(float64(v)))
	}
	if peak == 0 {
		return
	}
	scale := float32(1 / peak)
	for i := range s {
		s[i] *= scale
	}
}

// Gate attenuates samples quieter than threshold by |v|/threshold, so the
// quietest samples approach zero without a hard cut.
func Gate(s []float32, threshold float32) {
	if threshold <= 0 {
		return
	}
	for i, v := range s {
		a := v
		if a < 0 {
			a = -a
		}
		if a < threshold {
			s[i] = v * (a / threshold)
		}
	}
}

// Fade applies a linear ramp over the first and last n samples. n is capped
// at half the frame.
func Fade(s []float32, n int) {
	n = min(n, len(s)/2)
	for i := range n {
		g := float32(i) / float32(n)
		s[i] *= g
		s[len(s)-1-i] *= g
	}
}

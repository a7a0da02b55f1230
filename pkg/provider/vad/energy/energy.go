// Package energy implements a vad.Engine that classifies frames by their RMS
// level. It needs no model and is the default activity detector for remote
// participant streams.
//
// The speech probability of a frame is its RMS scaled by ring.LevelScale and
// clamped to [0, 1], the same scale as the detector's audio level meter. A
// segment starts when the probability reaches SpeechThreshold and ends after
// HangoverFrames consecutive frames below SilenceThreshold.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/ring"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const (
	defaultSpeechThreshold  = 0.1
	defaultSilenceThreshold = 0.05
	defaultHangoverFrames   = 10
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

var errClosed = errors.New("energy: session closed")

// Option configures an Engine.
type Option func(*Engine)

// WithHangoverFrames sets how many consecutive quiet frames end a speech
// segment. Defaults to 10 (200 ms at 20 ms frames).
func WithHangoverFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.hangover = n
		}
	}
}

// Engine creates energy-gate sessions. It is stateless and safe for
// concurrent use.
type Engine struct {
	hangover int
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{hangover: defaultHangoverFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine. Zero thresholds take the defaults 0.1
// (speech) and 0.05 (silence).
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs < 0 {
		return nil, fmt.Errorf("energy: frame size must not be negative, got %d", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = min(defaultSilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, speech threshold %v]",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	frameBytes := 0
	if cfg.FrameSizeMs > 0 {
		frameBytes = cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	}
	return &session{cfg: cfg, frameBytes: frameBytes, hangover: e.hangover}, nil
}

type session struct {
	mu         sync.Mutex
	cfg        vad.Config
	frameBytes int
	hangover   int

	speaking bool
	quiet    int
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errClosed
	}
	if s.frameBytes > 0 && len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := Probability(frame)
	ev := vad.Event{Probability: p}

	switch {
	case !s.speaking && p >= s.cfg.SpeechThreshold:
		s.speaking = true
		s.quiet = 0
		ev.Type = vad.SpeechStart
	case !s.speaking:
		ev.Type = vad.Silence
	case p >= s.cfg.SilenceThreshold:
		s.quiet = 0
		ev.Type = vad.SpeechContinue
	default:
		s.quiet++
		if s.quiet >= s.hangover {
			s.speaking = false
			s.quiet = 0
			ev.Type = vad.SpeechEnd
		} else {
			ev.Type = vad.SpeechContinue
		}
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.quiet = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Probability returns the scaled RMS level of a 16-bit PCM frame in [0, 1].
func Probability(frame []byte) float64 {
	lvl := audio.RMS(audio.PCM16ToFloat32(frame)) * ring.LevelScale
	return min(max(lvl, 0), 1)
}

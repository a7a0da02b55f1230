// Package vad defines the Engine interface for voice activity detection.
//
// An engine turns fixed-size PCM frames into speech/silence decisions with a
// per-stream session that carries its own smoothing state, so each remote
// participant can be gated independently. ProcessFrame is synchronous and
// cheap enough to call inline on the audio path.
//
// A SessionHandle is not safe for concurrent use unless the implementation
// says so; Engines are.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM passed to
	// ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each frame. Engines with a fixed model
	// window reject other sizes; zero lets the engine accept any size.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame starts or
	// continues speech. Range [0, 1].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech
	// segment ends. Must be ≤ SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies one frame of 16-bit little-endian PCM. It must
	// not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine creates VAD sessions.
type Engine interface {
	// NewSession returns a session ready for frames, or an error if cfg is
	// invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

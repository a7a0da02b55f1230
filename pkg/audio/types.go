package audio

import "time"

// AudioFrame is one chunk of 16-bit little-endian PCM as it arrives from a
// transport or is handed to a recognition engine.
type AudioFrame struct {
	Data []byte

	// SampleRate in Hz (48000 for Discord Opus, 16000 for recognition).
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp is the capture position relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

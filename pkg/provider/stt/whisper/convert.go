package whisper

import "github.com/MrWong99/earshot/pkg/audio"

// monoFloat32 converts 16-bit little-endian PCM to float samples in [-1, 1],
// averaging interleaved channels down to mono.
func monoFloat32(pcm []byte, channels int) []float32 {
	samples := audio.PCM16ToFloat32(pcm)
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

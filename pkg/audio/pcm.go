package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// FloatToInt16 converts a float sample in [-1, 1] to 16-bit PCM. Positive
// values scale by 32767 and negative values by 32768. Out-of-range input is
// clamped first, and the scaled value truncates toward zero.
func FloatToInt16(v float32) int16 {
	f := float64(v)
	switch {
	case f > 1:
		f = 1
	case f < -1:
		f = -1
	case math.IsNaN(f):
		return 0
	}
	if f < 0 {
		return int16(f * 32768)
	}
	return int16(f * 32767)
}

// Int16ToFloat converts a 16-bit PCM sample back to [-1, 1] by dividing by
// 32767. The result for -32768 is clamped to -1.
func Int16ToFloat(s int16) float32 {
	f := float64(s) / 32767
	if f < -1 {
		f = -1
	}
	return float32(f)
}

// Float32ToPCM16 encodes float samples as little-endian 16-bit PCM bytes.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// PCM16ToFloat32 decodes little-endian 16-bit PCM bytes into float samples.
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = Int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// RMS returns the root-mean-square amplitude of samples, or 0 for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DurationMs returns the playback length in milliseconds of n interleaved
// samples at the given format.
func DurationMs(n, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return n * 1000 / (sampleRate * channels)
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte RIFF/WAVE
// header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	var buf bytes.Buffer
	buf.Grow(44 + dataSize)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(pcm)

	return buf.Bytes()
}

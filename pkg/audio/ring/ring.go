// Package ring implements the fixed-duration rolling store of float PCM that
// the wake-word detector snapshots for server-side confirmation.
//
// A [Buffer] pre-allocates maxDuration × sampleRate × channels samples. Once
// full, every write overwrites the oldest samples. All reads return copies in
// chronological order, so callers never alias internal storage.
package ring

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// LevelScale multiplies the RMS of a window before clamping to [0, 1] in
// [Buffer.Level]. Normal speech at arm's length sits around 0.03–0.1 RMS, so
// a factor of 10 maps it to the upper half of the meter.
const LevelScale = 10.0

// ErrFrameTooLong is returned by [Buffer.Write] for a frame with more samples
// than the buffer's capacity. The buffer is left untouched.
var ErrFrameTooLong = errors.New("ring: frame longer than buffer capacity")

// Buffer is a circular sample store. It is safe for concurrent use: the
// capture callback writes while the detector reads snapshots.
type Buffer struct {
	mu sync.Mutex

	samples    []float32
	sampleRate int
	channels   int

	writePos int
	full     bool
	total    uint64
	overruns uint64
}

// New allocates a buffer holding maxDuration of audio. sampleRate and
// channels fall back to 16000 and 1 when not positive, and a non-positive
// duration falls back to three seconds.
func New(maxDuration time.Duration, sampleRate, channels int) *Buffer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	if maxDuration <= 0 {
		maxDuration = 3 * time.Second
	}
	capacity := samplesFor(maxDuration, sampleRate, channels)
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		samples:    make([]float32, capacity),
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Write appends frame. A frame that fits before the end of storage is copied
// in one pass; otherwise it is split into a head that fills storage to the end
// and a tail that wraps to index 0, which counts as one overrun.
func (b *Buffer) Write(frame []float32) error {
	n := len(frame)
	if n == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.samples)
	if n > capacity {
		return ErrFrameTooLong
	}

	if b.writePos+n <= capacity {
		copy(b.samples[b.writePos:], frame)
		b.writePos = (b.writePos + n) % capacity
	} else {
		head := capacity - b.writePos
		copy(b.samples[b.writePos:], frame[:head])
		copy(b.samples, frame[head:])
		b.writePos = n - head
		b.overruns++
		b.full = true
	}

	b.total += uint64(n)
	if b.total >= uint64(capacity) {
		b.full = true
	}
	return nil
}

// Recent returns the most recent d of audio. When fewer samples have been
// buffered than requested, everything buffered is returned without padding.
func (b *Buffer) Recent(d time.Duration) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := samplesFor(d, b.sampleRate, b.channels)
	if want <= 0 {
		return []float32{}
	}
	n := min(want, b.lenLocked())
	return b.tailLocked(n)
}

// All returns the whole logical contents, oldest sample first.
func (b *Buffer) All() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tailLocked(b.lenLocked())
}

// Level returns the RMS of the most recent d scaled by [LevelScale] and
// clamped to [0, 1]. An empty window has level 0.
func (b *Buffer) Level(d time.Duration) float64 {
	lvl := audio.RMS(b.Recent(d)) * LevelScale
	return min(max(lvl, 0), 1)
}

// IsSilent reports whether Level(d) is below threshold.
func (b *Buffer) IsSilent(d time.Duration, threshold float64) bool {
	return b.Level(d) < threshold
}

// Clear zeroes storage and resets all counters. Reads before the next write
// return an empty slice.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.samples)
	b.writePos = 0
	b.full = false
	b.total = 0
	b.overruns = 0
}

// Capacity returns the number of samples the buffer can hold.
func (b *Buffer) Capacity() int { return len(b.samples) }

// SampleRate returns the configured sample rate in Hz.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Channels returns the configured channel count.
func (b *Buffer) Channels() int { return b.channels }

// Len returns the number of samples currently readable.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

// IsFull reports whether at least Capacity samples have been written.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full
}

// TotalWritten returns the number of samples written since creation or the
// last Clear.
func (b *Buffer) TotalWritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Overruns returns how many writes crossed the wrap boundary.
func (b *Buffer) Overruns() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overruns
}

func (b *Buffer) lenLocked() int {
	if b.full {
		return len(b.samples)
	}
	return b.writePos
}

// tailLocked copies the n samples that end at the write cursor.
func (b *Buffer) tailLocked(n int) []float32 {
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	capacity := len(b.samples)
	start := (b.writePos - n + capacity) % capacity
	if start+n <= capacity {
		copy(out, b.samples[start:start+n])
		return out
	}
	head := copy(out, b.samples[start:])
	copy(out[head:], b.samples[:n-head])
	return out
}

func samplesFor(d time.Duration, sampleRate, channels int) int {
	return int(d.Milliseconds()) * sampleRate / 1000 * channels
}

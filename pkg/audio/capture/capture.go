// Package capture defines the microphone ingestion graph: a [Backend] opens a
// live capture device and delivers fixed-size float frames to one callback.
//
// A [Graph] holds the hardware handle for its lifetime. Suspend, Resume and
// Close are idempotent so the detector can call them from any state.
//
// Backends report a denied microphone as [ErrPermissionDenied] and a missing or
// busy device as [ErrDeviceUnavailable]; callers use errors.Is to pick the
// guidance they show the user.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultFrameSize is the number of samples per callback frame.
const DefaultFrameSize = 8192

var (
	// ErrPermissionDenied means the platform refused access to the microphone.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable means no usable capture device could be opened.
	ErrDeviceUnavailable = errors.New("capture: capture device unavailable")

	// ErrClosed is returned by Resume on a closed graph.
	ErrClosed = errors.New("capture: graph closed")
)

// Config describes the capture stream a [Backend] should open.
type Config struct {
	// SampleRate in Hz. Default 16000.
	SampleRate int

	// Channels is the interleaved channel count. Default 1.
	Channels int

	// FrameSize is the number of samples (across all channels) per callback.
	// Default [DefaultFrameSize].
	FrameSize int

	// DeviceName selects a capture device by name. Empty uses the system
	// default.
	DeviceName string

	// EchoCancellation, NoiseSuppression and AutoGainControl request the
	// platform's voice-processing stages. Backends that cannot honour a
	// request log it and continue.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// WithDefaults returns a copy of c with zero fields filled in.
func (c Config) WithDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	return c
}

// FrameFunc receives one frame of float PCM in [-1, 1]. It is called on the
// backend's audio thread and must not block. The slice is owned by the
// callee.
type FrameFunc func(frame []float32)

// Graph is an open capture stream.
type Graph interface {
	// Suspend pauses frame delivery without releasing the device.
	Suspend() error

	// Resume restarts frame delivery. Returns [ErrClosed] after Close.
	Resume() error

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Backend opens capture graphs.
type Backend interface {
	// Probe reports whether a capture device and microphone permission are
	// available without opening a stream.
	Probe(ctx context.Context) error

	// Open acquires the device and returns a suspended graph. Call Resume to
	// start delivering frames to onFrame.
	Open(ctx context.Context, cfg Config, onFrame FrameFunc) (Graph, error)
}

// ─── Framer ───────────────────────────────────────────────────────────────────

// Framer re-chunks arbitrarily sized sample runs into fixed-size frames. The
// audio engine delivers periods of whatever size the driver picked; Framer
// turns those into the frame size the rest of the pipeline expects.
type Framer struct {
	mu   sync.Mutex
	size int
	buf  []float32
	emit FrameFunc
}

// NewFramer returns a Framer that calls emit with frames of exactly size
// samples. A non-positive size falls back to [DefaultFrameSize].
func NewFramer(size int, emit FrameFunc) *Framer {
	if size <= 0 {
		size = DefaultFrameSize
	}
	return &Framer{size: size, buf: make([]float32, 0, size*2), emit: emit}
}

// Push appends samples and emits every complete frame. Each emitted frame is
// a fresh slice.
func (f *Framer) Push(samples []float32) {
	f.mu.Lock()
	f.buf = append(f.buf, samples...)
	var ready [][]float32
	for len(f.buf) >= f.size {
		frame := make([]float32, f.size)
		copy(frame, f.buf[:f.size])
		ready = append(ready, frame)
		f.buf = f.buf[f.size:]
	}
	// Compact so the backing array does not grow without bound.
	if len(f.buf) > 0 && cap(f.buf)-len(f.buf) < f.size {
		rest := make([]float32, len(f.buf), f.size*2)
		copy(rest, f.buf)
		f.buf = rest
	}
	f.mu.Unlock()

	for _, frame := range ready {
		f.emit(frame)
	}
}

// Pending returns the number of buffered samples not yet emitted.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// Reset discards any partial frame.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = f.buf[:0]
}

// ─── Errors ───────────────────────────────────────────────────────────────────

// DeviceError wraps a backend failure with the capture error kind it maps to.
type DeviceError struct {
	// Kind is [ErrPermissionDenied] or [ErrDeviceUnavailable].
	Kind error

	// Op names the failed step, such as "init device".
	Op string

	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the kind sentinel and the backend error.
func (e *DeviceError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Package malgo implements [capture.Backend] on miniaudio through
// github.com/gen2brain/malgo.
//
// Capture runs in signed 16-bit at the configured rate and channel count.
// Each driver period is converted to float PCM and re-chunked into fixed-size
// frames with [capture.Framer] before it reaches the frame callback.
//
// miniaudio has no voice-processing stages, so echo cancellation, noise
// suppression and automatic gain control requests are logged and ignored.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/capture"
)

var _ capture.Backend = (*Backend)(nil)

var errNoCaptureDevice = errors.New("no capture device found")

// Backend owns one miniaudio context shared by every graph it opens.
type Backend struct {
	mu     sync.Mutex
	mctx   *ma.AllocatedContext
	closed bool
}

// New returns a Backend. The miniaudio context is created on first use.
func New() *Backend {
	return &Backend{}
}

// Probe implements [capture.Backend]. It initialises the audio context and
// checks that at least one capture device is visible.
func (b *Backend) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mctx, err := b.context()
	if err != nil {
		return err
	}
	infos, err := mctx.Devices(ma.Capture)
	if err != nil {
		return classify("enumerate devices", err)
	}
	if len(infos) == 0 {
		return &capture.DeviceError{Kind: capture.ErrDeviceUnavailable, Op: "enumerate devices", Err: errNoCaptureDevice}
	}
	return nil
}

// Open implements [capture.Backend]. The returned graph is initialised but
// stopped.
func (b *Backend) Open(ctx context.Context, cfg capture.Config, onFrame capture.FrameFunc) (capture.Graph, error) {
	if onFrame == nil {
		return nil, errors.New("malgo: frame callback must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	mctx, err := b.context()
	if err != nil {
		return nil, err
	}

	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		slog.Debug("malgo: voice processing not supported by miniaudio, capturing raw input",
			"echo_cancellation", cfg.EchoCancellation,
			"noise_suppression", cfg.NoiseSuppression,
			"auto_gain_control", cfg.AutoGainControl,
		)
	}

	devCfg := ma.DefaultDeviceConfig(ma.Capture)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Capture.Format = ma.FormatS16
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.Alsa.NoMMap = 1

	if cfg.DeviceName != "" {
		infos, err := mctx.Devices(ma.Capture)
		if err != nil {
			return nil, classify("enumerate devices", err)
		}
		found := false
		for i := range infos {
			if infos[i].Name() == cfg.DeviceName {
				devCfg.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return nil, &capture.DeviceError{
				Kind: capture.ErrDeviceUnavailable,
				Op:   "select device",
				Err:  fmt.Errorf("device %q not found", cfg.DeviceName),
			}
		}
	}

	framer := capture.NewFramer(cfg.FrameSize, onFrame)
	g := &graph{framer: framer}

	callbacks := ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) == 0 {
				return
			}
			framer.Push(audio.PCM16ToFloat32(in))
		},
		Stop: func() {
			slog.Debug("malgo: capture device stopped")
		},
	}

	dev, err := ma.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, classify("init device", err)
	}
	g.dev = dev

	slog.Info("malgo: capture device opened",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"frame_size", cfg.FrameSize,
		"device", optDevice(cfg.DeviceName),
	)
	return g, nil
}

// Close releases the miniaudio context. Graphs opened from b must be closed
// first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.mctx == nil {
		return nil
	}
	err := b.mctx.Uninit()
	b.mctx.Free()
	b.mctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

func (b *Backend) context() (*ma.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("malgo: backend closed")
	}
	if b.mctx != nil {
		return b.mctx, nil
	}
	mctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		slog.Debug("malgo: miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, classify("init context", err)
	}
	b.mctx = mctx
	return mctx, nil
}

// ─── Graph ────────────────────────────────────────────────────────────────────

type graph struct {
	mu     sync.Mutex
	dev    *ma.Device
	framer *capture.Framer
	closed bool
}

func (g *graph) Suspend() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.dev.IsStarted() {
		return nil
	}
	if err := g.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop device: %w", err)
	}
	return nil
}

func (g *graph) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return capture.ErrClosed
	}
	if g.dev.IsStarted() {
		return nil
	}
	if err := g.dev.Start(); err != nil {
		return classify("start device", err)
	}
	return nil
}

func (g *graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.dev.Uninit()
	g.framer.Reset()
	return nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// classify maps a miniaudio result onto the capture error kinds.
func classify(op string, err error) error {
	kind := capture.ErrDeviceUnavailable
	if errors.Is(err, ma.ErrAccessDenied) {
		kind = capture.ErrPermissionDenied
	}
	return &capture.DeviceError{Kind: kind, Op: op, Err: err}
}

func optDevice(name string) string {
	if name == "" {
		return "(default)"
	}
	return name
}

// Package detector runs wake-word detection over a live microphone.
//
// A Detector wires a capture graph into a ring buffer and a continuous
// recognition adapter, scores every final result against the configured wake
// words, and moves through its lifecycle:
//
//	idle → initializing → idle → detecting ⇄ confirmed
//	any → error → (Start or Initialize) → detecting / idle
//
// All transitions go through [Detector.Dispatch]. Engine callbacks, timers and
// confirmation replies are turned into events and applied under one mutex, so
// tests can drive the state machine with synthetic events. Handlers and
// status subscribers run after the mutex is released.
//
// Every Start, Stop and Cleanup advances a generation counter. Timer and
// confirmation events carry the generation they were created in and are
// dropped when it has moved on.
package detector

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/clock"
	"github.com/MrWong99/earshot/internal/confirm"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/recognition"
	"github.com/MrWong99/earshot/internal/wakeword"
	"github.com/MrWong99/earshot/internal/wakeword/phonetic"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/capture"
	"github.com/MrWong99/earshot/pkg/audio/ring"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Defaults for Config.
const (
	DefaultSampleRate     = 16000
	DefaultBufferDuration = 3 * time.Second
	DefaultSnapshotWindow = 2 * time.Second
	DefaultHoldDuration   = time.Second

	// LevelWindow is the window AudioLevel and IsSilent look at.
	LevelWindow = 100 * time.Millisecond
)

// Config holds the detector settings. Zero values take defaults.
type Config struct {
	// WakeWords is the initial phrase set. Must contain a non-blank phrase.
	WakeWords []string

	// Sensitivity is the score a detection must reach, clamped to
	// [0.1, 1]. Default 0.7.
	Sensitivity float64

	SampleRate int
	Channels   int

	// FrameSize is the capture callback size in samples. Default 8192.
	FrameSize int

	// DeviceName selects a capture device. Empty uses the default.
	DeviceName string

	// BufferDuration is the ring buffer length. Default 3s.
	BufferDuration time.Duration

	// SnapshotWindow is how much recent audio a detection carries. Default
	// 2s.
	SnapshotWindow time.Duration

	// HoldDuration is how long the detector stays confirmed. Default 1s.
	HoldDuration time.Duration

	// Language is the recognition language (BCP-47).
	Language string

	// RestartDelay and MaxRestartDelay tune recognition restarts.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StandaloneBonus overrides the scorer's whole-word multiplier. Zero
	// keeps the default 1.1.
	StandaloneBonus float64

	// UserID is forwarded to the confirmation server.
	UserID string
}

func (c Config) withDefaults() Config {
	if c.Sensitivity == 0 {
		c.Sensitivity = wakeword.DefaultSensitivity
	}
	c.Sensitivity = wakeword.ClampSensitivity(c.Sensitivity)
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = capture.DefaultFrameSize
	}
	if c.BufferDuration <= 0 {
		c.BufferDuration = DefaultBufferDuration
	}
	if c.SnapshotWindow <= 0 || c.SnapshotWindow > c.BufferDuration {
		c.SnapshotWindow = min(DefaultSnapshotWindow, c.BufferDuration)
	}
	if c.HoldDuration <= 0 {
		c.HoldDuration = DefaultHoldDuration
	}
	return c
}

// Confirmer verifies a detection with a second opinion. *confirm.Client
// implements it.
type Confirmer interface {
	Confirm(ctx context.Context, req confirm.Request) confirm.Result
}

// Confirmation is delivered to the confirmation handler. When the server was
// not used, Err is a *Error of kind [KindConfirmationUnreachable].
type Confirmation struct {
	DetectionID uuid.UUID `json:"detectionId"`
	WakeWord    string    `json:"wakeWord"`
	confirm.Result
}

// Stats are running counters for diagnostics.
type Stats struct {
	Detections      int64  `json:"detections"`
	Confirmations   int64  `json:"confirmations"`
	Fallbacks       int64  `json:"fallbacks"`
	Restarts        int64  `json:"restarts"`
	DroppedChunks   int64  `json:"droppedChunks"`
	RingOverruns    uint64 `json:"ringOverruns"`
	SamplesCaptured uint64 `json:"samplesCaptured"`
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock replaces the wall clock used for the hold timer and recognition
// restarts.
func WithClock(c clock.Clock) Option { return func(d *Detector) { d.clk = c } }

// WithMetrics records detector activity on m.
func WithMetrics(m *observe.Metrics) Option { return func(d *Detector) { d.metrics = m } }

// WithConfirmer enables server confirmation of detections.
func WithConfirmer(c Confirmer) Option { return func(d *Detector) { d.confirmer = c } }

// OnDetection sets the handler for fired detections.
func OnDetection(fn func(Detection)) Option { return func(d *Detector) { d.onDetection = fn } }

// OnConfirmation sets the handler for confirmation results.
func OnConfirmation(fn func(Confirmation)) Option {
	return func(d *Detector) { d.onConfirmation = fn }
}

// Detector is safe for concurrent use.
type Detector struct {
	capture   capture.Backend
	engine    stt.Provider
	confirmer Confirmer
	clk       clock.Clock
	metrics   *observe.Metrics
	phonetic  *phonetic.Matcher
	ring      *ring.Buffer

	onDetection    func(Detection)
	onConfirmation func(Confirmation)

	mu            sync.Mutex
	cfg           Config
	scorer        *wakeword.Scorer
	status        Status
	lastErr       error
	gen           uint64
	started       bool
	graph         capture.Graph
	adapter       *recognition.Adapter
	hold          clock.Timer
	confirmCtx    context.Context
	confirmCancel context.CancelFunc
	history       history
	subs          map[int]func(Status)
	nextSub       int
	stats         Stats
}

// New returns an idle, uninitialized Detector. backend and engine may be nil;
// Initialize then fails with [KindCapabilityMissing].
func New(cfg Config, backend capture.Backend, engine stt.Provider, opts ...Option) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		capture:        backend,
		engine:         engine,
		clk:            clock.Real(),
		phonetic:       phonetic.New(),
		onDetection:    func(Detection) {},
		onConfirmation: func(Confirmation) {},
		cfg:            cfg,
		history:        history{max: HistorySize},
		subs:           make(map[int]func(Status)),
	}
	for _, o := range opts {
		o(d)
	}
	d.scorer = d.newScorer(cfg.WakeWords)
	d.ring = ring.New(cfg.BufferDuration, cfg.SampleRate, cfg.Channels)
	return d
}

func (d *Detector) newScorer(phrases []string) *wakeword.Scorer {
	var opts []wakeword.Option
	if d.cfg.StandaloneBonus > 0 {
		opts = append(opts, wakeword.WithStandaloneBonus(d.cfg.StandaloneBonus))
	}
	return wakeword.New(phrases, opts...)
}

// effects are run after the mutex is released.
type effects []func()

func (e effects) run() {
	for _, f := range e {
		f()
	}
}

// setStatusLocked changes the status and queues subscriber notifications.
// Setting the current status again does nothing.
func (d *Detector) setStatusLocked(s Status, fx *effects) {
	if d.status == s {
		return
	}
	from := d.status
	d.status = s
	subs := make([]func(Status), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	*fx = append(*fx, func() {
		slog.Info("detector status changed", "from", from.String(), "to", s.String())
		if d.metrics != nil {
			d.metrics.DetectorStatus.Record(context.Background(), int64(s))
		}
		for _, fn := range subs {
			fn(s)
		}
	})
}

// Initialize checks capabilities, opens the capture graph (suspended) and
// prepares the recognition adapter. It is a no-op once initialized unless
// the detector is in the error state, in which case it rebuilds everything.
func (d *Detector) Initialize(ctx context.Context) error {
	var fx effects
	d.mu.Lock()
	if d.status == StatusInitializing {
		d.mu.Unlock()
		return errors.New("detector: initialize already in progress")
	}
	if d.graph != nil && d.status != StatusError {
		d.mu.Unlock()
		slog.Debug("detector: initialize ignored, already initialized")
		return nil
	}
	d.gen++
	d.started = false
	d.stopTimersLocked()
	oldGraph, oldAdapter := d.graph, d.adapter
	d.graph, d.adapter = nil, nil
	cfg := d.cfg
	d.setStatusLocked(StatusInitializing, &fx)
	d.mu.Unlock()
	fx.run()

	if oldAdapter != nil {
		oldAdapter.Stop()
	}
	if oldGraph != nil {
		_ = oldGraph.Close()
	}

	var missing []error
	if d.engine == nil {
		missing = append(missing, errors.New("no continuous speech recognition engine"))
	}
	if d.capture == nil {
		missing = append(missing, errors.New("no audio capture backend"))
	}
	if len(missing) > 0 {
		return d.fail(&Error{Kind: KindCapabilityMissing, Err: errors.Join(missing...)})
	}
	if err := d.capture.Probe(ctx); err != nil {
		return d.fail(captureError(err))
	}

	graph, err := d.capture.Open(ctx, capture.Config{
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		FrameSize:        cfg.FrameSize,
		DeviceName:       cfg.DeviceName,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}, d.onFrame)
	if err != nil {
		return d.fail(captureError(err))
	}

	adapter := recognition.New(d.engine, recognition.Config{
		Stream: stt.StreamConfig{
			SampleRate:     cfg.SampleRate,
			Channels:       cfg.Channels,
			Language:       cfg.Language,
			Alternatives:   stt.DefaultAlternatives,
			InterimResults: true,
			Keywords:       keywords(cfg.WakeWords),
		},
		RestartDelay:    cfg.RestartDelay,
		MaxRestartDelay: cfg.MaxRestartDelay,
	},
		recognition.WithClock(d.clk),
		recognition.OnResult(func(t stt.Transcript) { d.Dispatch(ResultEvent{Transcript: t}) }),
		recognition.OnError(func(e *recognition.Error) { d.Dispatch(RecognitionErrorEvent{Err: e}) }),
		recognition.OnRestart(d.recordRestart),
	)

	d.mu.Lock()
	if d.status != StatusInitializing {
		// Cleanup ran while initializing.
		d.mu.Unlock()
		_ = graph.Close()
		return errors.New("detector: initialize cancelled")
	}
	d.graph, d.adapter = graph, adapter
	d.lastErr = nil
	d.setStatusLocked(StatusIdle, &fx)
	d.mu.Unlock()
	fx.run()
	return nil
}

// fail records err, moves to the error state and returns err.
func (d *Detector) fail(err *Error) error {
	var fx effects
	d.mu.Lock()
	d.lastErr = err
	d.setStatusLocked(StatusError, &fx)
	d.mu.Unlock()
	slog.Warn("detector failed", "kind", err.Kind.String(), "err", err.Err)
	fx.run()
	return err
}

// Start resumes capture and recognition. Starting a started detector is a
// no-op. Start recovers from recoverable errors without Initialize; when the
// failure happened during setup it runs Initialize again first.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.graph == nil {
		err := d.lastErr
		d.mu.Unlock()
		if err == nil {
			return ErrNotInitialized
		}
		if !KindOf(err).Recoverable() {
			return err
		}
		slog.Info("detector: retrying initialization", "kind", KindOf(err).String())
		if err := d.Initialize(ctx); err != nil {
			return err
		}
		return d.Start(ctx)
	}
	if d.started {
		d.mu.Unlock()
		slog.Debug("detector: start ignored, already started")
		return nil
	}
	d.started = true
	d.gen++
	gen := d.gen
	graph, adapter := d.graph, d.adapter
	d.confirmCtx, d.confirmCancel = context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Unlock()

	if err := graph.Resume(); err != nil {
		d.abortStart(gen)
		return d.fail(captureError(err))
	}
	if err := adapter.Start(context.WithoutCancel(ctx)); err != nil {
		_ = graph.Suspend()
		d.abortStart(gen)
		var rerr *recognition.Error
		if !errors.As(err, &rerr) {
			rerr = recognition.NewError(err)
		}
		return d.fail(recognitionError(rerr))
	}

	var fx effects
	d.mu.Lock()
	if d.gen == gen {
		d.lastErr = nil
		d.setStatusLocked(StatusDetecting, &fx)
	}
	d.mu.Unlock()
	fx.run()
	return nil
}

func (d *Detector) abortStart(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen == gen {
		d.started = false
		d.gen++
		d.stopTimersLocked()
	}
}

// Stop suspends capture and recognition. In-flight confirmations are
// cancelled and their results discarded. Stopping a stopped detector is a
// no-op.
func (d *Detector) Stop() {
	var fx effects
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		slog.Debug("detector: stop ignored, not started")
		return
	}
	d.started = false
	d.gen++
	d.stopTimersLocked()
	graph, adapter := d.graph, d.adapter
	if d.status != StatusError {
		d.setStatusLocked(StatusIdle, &fx)
	}
	d.mu.Unlock()

	adapter.Stop()
	if err := graph.Suspend(); err != nil {
		slog.Warn("detector: suspend capture", "err", err)
	}
	fx.run()
}

// stopTimersLocked cancels the hold timer and any in-flight confirmation.
func (d *Detector) stopTimersLocked() {
	if d.hold != nil {
		d.hold.Stop()
		d.hold = nil
	}
	if d.confirmCancel != nil {
		d.confirmCancel()
		d.confirmCancel = nil
	}
}

// Cleanup stops everything, releases the capture graph and recognition
// adapter, and clears the ring buffer and history. It is safe in any state
// and may be called repeatedly. Initialize must run before the next Start. A
// detector in the error state keeps its status and error; Start retries a
// recoverable one as described there.
func (d *Detector) Cleanup() {
	var fx effects
	d.mu.Lock()
	d.gen++
	d.started = false
	d.stopTimersLocked()
	graph, adapter := d.graph, d.adapter
	d.graph, d.adapter = nil, nil
	d.history.clear()
	if d.status != StatusError {
		d.lastErr = nil
		d.setStatusLocked(StatusIdle, &fx)
	}
	d.mu.Unlock()

	if adapter != nil {
		adapter.Stop()
	}
	if graph != nil {
		if err := graph.Close(); err != nil {
			slog.Warn("detector: close capture", "err", err)
		}
	}
	d.ring.Clear()
	fx.run()
}

// onFrame is the capture callback.
func (d *Detector) onFrame(frame []float32) {
	if n := d.ring.Capacity(); len(frame) > n {
		frame = frame[len(frame)-n:]
	}
	before := d.ring.Overruns()
	_ = d.ring.Write(frame)
	if d.metrics != nil && d.ring.Overruns() != before {
		d.metrics.RingOverruns.Add(context.Background(), 1)
	}

	d.mu.Lock()
	adapter, started := d.adapter, d.started
	d.mu.Unlock()
	if !started || adapter == nil {
		return
	}
	if !adapter.SendAudio(audio.Float32ToPCM16(frame)) && adapter.Listening() && d.metrics != nil {
		d.metrics.AudioDropped.Add(context.Background(), 1)
	}
}

func (d *Detector) recordRestart() {
	if d.metrics != nil {
		d.metrics.RecognitionRestarts.Add(context.Background(), 1)
	}
}

// SetSensitivity clamps v to [0.1, 1], applies it and returns the applied
// value.
func (d *Detector) SetSensitivity(v float64) float64 {
	c := wakeword.ClampSensitivity(v)
	if c != v {
		slog.Warn("detector: sensitivity clamped", "requested", v, "applied", c)
	}
	d.mu.Lock()
	d.cfg.Sensitivity = c
	d.mu.Unlock()
	return c
}

// Sensitivity returns the active threshold.
func (d *Detector) Sensitivity() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Sensitivity
}

// SetWakeWords replaces the phrase set. Blank phrases are dropped; a list
// with no phrase left is rejected.
func (d *Detector) SetWakeWords(phrases []string) error {
	var clean []string
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		return errors.New("detector: wake word list must contain a phrase")
	}
	for _, pair := range d.phonetic.Confusable(clean) {
		slog.Warn("detector: wake words sound alike", "a", pair.A, "b", pair.B, "score", pair.Score)
	}

	d.mu.Lock()
	d.cfg.WakeWords = clean
	d.scorer = d.newScorer(clean)
	adapter := d.adapter
	d.mu.Unlock()

	if adapter != nil {
		adapter.SetKeywords(keywords(clean))
	}
	return nil
}

// WakeWords returns the active phrases.
func (d *Detector) WakeWords() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.cfg.WakeWords...)
}

// Status returns the current status.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// LastError returns the error behind the current error state, or nil.
func (d *Detector) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// History returns the most recent detections, oldest first.
func (d *Detector) History() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.snapshot()
}

// Subscribe registers fn for status changes and returns a function that
// removes it.
func (d *Detector) Subscribe(fn func(Status)) (cancel func()) {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// AudioLevel returns the RMS level of the last 100ms in [0, 1].
func (d *Detector) AudioLevel() float64 { return d.ring.Level(LevelWindow) }

// IsSilent reports whether the last 100ms are below threshold.
func (d *Detector) IsSilent(threshold float64) bool {
	return d.ring.IsSilent(LevelWindow, threshold)
}

// Stats returns the running counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	s := d.stats
	adapter := d.adapter
	d.mu.Unlock()
	if adapter != nil {
		s.Restarts = adapter.Restarts()
		s.DroppedChunks = adapter.Dropped()
	}
	s.RingOverruns = d.ring.Overruns()
	s.SamplesCaptured = d.ring.TotalWritten()
	return s
}

func keywords(phrases []string) []stt.KeywordBoost {
	kw := make([]stt.KeywordBoost, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			kw = append(kw, stt.KeywordBoost{Keyword: p, Boost: 2})
		}
	}
	return kw
}

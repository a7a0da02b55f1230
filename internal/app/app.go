// Package app wires the earshot subsystems into a running application.
//
// New builds every subsystem from the config and the providers main created
// through the registry, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithEventSink,
// WithMetrics, WithConfirmer, …). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/api"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/confirm"
	"github.com/MrWong99/earshot/internal/detector"
	"github.com/MrWong99/earshot/internal/eventlog"
	"github.com/MrWong99/earshot/internal/eventlog/postgres"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/mcpserver"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/capture"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// sinkTimeout bounds one audit log write.
const sinkTimeout = 5 * time.Second

// NamedTranscriber is one entry of the transcription fallback chain.
type NamedTranscriber struct {
	Name        string
	Transcriber transcribe.Transcriber
}

// Providers holds one value per provider slot. Nil means not configured.
// Populated by main via the config registry.
type Providers struct {
	STT     stt.Provider
	Capture capture.Backend
	VAD     vad.Engine
	Audio   audio.Platform

	// Transcribers in fallback order.
	Transcribers []NamedTranscriber
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	metrics   *observe.Metrics
	logLevel  *slog.LevelVar
	watcher   *config.Watcher
	confirmer detector.Confirmer
	sink      eventlog.Sink

	hub        *api.Hub
	detector   *detector.Detector
	transcribe transcribe.Transcriber
	stream     *streamMode
	handler    http.Handler

	// pending tracks audit writes still in flight.
	pending sync.WaitGroup

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEventSink injects an audit sink instead of creating one from config.
func WithEventSink(s eventlog.Sink) Option { return func(a *App) { a.sink = s } }

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(a *App) { a.metrics = m } }

// WithConfirmer injects the detection confirmer instead of building a
// client for confirm.url.
func WithConfirmer(c detector.Confirmer) Option { return func(a *App) { a.confirmer = c } }

// WithLogLevel lets hot reload change the level of the handler built on v.
func WithLogLevel(v *slog.LevelVar) Option { return func(a *App) { a.logLevel = v } }

// WithWatcher runs w alongside the server and applies its changes.
func WithWatcher(w *config.Watcher) Option { return func(a *App) { a.watcher = w } }

// WithVersion sets the version reported over MCP.
func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// New creates an App by wiring all subsystems together. Detector
// initialization failures do not fail New: the detector reports them through
// its status so the API can still serve.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
		hub:       api.NewHub(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initEventLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init event log: %w", err)
	}
	if err := a.initTranscription(); err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}
	a.initConfirm()
	a.initDetector(ctx)
	if err := a.initStream(); err != nil {
		return nil, fmt.Errorf("app: init stream: %w", err)
	}
	a.initAPI()
	return a, nil
}

// Detector returns the wake-word detector.
func (a *App) Detector() *detector.Detector { return a.detector }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.handler }

// Hub returns the event feed hub.
func (a *App) Hub() *api.Hub { return a.hub }

func (a *App) initEventLog(ctx context.Context) error {
	if a.sink == nil {
		if dsn := a.cfg.EventLog.PostgresDSN; dsn != "" {
			store, err := postgres.New(ctx, dsn)
			if err != nil {
				return err
			}
			a.sink = store
			slog.Info("audit log: postgres")
		} else {
			a.sink = eventlog.NewLogSink(slog.Default(), a.cfg.EventLog.Size)
		}
	}
	a.closers = append(a.closers, a.sink.Close)
	return nil
}

// initTranscription chains the configured backends behind circuit breakers.
func (a *App) initTranscription() error {
	ts := a.providers.Transcribers
	if len(ts) == 0 {
		return nil
	}
	for _, t := range ts {
		if t.Transcriber == nil {
			return fmt.Errorf("transcriber %q is nil", t.Name)
		}
	}
	fb := transcribe.NewFallback(
		transcribe.Instrument(ts[0].Name, ts[0].Transcriber, a.metrics),
		ts[0].Name,
		resilience.FallbackConfig{},
	)
	for _, t := range ts[1:] {
		fb.AddFallback(t.Name, transcribe.Instrument(t.Name, t.Transcriber, a.metrics))
	}
	a.transcribe = fb
	return nil
}

// initConfirm builds the confirmation client. Without a server URL the
// client judges every detection on the client score alone.
func (a *App) initConfirm() {
	if a.confirmer != nil {
		return
	}
	a.confirmer = confirm.NewClient(a.cfg.Confirm.URL,
		confirm.WithHTTPClient(&http.Client{Timeout: config.Ms(a.cfg.Confirm.TimeoutMs)}),
		confirm.WithPolicy(confirm.Policy{
			CombinedThreshold: a.cfg.Confirm.CombinedThreshold,
			FallbackThreshold: a.cfg.Confirm.FallbackThreshold,
		}),
		confirm.WithMetrics(a.metrics),
	)
}

func (a *App) initDetector(ctx context.Context) {
	dc := a.cfg.Detector
	opts := []detector.Option{
		detector.WithMetrics(a.metrics),
		detector.OnDetection(a.handleDetection),
		detector.OnConfirmation(a.handleConfirmation),
	}
	if a.confirmer != nil {
		opts = append(opts, detector.WithConfirmer(a.confirmer))
	}
	a.detector = detector.New(detector.Config{
		WakeWords:       dc.WakeWords,
		Sensitivity:     dc.Sensitivity,
		SampleRate:      dc.SampleRate,
		Channels:        dc.Channels,
		FrameSize:       dc.FrameSize,
		DeviceName:      dc.Device,
		BufferDuration:  config.Ms(dc.BufferMs),
		SnapshotWindow:  config.Ms(dc.SnapshotMs),
		HoldDuration:    config.Ms(dc.HoldMs),
		Language:        dc.Language,
		RestartDelay:    config.Ms(dc.RestartDelayMs),
		MaxRestartDelay: config.Ms(dc.MaxRestartDelayMs),
		StandaloneBonus: dc.StandaloneBonus,
		UserID:          dc.UserID,
	}, a.providers.Capture, a.providers.STT, opts...)
	a.closers = append(a.closers, func() error {
		a.detector.Cleanup()
		return nil
	})

	a.detector.Subscribe(func(s detector.Status) {
		change := api.StatusChange{Status: s}
		if s == detector.StatusError {
			change.Error = api.NewErrorBody(a.detector.LastError())
		}
		a.hub.Publish(api.Message{Type: api.TypeStatus, At: time.Now().UTC(), Data: change})
	})

	if dc.Disabled {
		slog.Info("detector disabled by config")
		return
	}
	if err := a.detector.Initialize(ctx); err != nil {
		slog.Error("detector initialization failed", "err", err, "recoverable", detector.KindOf(err).Recoverable())
	}
}

func (a *App) initAPI() {
	var checkers []health.Checker
	if !a.cfg.Detector.Disabled {
		checkers = append(checkers, health.Func("detector", func() error {
			if a.detector.Status() == detector.StatusError {
				if err := a.detector.LastError(); err != nil {
					return err
				}
				return health.ErrUnhealthy
			}
			return nil
		}))
	}
	if p, ok := a.sink.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("event_log", p))
	}

	cfg := api.Config{
		Detector:       a.detector,
		Hub:            a.hub,
		Audit:          a.sink,
		Metrics:        a.metrics,
		OriginPatterns: a.cfg.Server.EventOrigins,
	}
	if a.cfg.Confirm.Serve && a.transcribe != nil {
		cfg.Confirm = confirm.NewServer(a.transcribe,
			confirm.WithServerPolicy(confirm.Policy{
				CombinedThreshold: a.cfg.Confirm.CombinedThreshold,
				FallbackThreshold: a.cfg.Confirm.FallbackThreshold,
			}),
			confirm.WithLanguage(a.cfg.Confirm.Language),
		)
	}
	if !a.cfg.MCP.Disabled {
		cfg.MCP = mcpserver.New(a.detector, a.version).Handler()
	}
	if a.stream != nil {
		cfg.Session = a.stream.reconnector.Stats
		cfg.Participants = a.stream.session.Participants
		cfg.Speaking = a.stream.session.Speaking
		checkers = append(checkers, health.Func("audio_session", a.stream.healthy))
	}
	cfg.Health = health.New(checkers...)
	a.handler = api.New(cfg).Handler()
}

// handleDetection runs on the detector's dispatch path and must not block.
func (a *App) handleDetection(d detector.Detection) {
	a.hub.Publish(api.Message{Type: api.TypeDetection, At: d.Timestamp, Data: d})
	a.audit(eventlog.FromDetection(d.Record, a.cfg.Detector.UserID))
}

func (a *App) handleConfirmation(c detector.Confirmation) {
	now := time.Now().UTC()
	a.hub.Publish(api.Message{Type: api.TypeConfirmation, At: now, Data: c})
	a.audit(eventlog.FromConfirmation(c, a.cfg.Detector.UserID, now))
}

func (a *App) audit(ev eventlog.Event) {
	a.pending.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := a.sink.Append(ctx, ev); err != nil {
			slog.Warn("audit log write failed", "kind", ev.Kind, "id", ev.ID, "err", err)
		}
	})
}

// Run starts detection, the assistant session and the HTTP server, then
// blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It closes ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if !a.cfg.Detector.Disabled && a.cfg.Detector.AutostartEnabled() && a.detector.Status() != detector.StatusError {
		if err := a.detector.Start(gctx); err != nil {
			slog.Error("detector start failed", "err", err)
		}
	}

	if a.stream != nil {
		if err := a.stream.start(gctx, g); err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: %w", err)
		}
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// The event feed must see its channel close before the server
		// waits for open connections.
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("app running", "addr", ln.Addr().String(), "detector", a.detector.Status(), "stream", a.stream != nil)
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.WakeWordsChanged {
		if err := a.detector.SetWakeWords(d.NewWakeWords); err != nil {
			slog.Warn("config reload: wake words rejected", "err", err)
		} else {
			slog.Info("config reload: wake words changed", "wake_words", d.NewWakeWords)
		}
	}
	if d.SensitivityChanged {
		applied := a.detector.SetSensitivity(d.NewSensitivity)
		slog.Info("config reload: sensitivity changed", "sensitivity", applied)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}
}

// Shutdown stops detection and the assistant session, flushes pending audit
// writes and closes every subsystem. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.stream != nil {
			a.stream.stop()
		}
		a.detector.Stop()

		flushed := make(chan struct{})
		go func() {
			a.pending.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: audit flush: %w", ctx.Err()))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.hub.Close()
	})
	return errors.Join(errs...)
}

// SlogLevel maps a config level to slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

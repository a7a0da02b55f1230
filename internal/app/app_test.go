package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/earshot/internal/api"
	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/confirm"
	"github.com/MrWong99/earshot/internal/detector"
	"github.com/MrWong99/earshot/internal/eventlog"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcribe"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	capmock "github.com/MrWong99/earshot/pkg/audio/capture/mock"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	sttmock "github.com/MrWong99/earshot/pkg/provider/stt/mock"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Detector: config.DetectorConfig{
			WakeWords: []string{"hey earshot"},
		},
		Providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "mock"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testSink() *eventlog.LogSink {
	return eventlog.NewLogSink(slog.New(slog.NewTextHandler(io.Discard, nil)), 10)
}

type fixture struct {
	app     *app.App
	engine  *sttmock.Provider
	backend *capmock.Backend
	sink    *eventlog.LogSink
}

func newFixture(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{engine: &sttmock.Provider{}, backend: &capmock.Backend{}, sink: testSink()}
	if providers == nil {
		providers = &app.Providers{}
	}
	if providers.STT == nil {
		providers.STT = f.engine
	}
	if providers.Capture == nil {
		providers.Capture = f.backend
	}
	opts = append([]app.Option{app.WithEventSink(f.sink), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(t.Context(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	f.app = a
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type stubConfirmer struct{ calls atomic.Int32 }

func (s *stubConfirmer) Confirm(_ context.Context, req confirm.Request) confirm.Result {
	s.calls.Add(1)
	return confirm.Result{Confirmed: true, Confidence: 0.9, Method: confirm.MethodServerConfirmed, Transcript: req.WakeWord}
}

func TestNew_InitializesDetector(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	if got := f.app.Detector().Status(); got != detector.StatusIdle {
		t.Errorf("status = %v, want idle after initialization", got)
	}
	if f.backend.ProbeCalls != 1 {
		t.Errorf("ProbeCalls = %d, want 1", f.backend.ProbeCalls)
	}
}

func TestNew_InitializeFailureKeepsServing(t *testing.T) {
	t.Parallel()
	backend := &capmock.Backend{ProbeErr: errors.New("no microphone")}
	f := newFixture(t, testConfig(), &app.Providers{Capture: backend})

	if got := f.app.Detector().Status(); got != detector.StatusError {
		t.Fatalf("status = %v, want error", got)
	}
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503 while the detector is in error", resp.StatusCode)
	}
}

func TestNew_DisabledDetector(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Detector.Disabled = true
	f := newFixture(t, cfg, nil)
	if f.backend.ProbeCalls != 0 {
		t.Error("disabled detector should not probe the microphone")
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		mutate    func(*config.Config)
		providers *app.Providers
	}{
		{
			name:      "nil transcriber",
			mutate:    func(*config.Config) {},
			providers: &app.Providers{Transcribers: []app.NamedTranscriber{{Name: "openai"}}},
		},
		{
			name: "stream without audio",
			mutate: func(c *config.Config) {
				c.Stream.Enabled = true
				c.Stream.ChannelID = "1"
			},
			providers: &app.Providers{},
		},
		{
			name: "stream without transcriber",
			mutate: func(c *config.Config) {
				c.Stream.Enabled = true
				c.Stream.ChannelID = "1"
			},
			providers: &app.Providers{Audio: &audiomock.Platform{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(cfg)
			tt.providers.STT = &sttmock.Provider{}
			tt.providers.Capture = &capmock.Backend{}
			_, err := app.New(t.Context(), cfg, tt.providers, app.WithEventSink(testSink()), app.WithMetrics(testMetrics(t)))
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDetection_ReachesHubAndAuditLog(t *testing.T) {
	t.Parallel()
	conf := &stubConfirmer{}
	f := newFixture(t, testConfig(), nil, app.WithConfirmer(conf))

	msgs, cancel := f.app.Hub().Subscribe()
	defer cancel()

	if err := f.app.Detector().Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.engine.Last().EmitFinal(stt.Transcript{Text: "hey earshot", Confidence: 0.95})

	var types []string
	timeout := time.After(2 * time.Second)
	for !slices.Contains(types, api.TypeConfirmation) {
		select {
		case m := <-msgs:
			types = append(types, m.Type)
		case <-timeout:
			t.Fatalf("timed out; saw %v", types)
		}
	}
	if !slices.Contains(types, api.TypeDetection) || !slices.Contains(types, api.TypeStatus) {
		t.Errorf("feed types = %v, want status, detection and confirmation", types)
	}
	if conf.calls.Load() != 1 {
		t.Errorf("confirmer calls = %d, want 1", conf.calls.Load())
	}

	var events []eventlog.Event
	waitFor(t, "audit events", func() bool {
		events, _ = f.sink.Recent(t.Context(), 0)
		return len(events) == 2
	})
	if events[0].Kind != eventlog.KindConfirmation || events[1].Kind != eventlog.KindDetection {
		t.Errorf("audit kinds = %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[0].DetectionID != events[1].DetectionID {
		t.Error("confirmation should reference the detection")
	}
	if events[0].Method != string(confirm.MethodServerConfirmed) {
		t.Errorf("method = %q", events[0].Method)
	}
}

func TestDetection_NoConfirmServerFallsBackToClientScore(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Confirm.URL = ""
	cfg.Detector.Sensitivity = 0.5
	f := newFixture(t, cfg, nil)

	msgs, cancel := f.app.Hub().Subscribe()
	defer cancel()

	if err := f.app.Detector().Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// 0.5 * 1.2 * 1.1 = 0.66: fires at sensitivity 0.5, below the 0.7 fallback bar.
	f.engine.Last().EmitFinal(stt.Transcript{Text: "hey earshot", Confidence: 0.5})

	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-msgs:
			if m.Type != api.TypeConfirmation {
				continue
			}
			c, ok := m.Data.(detector.Confirmation)
			if !ok {
				t.Fatalf("confirmation data = %T", m.Data)
			}
			if c.Method != confirm.MethodClientFallback || c.Confirmed {
				t.Errorf("confirmation = %+v, want unconfirmed client fallback", c.Result)
			}
			if !errors.Is(c.Err, confirm.ErrUnreachable) {
				t.Errorf("Err = %v, want ErrUnreachable", c.Err)
			}
			return
		case <-timeout:
			t.Fatal("timed out waiting for a confirmation without a server")
		}
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	cfg := testConfig()
	f := newFixture(t, cfg, nil, app.WithLogLevel(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Detector.WakeWords = []string{"computer"}
	next.Detector.Sensitivity = 2.0
	f.app.ApplyConfig(cfg, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if got := f.app.Detector().WakeWords(); !slices.Equal(got, []string{"computer"}) {
		t.Errorf("wake words = %v", got)
	}
	if got := f.app.Detector().Sensitivity(); got != 1.0 {
		t.Errorf("sensitivity = %v, want clamped 1.0", got)
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Confirm.Serve = true
	tr := transcribe.Func(func(context.Context, []byte, transcribe.Options) (transcribe.Result, error) {
		return transcribe.Result{Text: "hey earshot"}, nil
	})
	f := newFixture(t, cfg, &app.Providers{Transcribers: []app.NamedTranscriber{{Name: "stub", Transcriber: tr}}})

	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/v1/status", http.StatusOK},
		{http.MethodGet, "/v1/detections", http.StatusOK},
		{http.MethodGet, "/v1/audit", http.StatusOK},
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/v1/wake/confirm", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req, _ := http.NewRequestWithContext(t.Context(), tt.method, srv.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestServe_StreamModeAndShutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Stream.Enabled = true
	cfg.Stream.ChannelID = "general"
	auto := false
	cfg.Detector.Autostart = &auto

	conn := audiomock.NewConnection()
	platform := &audiomock.Platform{ConnectResult: conn}
	tr := transcribe.Func(func(context.Context, []byte, transcribe.Options) (transcribe.Result, error) {
		return transcribe.Result{Text: "hello"}, nil
	})
	f := newFixture(t, cfg, &app.Providers{
		Audio:        platform,
		Transcribers: []app.NamedTranscriber{{Name: "stub", Transcriber: tr}},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.app.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	var status api.StatusResponse
	waitFor(t, "status endpoint", func() bool {
		resp, err := http.Get(base + "/v1/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&status) == nil
	})
	if platform.CallCount() != 1 {
		t.Errorf("Connect calls = %d, want 1", platform.CallCount())
	}
	if status.Session == nil || !status.Session.Connected || status.Session.ChannelID != "general" {
		t.Errorf("session = %+v", status.Session)
	}
	if status.Participants == nil {
		t.Error("participants missing from status")
	}
	if f.app.Detector().Status() != detector.StatusIdle {
		t.Errorf("detector status = %v, want idle without autostart", f.app.Detector().Status())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

type closeCountingSink struct {
	eventlog.Sink
	mu     sync.Mutex
	closes int
}

func (s *closeCountingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	sink := &closeCountingSink{Sink: testSink()}
	a, err := app.New(t.Context(), testConfig(), &app.Providers{STT: &sttmock.Provider{}, Capture: &capmock.Backend{}},
		app.WithEventSink(sink), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := a.Shutdown(t.Context()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if sink.closes != 1 {
		t.Errorf("sink closes = %d, want 1", sink.closes)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

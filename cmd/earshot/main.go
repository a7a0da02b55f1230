// Command earshot is the wake-word detection and confirmation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/transcribe"
	tdeepgram "github.com/MrWong99/earshot/internal/transcribe/deepgram"
	topenai "github.com/MrWong99/earshot/internal/transcribe/openai"
	twhisper "github.com/MrWong99/earshot/internal/transcribe/whisper"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/capture"
	"github.com/MrWong99/earshot/pkg/audio/capture/malgo"
	"github.com/MrWong99/earshot/pkg/audio/discord"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/deepgram"
	"github.com/MrWong99/earshot/pkg/provider/stt/whisper"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	"github.com/MrWong99/earshot/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "earshot.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload wake words, sensitivity and log level when the config file changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version, Install: true})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level), app.WithVersion(version), app.WithMetrics(tel.Metrics)}
	var application *app.App
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			if application != nil {
				application.ApplyConfig(old, new)
			}
		})
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if c, ok := providers.Audio.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("audio platform close error", "err", err)
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// builtinProviders lists the implementations that ship with earshot.
var builtinProviders = map[string][]string{
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"transcribe": {"openai", "whisper", "deepgram"},
	"capture":    {"malgo"},
	"vad":        {"energy"},
	"audio":      {"discord"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Continuous recognition ───────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── Batch transcription ──────────────────────────────────────────────────

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (transcribe.Transcriber, error) {
		var opts []topenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, topenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, topenai.WithOrganization(org))
		}
		return topenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (transcribe.Transcriber, error) {
		var opts []twhisper.Option
		if entry.Model != "" {
			opts = append(opts, twhisper.WithModel(entry.Model))
		}
		return twhisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("deepgram", func(entry config.ProviderEntry) (transcribe.Transcriber, error) {
		var opts []tdeepgram.Option
		if entry.Model != "" {
			opts = append(opts, tdeepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, tdeepgram.WithEndpoint(entry.BaseURL))
		}
		return tdeepgram.New(entry.APIKey, opts...)
	})

	// ── Audio ────────────────────────────────────────────────────────────────

	reg.RegisterCapture("malgo", func(config.ProviderEntry) (capture.Backend, error) {
		return malgo.New(), nil
	})

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if n := optInt(entry.Options, "hangover_frames"); n > 0 {
			opts = append(opts, energy.WithHangoverFrames(n))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterAudio("discord", func(entry config.ProviderEntry) (audio.Platform, error) {
		var opts []discord.Option
		if secs := optInt(entry.Options, "idle_timeout_seconds"); secs > 0 {
			opts = append(opts, discord.WithIdleTimeout(time.Duration(secs)*time.Second))
		}
		return discord.Open(entry.APIKey, optString(entry.Options, "guild_id"), opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates every provider named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.STT, err = create(reg.CreateSTT, "stt", cfg.Providers.STT); err != nil {
		return nil, err
	}
	if ps.STT != nil && len(cfg.Providers.STTFallback) > 0 {
		fb := resilience.NewSTTFallback(ps.STT, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.STTFallback {
			p, err := create(reg.CreateSTT, "stt", entry)
			if err != nil {
				return nil, err
			}
			if p != nil {
				fb.AddFallback(entry.Name, p)
			}
		}
		ps.STT = fb
	}
	if ps.Capture, err = create(reg.CreateCapture, "capture", cfg.Providers.Capture); err != nil {
		return nil, err
	}
	if ps.VAD, err = create(reg.CreateVAD, "vad", cfg.Providers.VAD); err != nil {
		return nil, err
	}
	if ps.Audio, err = create(reg.CreateAudio, "audio", cfg.Providers.Audio); err != nil {
		return nil, err
	}
	for _, entry := range cfg.Providers.Transcribe {
		t, err := create(reg.CreateTranscriber, "transcribe", entry)
		if err != nil {
			return nil, err
		}
		if t != nil {
			ps.Transcribers = append(ps.Transcribers, app.NamedTranscriber{Name: entry.Name, Transcriber: t})
		}
	}
	return ps, nil
}

// create builds one provider. An empty or unregistered name yields the zero
// value so the slot stays unconfigured.
func create[T any](fn func(config.ProviderEntry) (T, error), kind string, entry config.ProviderEntry) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, nil
	}
	p, err := fn(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not available, skipping", "kind", kind, "name", entry.Name)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         earshot startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", provider(cfg.Providers.STT))
	printRow("Capture", provider(cfg.Providers.Capture))
	printRow("VAD", provider(cfg.Providers.VAD))
	printRow("Audio", provider(cfg.Providers.Audio))
	names := make([]string, 0, len(cfg.Providers.Transcribe))
	for _, t := range cfg.Providers.Transcribe {
		names = append(names, t.Name)
	}
	printRow("Transcribe", joinOr(names, "(not configured)"))
	if cfg.Detector.Disabled {
		printRow("Detector", "(disabled)")
	} else {
		printRow("Wake words", joinOr(cfg.Detector.WakeWords, "(none)"))
		printRow("Sensitivity", fmt.Sprintf("%.2f", cfg.Detector.Sensitivity))
	}
	printRow("Confirm URL", orDefault(cfg.Confirm.URL, "(client only)"))
	printRow("Confirm serve", fmt.Sprint(cfg.Confirm.Serve))
	printRow("Stream", orDefault(cfg.Stream.ChannelID, "(disabled)"))
	printRow("Audit log", orDefault(redactDSN(cfg.EventLog.PostgresDSN), "memory"))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func provider(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, ", ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// redactDSN keeps only the scheme so credentials never reach the terminal.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "postgres (dsn)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes
// numbers as int, but float64 is accepted too.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

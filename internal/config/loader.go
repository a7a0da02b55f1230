package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/internal/wakeword"
	"github.com/MrWong99/earshot/internal/wakeword/phonetic"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"capture":    {"malgo"},
	"vad":        {"energy"},
	"audio":      {"discord"},
	"transcribe": {"openai", "whisper", "deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. An out-of-range sensitivity is clamped
// into [0.1, 1.0] with a warning.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}

	d := &cfg.Detector
	if d.Sensitivity == 0 {
		d.Sensitivity = DefaultSensitivity
	}
	if c := wakeword.ClampSensitivity(d.Sensitivity); c != d.Sensitivity {
		slog.Warn("config: detector.sensitivity out of range, clamped", "requested", d.Sensitivity, "applied", c)
		d.Sensitivity = c
	}
	setDefault(&d.SampleRate, DefaultSampleRate)
	setDefault(&d.Channels, DefaultChannels)
	setDefault(&d.FrameSize, DefaultFrameSize)
	setDefault(&d.BufferMs, DefaultBufferMs)
	setDefault(&d.SnapshotMs, DefaultSnapshotMs)
	setDefault(&d.HoldMs, DefaultHoldMs)
	setDefault(&d.RestartDelayMs, DefaultRestartDelayMs)

	c := &cfg.Confirm
	if c.CombinedThreshold == 0 {
		c.CombinedThreshold = DefaultCombinedThreshold
	}
	if c.FallbackThreshold == 0 {
		c.FallbackThreshold = DefaultFallbackThreshold
	}
	setDefault(&c.TimeoutMs, DefaultConfirmTimeoutMs)

	st := &cfg.Stream
	setDefault(&st.MaxDurationMs, DefaultMaxDurationMs)
	setDefault(&st.MinDurationMs, DefaultMinDurationMs)
	setDefault(&st.SilenceGapMs, DefaultSilenceGapMs)
	setDefault(&st.MaxChunks, DefaultMaxChunks)
	if st.NoiseGate == 0 {
		st.NoiseGate = DefaultNoiseGate
	}
	setDefault(&st.FadeMs, DefaultFadeMs)
	setDefault(&st.MaxIdleSeconds, DefaultMaxIdleSeconds)
	setDefault(&st.Reconnect.MaxRetries, DefaultReconnectRetries)
	setDefault(&st.Reconnect.BackoffMs, DefaultReconnectBackoffMs)

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Providers.Capture.Name == "" && !d.Disabled {
		cfg.Providers.Capture.Name = "malgo"
	}
	setDefault(&cfg.EventLog.Size, DefaultEventLogSize)
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	errs = append(errs, validateDetector(&cfg.Detector, cfg.Providers)...)
	errs = append(errs, validateConfirm(&cfg.Confirm, cfg.Providers)...)
	errs = append(errs, validateStream(&cfg.Stream, cfg.Providers)...)

	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, f := range cfg.Providers.STTFallback {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallback[%d].name is required", i))
			continue
		}
		validateProviderName("stt", f.Name)
	}
	validateProviderName("capture", cfg.Providers.Capture.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, t := range cfg.Providers.Transcribe {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("providers.transcribe[%d].name is required", i))
			continue
		}
		validateProviderName("transcribe", t.Name)
	}

	if cfg.EventLog.Size < 0 {
		errs = append(errs, fmt.Errorf("event_log.size %d must not be negative", cfg.EventLog.Size))
	}

	return errors.Join(errs...)
}

func validateDetector(d *DetectorConfig, p ProvidersConfig) []error {
	if d.Disabled {
		return nil
	}
	var errs []error
	if len(d.WakeWords) == 0 {
		errs = append(errs, errors.New("detector.wake_words must list at least one phrase"))
	}
	for i, w := range d.WakeWords {
		if strings.TrimSpace(w) == "" {
			errs = append(errs, fmt.Errorf("detector.wake_words[%d] is blank", i))
		}
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"sample_rate", d.SampleRate},
		{"channels", d.Channels},
		{"frame_size", d.FrameSize},
		{"buffer_ms", d.BufferMs},
		{"snapshot_ms", d.SnapshotMs},
		{"hold_ms", d.HoldMs},
		{"restart_delay_ms", d.RestartDelayMs},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("detector.%s must be positive, got %d", f.name, f.v))
		}
	}
	if d.MaxRestartDelayMs < 0 {
		errs = append(errs, fmt.Errorf("detector.max_restart_delay_ms must not be negative, got %d", d.MaxRestartDelayMs))
	}
	if d.SnapshotMs > d.BufferMs {
		errs = append(errs, fmt.Errorf("detector.snapshot_ms %d exceeds buffer_ms %d", d.SnapshotMs, d.BufferMs))
	}
	if d.StandaloneBonus < 0 {
		errs = append(errs, fmt.Errorf("detector.standalone_bonus must not be negative, got %v", d.StandaloneBonus))
	}
	if p.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required unless detector.disabled is set"))
	}

	lintWakeWords(d.WakeWords)
	return errs
}

// lintWakeWords warns about phrases that sound alike, since they make
// detections ambiguous.
func lintWakeWords(words []string) {
	for _, pair := range phonetic.New().Confusable(words) {
		slog.Warn("config: wake words sound alike", "a", pair.A, "b", pair.B, "score", pair.Score)
	}
}

func validateConfirm(c *ConfirmConfig, p ProvidersConfig) []error {
	var errs []error
	if c.CombinedThreshold < 0 || c.CombinedThreshold > 1 {
		errs = append(errs, fmt.Errorf("confirm.combined_threshold %v is out of range [0, 1]", c.CombinedThreshold))
	}
	if c.FallbackThreshold < 0 || c.FallbackThreshold > 1 {
		errs = append(errs, fmt.Errorf("confirm.fallback_threshold %v is out of range [0, 1]", c.FallbackThreshold))
	}
	if c.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("confirm.timeout_ms must be positive, got %d", c.TimeoutMs))
	}
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("confirm.url %q must be an absolute http(s) URL", c.URL))
		}
	}
	if c.Serve && len(p.Transcribe) == 0 {
		errs = append(errs, errors.New("confirm.serve requires at least one providers.transcribe entry"))
	}
	return errs
}

func validateStream(s *StreamConfig, p ProvidersConfig) []error {
	if !s.Enabled {
		return nil
	}
	var errs []error
	if s.ChannelID == "" {
		errs = append(errs, errors.New("stream.channel_id is required when stream is enabled"))
	}
	if p.Audio.Name == "" {
		errs = append(errs, errors.New("stream requires providers.audio"))
	}
	if len(p.Transcribe) == 0 {
		errs = append(errs, errors.New("stream requires at least one providers.transcribe entry"))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"max_duration_ms", s.MaxDurationMs},
		{"min_duration_ms", s.MinDurationMs},
		{"silence_gap_ms", s.SilenceGapMs},
		{"max_chunks", s.MaxChunks},
		{"max_idle_seconds", s.MaxIdleSeconds},
		{"reconnect.max_retries", s.Reconnect.MaxRetries},
		{"reconnect.backoff_ms", s.Reconnect.BackoffMs},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("stream.%s must be positive, got %d", f.name, f.v))
		}
	}
	if s.MinDurationMs > s.MaxDurationMs {
		errs = append(errs, fmt.Errorf("stream.min_duration_ms %d exceeds max_duration_ms %d", s.MinDurationMs, s.MaxDurationMs))
	}
	if s.NoiseGate >= 1 {
		errs = append(errs, fmt.Errorf("stream.noise_gate %v must be below 1", s.NoiseGate))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

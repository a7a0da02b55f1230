// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for earshot.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultSensitivity        = 0.7
	DefaultSampleRate         = 16000
	DefaultChannels           = 1
	DefaultFrameSize          = 8192
	DefaultBufferMs           = 3000
	DefaultSnapshotMs         = 2000
	DefaultHoldMs             = 1000
	DefaultRestartDelayMs     = 100
	DefaultCombinedThreshold  = 0.6
	DefaultFallbackThreshold  = 0.7
	DefaultConfirmTimeoutMs   = 5000
	DefaultMaxDurationMs      = 1000
	DefaultMinDurationMs      = 500
	DefaultSilenceGapMs       = 1000
	DefaultMaxChunks          = 1000
	DefaultNoiseGate          = 0.01
	DefaultFadeMs             = 10
	DefaultMaxIdleSeconds     = 300
	DefaultReconnectRetries   = 10
	DefaultReconnectBackoffMs = 1000
	DefaultEventLogSize       = 100
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Detector  DetectorConfig  `yaml:"detector"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Stream    StreamConfig    `yaml:"stream"`
	Providers ProvidersConfig `yaml:"providers"`
	EventLog  EventLogConfig  `yaml:"event_log"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// EventOrigins are the cross-origin hosts allowed to open the event
	// feed websocket, e.g. "app.example.com".
	EventOrigins []string `yaml:"event_origins"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DetectorConfig configures local wake-word detection.
type DetectorConfig struct {
	// WakeWords must contain at least one non-blank phrase. Hot-reloadable.
	WakeWords []string `yaml:"wake_words"`

	// Sensitivity is clamped to [0.1, 1.0]. Hot-reloadable.
	Sensitivity float64 `yaml:"sensitivity"`

	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	FrameSize  int    `yaml:"frame_size"`
	Device     string `yaml:"device"`

	BufferMs   int `yaml:"buffer_ms"`
	SnapshotMs int `yaml:"snapshot_ms"`
	HoldMs     int `yaml:"hold_ms"`

	RestartDelayMs    int `yaml:"restart_delay_ms"`
	MaxRestartDelayMs int `yaml:"max_restart_delay_ms"`

	Language string `yaml:"language"`

	// StandaloneBonus overrides the whole-word score multiplier. Zero keeps
	// the built-in 1.1.
	StandaloneBonus float64 `yaml:"standalone_bonus"`

	// UserID is sent with confirmation requests.
	UserID string `yaml:"user_id"`

	// Disabled skips microphone detection entirely, e.g. on a host that
	// only serves confirmations.
	Disabled bool `yaml:"disabled"`

	// Autostart starts listening right after initialization. Default true.
	Autostart *bool `yaml:"autostart"`
}

// ConfirmConfig configures the confirmation client and server.
type ConfirmConfig struct {
	// URL is the confirmation server endpoint. Empty judges detections on
	// the client score alone.
	URL string `yaml:"url"`

	// Serve exposes POST /v1/wake/confirm backed by providers.transcribe.
	Serve bool `yaml:"serve"`

	CombinedThreshold float64 `yaml:"combined_threshold"`
	FallbackThreshold float64 `yaml:"fallback_threshold"`
	TimeoutMs         int     `yaml:"timeout_ms"`

	// Language hints the server-side transcription.
	Language string `yaml:"language"`
}

// StreamConfig configures assistant-session mode: transcription of remote
// participants in a voice channel.
type StreamConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ChannelID string `yaml:"channel_id"`
	Language  string `yaml:"language"`
	Model     string `yaml:"model"`

	MaxDurationMs int `yaml:"max_duration_ms"`
	MinDurationMs int `yaml:"min_duration_ms"`
	SilenceGapMs  int `yaml:"silence_gap_ms"`
	MaxChunks     int `yaml:"max_chunks"`

	// NoiseGate is the amplitude below which samples are attenuated.
	// Negative disables the gate.
	NoiseGate float64 `yaml:"noise_gate"`

	// FadeMs is the edge fade length. Negative disables fading.
	FadeMs int `yaml:"fade_ms"`

	MaxIdleSeconds int `yaml:"max_idle_seconds"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the participant connection retry loop.
type ReconnectConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	BackoffMs    int `yaml:"backoff_ms"`
	MaxBackoffMs int `yaml:"max_backoff_ms"`
}

// ProvidersConfig selects the implementation behind each collaborator. Each
// entry names a factory registered in the [Registry].
type ProvidersConfig struct {
	// STT is the continuous recognition engine used for detection.
	STT ProviderEntry `yaml:"stt"`

	// STTFallback lists engines tried in order when STT cannot open a session.
	STTFallback []ProviderEntry `yaml:"stt_fallback"`

	// Capture is the microphone backend.
	Capture ProviderEntry `yaml:"capture"`

	// VAD marks speech activity on participant streams.
	VAD ProviderEntry `yaml:"vad"`

	// Audio is the remote participant platform for stream mode.
	Audio ProviderEntry `yaml:"audio"`

	// Transcribe lists batch transcription backends in fallback order.
	Transcribe []ProviderEntry `yaml:"transcribe"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "deepgram").
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values.
	Options map[string]any `yaml:"options"`
}

// EventLogConfig selects the audit sink.
type EventLogConfig struct {
	// PostgresDSN enables the PostgreSQL sink. Empty keeps events in memory
	// and in the log.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Size is the number of events the in-memory sink keeps.
	Size int `yaml:"size"`
}

// MCPConfig controls the MCP tool endpoint.
type MCPConfig struct {
	// Disabled removes the /mcp route.
	Disabled bool `yaml:"disabled"`
}

// Ms converts a millisecond setting to a duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// AutostartEnabled reports whether detection should start after
// initialization.
func (d DetectorConfig) AutostartEnabled() bool {
	return d.Autostart == nil || *d.Autostart
}

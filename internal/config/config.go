// Package config provides the configuration schema and loader for the
// concierge relay.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the concierge server.
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

// Level maps l to the corresponding [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default values filled in by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultPollInterval   = time.Second
	DefaultRealtimeURL    = "wss://api.openai.com/v1/realtime"
	DefaultRealtimeModel  = "gpt-4o-realtime-preview-2024-10-01"
	DefaultConnectTimeout = 5 * time.Second

	DefaultTranscriptionModel = "whisper-1"
	DefaultChatModel          = "gpt-4"
	DefaultSpeechModel        = "tts-1"
	DefaultSpeechVoice        = "shimmer"
	DefaultTurnTimeout        = 60 * time.Second
	DefaultMaxUploadBytes     = 25 << 20

	DefaultThreshold     = 10.0
	DefaultQuietDuration = 1500 * time.Millisecond

	DefaultServiceName = "concierge"
	DefaultMetricsPath = "/metrics"
)

// DefaultInstructions is sent upstream in the session.update that follows
// session.created.
const DefaultInstructions = "You are a Marigold Hotel customer service agent. " +
	"Be concise and direct in your responses. Keep your answers brief but helpful."

// DefaultSystemPrompt is the chat system prompt of the turn-based flow.
const DefaultSystemPrompt = "You are a Marigold Hotel customer service agent. " +
	"The Marigold Hotel is a 5-star hotel in Jaipur, India. You are an expert in all things Jaipur. " +
	"Be concise and direct in your responses. Keep your answers brief but helpful. " +
	"You have no reservation information and cannot help with booking. " +
	"Always answer in the language detected in the user's message."

// Config is the root configuration structure for concierge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Turn        TurnConfig        `yaml:"turn"`
	Endpointing EndpointingConfig `yaml:"endpointing"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PollInterval is the cadence advertised to polling clients.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RealtimeConfig configures the upstream realtime voice session.
type RealtimeConfig struct {
	// APIKey authenticates against the upstream service. Falls back to the
	// OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL is the WebSocket endpoint; the model is appended as a query
	// parameter.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// ConnectTimeout bounds how long establishing the transport may take.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Instructions are sent in the session.update that follows session.created.
	Instructions string `yaml:"instructions"`

	// Voice optionally overrides the upstream default voice.
	Voice string `yaml:"voice"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// ReconnectConfig controls eager re-dialing after the upstream drops.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TurnConfig configures the turn-based call flow
// (transcription → chat completion → speech).
type TurnConfig struct {
	// APIKey falls back to the OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's REST endpoint. Empty uses the SDK
	// default.
	BaseURL string `yaml:"base_url"`

	TranscriptionModel string        `yaml:"transcription_model"`
	ChatModel          string        `yaml:"chat_model"`
	SpeechModel        string        `yaml:"speech_model"`
	Voice              string        `yaml:"voice"`
	SystemPrompt       string        `yaml:"system_prompt"`
	Timeout            time.Duration `yaml:"timeout"`

	// MaxUploadBytes caps the size of an uploaded recording.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// EndpointingConfig holds the silence detection parameters served to clients.
type EndpointingConfig struct {
	// Threshold is the energy (0–255) at or above which audio counts as speech.
	Threshold float64 `yaml:"threshold"`

	// QuietDuration is how long energy must stay below Threshold to end an
	// utterance.
	QuietDuration time.Duration `yaml:"quiet_duration"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`
}

// ApplyDefaults fills zero-valued fields of cfg with their documented
// defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.PollInterval, DefaultPollInterval)

	rt := &cfg.Realtime
	setDefault(&rt.BaseURL, DefaultRealtimeURL)
	setDefault(&rt.Model, DefaultRealtimeModel)
	setDefault(&rt.ConnectTimeout, DefaultConnectTimeout)
	setDefault(&rt.Instructions, DefaultInstructions)
	setDefault(&rt.Reconnect.MaxRetries, 5)
	setDefault(&rt.Reconnect.Backoff, time.Second)
	setDefault(&rt.Reconnect.MaxBackoff, 30*time.Second)
	setDefault(&rt.Breaker.MaxFailures, 5)
	setDefault(&rt.Breaker.ResetTimeout, 30*time.Second)

	turn := &cfg.Turn
	setDefault(&turn.TranscriptionModel, DefaultTranscriptionModel)
	setDefault(&turn.ChatModel, DefaultChatModel)
	setDefault(&turn.SpeechModel, DefaultSpeechModel)
	setDefault(&turn.Voice, DefaultSpeechVoice)
	setDefault(&turn.SystemPrompt, DefaultSystemPrompt)
	setDefault(&turn.Timeout, DefaultTurnTimeout)
	setDefault(&turn.MaxUploadBytes, DefaultMaxUploadBytes)
	setDefault(&turn.Breaker.MaxFailures, 5)
	setDefault(&turn.Breaker.ResetTimeout, 30*time.Second)

	setDefault(&cfg.Endpointing.Threshold, DefaultThreshold)
	setDefault(&cfg.Endpointing.QuietDuration, DefaultQuietDuration)

	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
	setDefault(&cfg.Telemetry.MetricsPath, DefaultMetricsPath)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

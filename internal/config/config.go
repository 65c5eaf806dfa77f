// Package config provides the configuration schema, loader, and provider registry
// for the Chandaliar installation.
package config

import "time"

// LogLevel controls log verbosity for the Chandaliar server.
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

// MicrophoneMode selects whether a lane's turns wait for the operator.
type MicrophoneMode string

const (
	// MicrophoneManual leaves recognised turns open for the operator.
	MicrophoneManual MicrophoneMode = "manual"

	// MicrophoneAutomatic accepts and answers recognised turns at once.
	MicrophoneAutomatic MicrophoneMode = "automatic"
)

// IsValid reports whether m is a recognised microphone mode.
func (m MicrophoneMode) IsValid() bool {
	return m == MicrophoneManual || m == MicrophoneAutomatic
}

// Config is the root configuration structure for Chandaliar.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Providers     ProvidersConfig      `yaml:"providers"`
	Conversation  ConversationConfig   `yaml:"conversation"`
	Playback      PlaybackConfig       `yaml:"playback"`
	Light         LightConfig          `yaml:"light"`
	Microphones   []MicrophoneConfig   `yaml:"microphones"`
	Prerecordings []PrerecordingConfig `yaml:"prerecordings"`
	Kiosk         KioskConfig          `yaml:"kiosk"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the operator API and the kiosk
	// endpoint (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// ObserveAddr serves /metrics, /healthz and /readyz. Empty disables it.
	ObserveAddr string `yaml:"observe_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat is "text" (default) or "json".
	LogFormat string `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallback lists secondary LLM providers tried in order when the
	// primary fails.
	LLMFallback []ProviderEntry `yaml:"llm_fallback"`

	STT ProviderEntry `yaml:"stt"`

	// STTFallback lists recognisers tried in order when the primary cannot
	// open a session, e.g. a local whisper model behind a cloud service.
	STTFallback []ProviderEntry `yaml:"stt_fallback"`

	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig tunes the operator conversation.
type ConversationConfig struct {
	// SystemScript seeds the conversation on start and on every clear.
	SystemScript string `yaml:"system_script"`

	// MaxDisplayLength is the rune count after which system turns are
	// shown truncated.
	MaxDisplayLength int `yaml:"max_display_length"`

	// Temperature and MaxTokens are passed to the LLM. Zero keeps the
	// provider default.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// PlaybackConfig configures the speech output.
type PlaybackConfig struct {
	// Rate is the default speaking rate of assistant turns. 1 is normal.
	Rate float64 `yaml:"rate"`

	// SpeakSuffix is the tail of every render that is not counted as
	// speech, e.g. trailing silence of the TTS backend.
	SpeakSuffix time.Duration `yaml:"speak_suffix"`

	// Voice is the TTS voice ID used for the operator conversation.
	Voice string `yaml:"voice"`

	// Language is the BCP-47 tag passed to the TTS voice.
	Language string `yaml:"language"`

	Device DeviceConfig `yaml:"device"`
}

// DeviceConfig is the PCM format of the local output device.
type DeviceConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// LightConfig tunes the lamp scheduler and selects its sinks.
type LightConfig struct {
	IdleMin      int           `yaml:"idle_min"`
	IdleMax      int           `yaml:"idle_max"`
	IdleStep     int           `yaml:"idle_step"`
	IdleInterval time.Duration `yaml:"idle_interval"`
	IdleAfter    time.Duration `yaml:"idle_after"`
	IdleGreen    int           `yaml:"idle_green"`
	ListenGreen  int           `yaml:"listen_green"`

	// MaxFailures opens a sink's circuit breaker after this many
	// consecutive failures. ResetTimeout is how long it stays open.
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	MQTT *MQTTConfig      `yaml:"mqtt"`
	HTTP *HTTPLightConfig `yaml:"http"`
}

// MQTTConfig selects Shelly bulbs reachable through an MQTT broker.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://192.168.1.10:1883".
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Devices  []string      `yaml:"devices"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HTTPLightConfig selects Shelly bulbs driven over their local HTTP API.
type HTTPLightConfig struct {
	BaseURLs []string `yaml:"base_urls"`
}

// MicrophoneConfig describes one recognition lane.
type MicrophoneConfig struct {
	// Name labels the lane's turns ("<name>: ...") and identifies it in the API.
	Name string `yaml:"name"`

	// Device is a substring of the capture device name. Empty selects the
	// system default.
	Device string `yaml:"device"`

	Mode MicrophoneMode `yaml:"mode"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	Language     string        `yaml:"language"`
	Keywords     []string      `yaml:"keywords"`
	GroupTimeout time.Duration `yaml:"group_timeout"`
}

// IsEnabled reports whether the lane should run.
func (m MicrophoneConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// PrerecordingConfig is a canned turn the operator can push by name.
type PrerecordingConfig struct {
	Name    string `yaml:"name"`
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// KioskConfig configures the walk-up WebSocket endpoint.
type KioskConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SystemPrompt    string `yaml:"system_prompt"`
	DefaultLanguage string `yaml:"default_language"`

	// Languages are offered to visitors in this order.
	Languages []KioskLanguage `yaml:"languages"`

	RecognitionTimeout time.Duration `yaml:"recognition_timeout"`
	AsksPerMinute      int           `yaml:"asks_per_minute"`
	OriginPatterns     []string      `yaml:"origin_patterns"`
}

// KioskLanguage is one selectable kiosk language.
type KioskLanguage struct {
	// Code is the BCP-47 tag used for recognition, e.g. "de-DE".
	Code   string `yaml:"code"`
	Voice  string `yaml:"voice"`
	Name   string `yaml:"name"`
	Intro  string `yaml:"intro"`
	Record string `yaml:"record"`
}

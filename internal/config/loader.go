package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs"},
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr         = ":8080"
	DefaultRate               = 1.0
	DefaultSpeakSuffix        = 750 * time.Millisecond
	DefaultSampleRate         = 48000
	DefaultChannels           = 2
	DefaultMaxFailures        = 5
	DefaultResetTimeout       = 30 * time.Second
	DefaultGroupTimeout       = 2 * time.Second
	DefaultRecognitionTimeout = 5 * time.Second
	DefaultAsksPerMinute      = 6
)

// Environment variables that override secrets and endpoints from the YAML
// file. A .env file is loaded into the environment by the binary first.
const (
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvDeepgramKey   = "DEEPGRAM_API_KEY"
	EnvElevenLabsKey = "ELEVENLABS_API_KEY"
	EnvMQTTHost      = "MQTT_HOST"
)

var validRoles = []string{"user", "assistant", "system"}

// Load reads the YAML configuration file at path, overlays the process
// environment and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides provider keys and the MQTT broker with the values
// returned by getenv. Empty values leave the YAML setting untouched.
// Keys only apply to entries of the matching provider.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvOpenAIKey); v != "" {
		if cfg.Providers.LLM.Name == "openai" {
			cfg.Providers.LLM.APIKey = v
		}
		for i := range cfg.Providers.LLMFallback {
			if cfg.Providers.LLMFallback[i].Name == "openai" {
				cfg.Providers.LLMFallback[i].APIKey = v
			}
		}
	}
	if v := getenv(EnvDeepgramKey); v != "" {
		if cfg.Providers.STT.Name == "deepgram" {
			cfg.Providers.STT.APIKey = v
		}
		for i := range cfg.Providers.STTFallback {
			if cfg.Providers.STTFallback[i].Name == "deepgram" {
				cfg.Providers.STTFallback[i].APIKey = v
			}
		}
	}
	if v := getenv(EnvElevenLabsKey); v != "" && cfg.Providers.TTS.Name == "elevenlabs" {
		cfg.Providers.TTS.APIKey = v
	}
	if v := getenv(EnvMQTTHost); v != "" && cfg.Light.MQTT != nil {
		cfg.Light.MQTT.Broker = v
	}
}

// ApplyDefaults fills zero-valued fields. Light tuning left at zero is
// defaulted by the light package itself.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Playback.Rate == 0 {
		cfg.Playback.Rate = DefaultRate
	}
	if cfg.Playback.SpeakSuffix == 0 {
		cfg.Playback.SpeakSuffix = DefaultSpeakSuffix
	}
	if cfg.Playback.Device.SampleRate == 0 {
		cfg.Playback.Device.SampleRate = DefaultSampleRate
	}
	if cfg.Playback.Device.Channels == 0 {
		cfg.Playback.Device.Channels = DefaultChannels
	}
	if cfg.Light.MaxFailures == 0 {
		cfg.Light.MaxFailures = DefaultMaxFailures
	}
	if cfg.Light.ResetTimeout == 0 {
		cfg.Light.ResetTimeout = DefaultResetTimeout
	}
	for i := range cfg.Microphones {
		m := &cfg.Microphones[i]
		if m.Mode == "" {
			m.Mode = MicrophoneManual
		}
		if m.GroupTimeout == 0 {
			m.GroupTimeout = DefaultGroupTimeout
		}
	}
	k := &cfg.Kiosk
	if k.RecognitionTimeout == 0 {
		k.RecognitionTimeout = DefaultRecognitionTimeout
	}
	if k.AsksPerMinute == 0 {
		k.AsksPerMinute = DefaultAsksPerMinute
	}
	if k.DefaultLanguage == "" && len(k.Languages) > 0 {
		k.DefaultLanguage = k.Languages[0].Code
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if f := cfg.Server.LogFormat; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", f))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.LLMFallback {
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	for _, fb := range cfg.Providers.STTFallback {
		validateProviderName("stt", fb.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	for i, fb := range cfg.Providers.LLMFallback {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallback[%d].name is required", i))
		}
	}
	for i, fb := range cfg.Providers.STTFallback {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallback[%d].name is required", i))
		}
	}
	needsSTT := cfg.Kiosk.Enabled
	for _, m := range cfg.Microphones {
		needsSTT = needsSTT || m.IsEnabled()
	}
	if needsSTT && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required when a microphone or the kiosk is enabled"))
	}

	// Conversation
	if cfg.Conversation.MaxDisplayLength < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_display_length %d must not be negative", cfg.Conversation.MaxDisplayLength))
	}
	if t := cfg.Conversation.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", t))
	}

	// Playback
	if r := cfg.Playback.Rate; r < 0.5 || r > 2.0 {
		errs = append(errs, fmt.Errorf("playback.rate %.2f is out of range [0.5, 2.0]", r))
	}
	if cfg.Playback.SpeakSuffix < 0 {
		errs = append(errs, errors.New("playback.speak_suffix must not be negative"))
	}
	if cfg.Playback.Device.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.device.sample_rate %d is invalid", cfg.Playback.Device.SampleRate))
	}
	if c := cfg.Playback.Device.Channels; c < 0 || c > 2 {
		errs = append(errs, fmt.Errorf("playback.device.channels %d is invalid; valid values: 1, 2", c))
	}

	errs = append(errs, validateLight(&cfg.Light)...)

	// Microphones
	micNames := make(map[string]int, len(cfg.Microphones))
	for i, m := range cfg.Microphones {
		prefix := fmt.Sprintf("microphones[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := micNames[m.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of microphones[%d]", prefix, m.Name, prev))
			}
			micNames[m.Name] = i
		}
		if m.Mode != "" && !m.Mode.IsValid() {
			errs = append(errs, fmt.Errorf("%s.mode %q is invalid; valid values: manual, automatic", prefix, m.Mode))
		}
		if m.GroupTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s.group_timeout must not be negative", prefix))
		}
	}

	// Prerecordings
	preNames := make(map[string]int, len(cfg.Prerecordings))
	for i, p := range cfg.Prerecordings {
		prefix := fmt.Sprintf("prerecordings[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := preNames[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of prerecordings[%d]", prefix, p.Name, prev))
			}
			preNames[p.Name] = i
		}
		if !slices.Contains(validRoles, p.Role) {
			errs = append(errs, fmt.Errorf("%s.role %q is invalid; valid values: user, assistant, system", prefix, p.Role))
		}
		if p.Content == "" {
			errs = append(errs, fmt.Errorf("%s.content is required", prefix))
		}
	}

	if cfg.Kiosk.Enabled {
		errs = append(errs, validateKiosk(&cfg.Kiosk)...)
	}

	return errors.Join(errs...)
}

func validateLight(l *LightConfig) []error {
	var errs []error
	for _, f := range []struct {
		name     string
		v, upper int
	}{
		{"idle_min", l.IdleMin, 100},
		{"idle_max", l.IdleMax, 100},
		{"idle_step", l.IdleStep, 100},
		{"idle_green", l.IdleGreen, 255},
		{"listen_green", l.ListenGreen, 255},
	} {
		if f.v < 0 || f.v > f.upper {
			errs = append(errs, fmt.Errorf("light.%s %d is out of range [0, %d]", f.name, f.v, f.upper))
		}
	}
	if l.IdleMin > 0 && l.IdleMax > 0 && l.IdleMin >= l.IdleMax {
		errs = append(errs, fmt.Errorf("light.idle_min %d must be below light.idle_max %d", l.IdleMin, l.IdleMax))
	}
	if l.IdleInterval < 0 || l.IdleAfter < 0 {
		errs = append(errs, errors.New("light durations must not be negative"))
	}
	if l.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("light.max_failures %d must not be negative", l.MaxFailures))
	}
	if m := l.MQTT; m != nil {
		if m.Broker == "" {
			errs = append(errs, fmt.Errorf("light.mqtt.broker is required (or set %s)", EnvMQTTHost))
		}
		if len(m.Devices) == 0 {
			errs = append(errs, errors.New("light.mqtt.devices must list at least one bulb"))
		}
	}
	if h := l.HTTP; h != nil && len(h.BaseURLs) == 0 {
		errs = append(errs, errors.New("light.http.base_urls must list at least one bulb"))
	}
	if l.MQTT == nil && l.HTTP == nil {
		slog.Warn("no light sink configured; lamp commands are dropped")
	}
	return errs
}

func validateKiosk(k *KioskConfig) []error {
	var errs []error
	if len(k.Languages) == 0 {
		errs = append(errs, errors.New("kiosk.languages must list at least one language"))
	}
	codes := make(map[string]int, len(k.Languages))
	for i, lang := range k.Languages {
		prefix := fmt.Sprintf("kiosk.languages[%d]", i)
		if lang.Code == "" {
			errs = append(errs, fmt.Errorf("%s.code is required", prefix))
		} else {
			if prev, ok := codes[lang.Code]; ok {
				errs = append(errs, fmt.Errorf("%s.code %q is a duplicate of kiosk.languages[%d]", prefix, lang.Code, prev))
			}
			codes[lang.Code] = i
		}
		if lang.Voice == "" {
			errs = append(errs, fmt.Errorf("%s.voice is required", prefix))
		}
	}
	if _, ok := codes[k.DefaultLanguage]; len(k.Languages) > 0 && !ok {
		errs = append(errs, fmt.Errorf("kiosk.default_language %q is not one of kiosk.languages", k.DefaultLanguage))
	}
	if k.AsksPerMinute < 0 {
		errs = append(errs, fmt.Errorf("kiosk.asks_per_minute %d must not be negative", k.AsksPerMinute))
	}
	if k.RecognitionTimeout < 0 {
		errs = append(errs, errors.New("kiosk.recognition_timeout must not be negative"))
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

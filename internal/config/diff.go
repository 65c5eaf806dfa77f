package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only settings that can be applied to a running installation are tracked;
// everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemScriptChanged  bool
	LightChanged         bool
	PlaybackRateChanged  bool
	PrerecordingsChanged bool

	// MicrophoneModes maps lane names to their new mode, for lanes present
	// in both configs whose mode changed.
	MicrophoneModes map[string]MicrophoneMode

	// RestartRequired lists top-level sections that changed but cannot be
	// applied live.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SystemScriptChanged && !d.LightChanged &&
		!d.PlaybackRateChanged && !d.PrerecordingsChanged &&
		len(d.MicrophoneModes) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SystemScriptChanged = old.Conversation.SystemScript != new.Conversation.SystemScript
	d.LightChanged = lightTuning(old.Light) != lightTuning(new.Light)
	d.PlaybackRateChanged = old.Playback.Rate != new.Playback.Rate
	d.PrerecordingsChanged = !slices.Equal(old.Prerecordings, new.Prerecordings)

	oldModes := make(map[string]MicrophoneMode, len(old.Microphones))
	for _, m := range old.Microphones {
		oldModes[m.Name] = m.Mode
	}
	for _, m := range new.Microphones {
		if prev, ok := oldModes[m.Name]; ok && prev != m.Mode {
			if d.MicrophoneModes == nil {
				d.MicrophoneModes = make(map[string]MicrophoneMode)
			}
			d.MicrophoneModes[m.Name] = m.Mode
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.ObserveAddr != new.Server.ObserveAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Playback.Device != new.Playback.Device || old.Playback.Voice != new.Playback.Voice {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if !slices.EqualFunc(old.Microphones, new.Microphones, sameLane) {
		d.RestartRequired = append(d.RestartRequired, "microphones")
	}
	return d
}

// lightTuningKey is the comparable, hot-reloadable part of a [LightConfig].
type lightTuningKey struct {
	min, max, step, green, listenGreen int
	interval, after                    int64
}

func lightTuning(l LightConfig) lightTuningKey {
	return lightTuningKey{
		min:         l.IdleMin,
		max:         l.IdleMax,
		step:        l.IdleStep,
		green:       l.IdleGreen,
		listenGreen: l.ListenGreen,
		interval:    int64(l.IdleInterval),
		after:       int64(l.IdleAfter),
	}
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) && entryEqual(a.TTS, b.TTS) &&
		slices.EqualFunc(a.LLMFallback, b.LLMFallback, entryEqual) &&
		slices.EqualFunc(a.STTFallback, b.STTFallback, entryEqual)
}

// entryEqual ignores Options, which may hold nested maps.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

// sameLane compares everything except the mode, which is applied live.
func sameLane(a, b MicrophoneConfig) bool {
	return a.Name == b.Name && a.Device == b.Device && a.IsEnabled() == b.IsEnabled() &&
		a.Language == b.Language && a.GroupTimeout == b.GroupTimeout &&
		slices.Equal(a.Keywords, b.Keywords)
}

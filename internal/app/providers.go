package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/chandaliar/internal/config"
	"github.com/MrWong99/chandaliar/internal/resilience"
	"github.com/MrWong99/chandaliar/pkg/provider/llm"
	"github.com/MrWong99/chandaliar/pkg/provider/stt"
	"github.com/MrWong99/chandaliar/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. STT is nil when no
// microphone is enabled and the kiosk is off.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// closers release providers that hold local resources, such as a loaded
	// whisper model.
	closers []func() error
}

// breakered is implemented by the failover wrappers.
type breakered interface {
	Breakers() []*resilience.CircuitBreaker
}

// breakersOf returns v's circuit breakers, if it has any.
func breakersOf(v any) []*resilience.CircuitBreaker {
	if b, ok := v.(breakered); ok {
		return b.Breakers()
	}
	return nil
}

// BuildProviders instantiates every provider named in cfg through reg. The
// LLM and STT slots are wrapped in failover groups so each backend sits
// behind its own circuit breaker, even without configured fallbacks.
func BuildProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	ps := &Providers{}
	fb := resilience.FallbackConfig{Logger: log}

	llms := make([]resilience.Backend[llm.Provider], 0, 1+len(cfg.Providers.LLMFallback))
	for i, entry := range append([]config.ProviderEntry{cfg.Providers.LLM}, cfg.Providers.LLMFallback...) {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			if i > 0 {
				return nil, fmt.Errorf("app: llm fallback: %w", err)
			}
			return nil, fmt.Errorf("app: llm: %w", err)
		}
		ps.track(p)
		llms = append(llms, resilience.Backend[llm.Provider]{Name: entry.Name, Provider: p})
	}
	ps.LLM = resilience.NewLLMFallback(fb, llms[0], llms[1:]...)
	log.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name,
		"model", cfg.Providers.LLM.Model, "fallbacks", len(cfg.Providers.LLMFallback))

	if cfg.Providers.STT.Name != "" {
		stts := make([]resilience.Backend[stt.Provider], 0, 1+len(cfg.Providers.STTFallback))
		for i, entry := range append([]config.ProviderEntry{cfg.Providers.STT}, cfg.Providers.STTFallback...) {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				if i > 0 {
					return nil, fmt.Errorf("app: stt fallback: %w", err)
				}
				return nil, fmt.Errorf("app: stt: %w", err)
			}
			ps.track(p)
			stts = append(stts, resilience.Backend[stt.Provider]{Name: entry.Name, Provider: p})
		}
		ps.STT = resilience.NewSTTFallback(fb, stts[0], stts[1:]...)
		log.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name,
			"fallbacks", len(cfg.Providers.STTFallback))
	}

	synth, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: tts: %w", err)
	}
	ps.track(synth)
	ps.TTS = synth
	log.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name, "format", synth.Format())

	return ps, nil
}

func (ps *Providers) track(p any) {
	if c, ok := p.(io.Closer); ok {
		ps.closers = append(ps.closers, c.Close)
	}
}

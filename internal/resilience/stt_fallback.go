package resilience

import (
	"context"

	"github.com/MrWong99/chandaliar/pkg/provider/stt"
)

// STTFallback feeds the microphone lanes and kiosk transcription. The usual
// chain is a cloud recogniser followed by a local whisper model that keeps
// the show running when the venue's uplink drops.
type STTFallback struct {
	chain *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback chains primary and fallbacks.
func NewSTTFallback(cfg FallbackConfig, primary Backend[stt.Provider], fallbacks ...Backend[stt.Provider]) *STTFallback {
	return &STTFallback{chain: chain(cfg, primary, fallbacks)}
}

// Breakers feeds the stt readiness check, primary first.
func (f *STTFallback) Breakers() []*CircuitBreaker { return f.chain.Breakers() }

// StartStream opens a session on the first healthy recogniser. A session
// that dies later is not moved; the lane supervisor restarts the lane, and
// the new StartStream lands on whichever backend is healthy by then.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.chain, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

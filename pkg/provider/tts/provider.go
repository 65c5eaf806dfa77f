// Package tts defines the Provider interface for text-to-speech backends.
//
// The playback queue synthesises one turn at a time through a Provider, and
// the kiosk streams replies chunk by chunk. Both consume raw PCM in the
// provider's [Provider.Format].
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"fmt"

	"github.com/MrWong99/chandaliar/pkg/audio"
)

// VoiceProfile selects a voice and how it speaks.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 tag the voice speaks, e.g. "de-DE".
	Language string

	// SpeedFactor scales the speaking rate. 1 or 0 is the voice's normal
	// pace.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments and returns a channel of PCM
	// chunks in Format. The channel is closed when all text has been spoken,
	// when ctx is cancelled, or when synthesis fails midway.
	//
	// A non-nil error is returned only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// Format is the PCM format of synthesised audio.
	Format() audio.Format
}

// Synthesize speaks text in one go and returns the concatenated PCM. It
// fails if ctx ends before the stream does.
func Synthesize(ctx context.Context, p Provider, text string, voice VoiceProfile) ([]byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)

	out, err := p.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return nil, fmt.Errorf("tts: synthesize: %w", err)
	}
	var pcm []byte
	for chunk := range out {
		pcm = append(pcm, chunk...)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tts: synthesize: %w", err)
	}
	return pcm, nil
}

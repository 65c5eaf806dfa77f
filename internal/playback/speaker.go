package playback

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/chandaliar/pkg/audio"
	"github.com/MrWong99/chandaliar/pkg/provider/tts"
)

var _ Synthesizer = (*Speaker)(nil)

const (
	// DefaultSpeakSuffix is subtracted from every render's audible length.
	DefaultSpeakSuffix = 750 * time.Millisecond

	// DefaultEnvelopeWindow is the spacing of timing samples.
	DefaultEnvelopeWindow = 50 * time.Millisecond

	// MaxViseme is the top of the sample value scale.
	MaxViseme = 21

	// visemeFullScale is the RMS that maps onto MaxViseme. Normal speech
	// peaks well below int16 full scale.
	visemeFullScale = 8000.0
)

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithSpeakSuffix sets the trailing time that does not count towards a
// render's duration.
func WithSpeakSuffix(d time.Duration) SpeakerOption {
	return func(s *Speaker) { s.suffix = d }
}

// WithEnvelopeWindow sets the timing sample spacing.
func WithEnvelopeWindow(d time.Duration) SpeakerOption {
	return func(s *Speaker) {
		if d > 0 {
			s.window = d
		}
	}
}

// Speaker is the [Synthesizer] that renders through a TTS provider into an
// audio sink.
type Speaker struct {
	tts    tts.Provider
	sink   audio.Sink
	suffix time.Duration
	window time.Duration

	mu    sync.Mutex
	voice tts.VoiceProfile
}

// NewSpeaker returns a Speaker using voice for every render.
func NewSpeaker(p tts.Provider, sink audio.Sink, voice tts.VoiceProfile, opts ...SpeakerOption) *Speaker {
	s := &Speaker{
		tts:    p,
		sink:   sink,
		voice:  voice,
		suffix: DefaultSpeakSuffix,
		window: DefaultEnvelopeWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Voice returns the current voice.
func (s *Speaker) Voice() tts.VoiceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// SetVoice switches the voice for later renders.
func (s *Speaker) SetVoice(v tts.VoiceProfile) {
	s.mu.Lock()
	s.voice = v
	s.mu.Unlock()
}

// Ready reports whether the output sink accepts audio.
func (s *Speaker) Ready() bool { return s.sink.Ready() }

// Speak synthesises text at rate, converts it to the sink's format and
// writes it to the sink. A rate of 0 means normal speed.
func (s *Speaker) Speak(ctx context.Context, text string, rate float64) (Result, error) {
	voice := s.Voice()
	if rate > 0 {
		voice.SpeedFactor = rate
	}

	pcm, err := tts.Synthesize(ctx, s.tts, text, voice)
	if err != nil {
		return Result{}, fmt.Errorf("playback: speak: %w", err)
	}
	if len(pcm) == 0 {
		return Result{}, nil
	}

	out := s.sink.Format()
	pcm = audio.Convert(pcm, s.tts.Format(), out)
	samples := Visemes(audio.Envelope(pcm, out, s.window))

	if err := s.sink.Play(ctx, pcm); err != nil {
		return Result{}, fmt.Errorf("playback: speak: %w", err)
	}
	return Result{
		Duration: max(out.Duration(len(pcm))-s.suffix, 0),
		Samples:  samples,
	}, nil
}

// Visemes maps an RMS envelope onto the 0..MaxViseme scale.
func Visemes(levels []audio.Level) []Sample {
	if len(levels) == 0 {
		return nil
	}
	out := make([]Sample, len(levels))
	for i, l := range levels {
		v := math.Round(l.RMS / visemeFullScale * MaxViseme)
		out[i] = Sample{Offset: l.Offset, Value: min(max(v, 0), MaxViseme)}
	}
	return out
}

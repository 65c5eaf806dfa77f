// Package whisper implements stt.Provider on top of whisper.cpp through its
// cgo bindings. The model is loaded once; each session gets its own
// inference context.
//
// whisper.cpp is not a streaming recogniser. Sessions therefore buffer
// audio, cut it on silence and emit one final per utterance. Every final is
// also a speech final. No partials are produced.
//
// The whisper.cpp static library and headers must be available at link time
// via LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/chandaliar/pkg/audio"
	"github.com/MrWong99/chandaliar/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultLanguage     = "de"
	defaultSampleRate   = 16000
	defaultRMSThreshold = 300.0
	defaultSilence      = 500 * time.Millisecond
	defaultMaxUtterance = 10 * time.Second
)

// Provider transcribes with a locally loaded whisper.cpp model.
type Provider struct {
	model     whisperlib.Model
	language  string
	threshold float64
	silence   time.Duration
	maxLen    time.Duration
}

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the default language code, e.g. "de" or "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilence sets how much trailing silence ends an utterance.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithMaxUtterance caps the buffered speech before a forced cut.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxLen = d }
}

// WithRMSThreshold sets the RMS level below which a chunk counts as silence.
func WithRMSThreshold(v float64) Option {
	return func(p *Provider) { p.threshold = v }
}

// New loads the model at modelPath. Close releases it.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{
		model:     model,
		language:  defaultLanguage,
		threshold: defaultRMSThreshold,
		silence:   defaultSilence,
		maxLen:    defaultMaxUtterance,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream implements [stt.Provider]. Keywords are ignored; whisper.cpp
// has no keyword boosting.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// whisper.cpp expects a bare language code.
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}

	s := &session{
		model:    p.model,
		language: lang,
		format:   f,
		cut:      newUtterance(f, p.threshold, p.silence, p.maxLen),
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s, nil
}

type session struct {
	model    whisperlib.Model
	language string
	format   audio.Format
	cut      *utterance // owned by processLoop

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var offset time.Duration
	emit := func(pcm []byte) {
		if pcm == nil {
			return
		}
		dur := s.format.Duration(len(pcm))
		start := offset - dur
		text, err := s.infer(pcm)
		if err != nil {
			slog.Error("whisper: inference failed", "err", err)
			return
		}
		if text == "" {
			return
		}
		select {
		case s.finals <- stt.Transcript{Text: text, IsFinal: true, SpeechFinal: true, Confidence: 1, Start: start, Duration: dur}:
		default:
			slog.Warn("whisper: finals channel full, dropping transcript")
		}
	}

	for {
		select {
		case <-ctx.Done():
			emit(s.cut.flush())
			return
		case <-s.done:
			// Drain what was queued before Close.
			for {
				select {
				case chunk := <-s.audioCh:
					offset += s.format.Duration(len(chunk))
					emit(s.cut.push(chunk))
				default:
					emit(s.cut.flush())
					return
				}
			}
		case chunk := <-s.audioCh:
			offset += s.format.Duration(len(chunk))
			emit(s.cut.push(chunk))
		}
	}
}

func (s *session) infer(pcm []byte) (string, error) {
	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", s.language, "err", err)
	}
	if err := wctx.Process(audio.Float32Mono(pcm, s.format.Channels), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Package stt defines the Provider interface for speech-to-text backends
// that feed the microphone lanes and the kiosk.
//
// A session accepts raw 16-bit little-endian PCM and emits two transcript
// streams: low-latency partials that drive the live text of an ongoing turn,
// and finals that are committed into the turn's segmenter.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints of a session.
type StreamConfig struct {
	// SampleRate in Hz. 16000 is what every backend here handles natively.
	SampleRate int

	// Channels is 1 for all current backends.
	Channels int

	// Language is a BCP-47 tag such as "de-DE". Empty selects the provider
	// default.
	Language string

	// Keywords are vocabulary hints, typically the assistant's name.
	Keywords []string
}

// Transcript is a recognition result.
type Transcript struct {
	Text string

	// IsFinal is set once the backend commits to Text.
	IsFinal bool

	// SpeechFinal is set on the final transcript that closes an utterance,
	// i.e. the speaker paused long enough for the backend's endpointing.
	SpeechFinal bool

	Confidence float64

	// Start is the utterance start relative to the session start.
	Start time.Duration

	Duration time.Duration
}

// SessionHandle is an open streaming session. Close must be called when the
// session is no longer needed. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a PCM chunk. It returns ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio and releases the session. Calling it more
	// than once is safe.
	Close() error
}

// Provider opens transcription sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// TranscribeOnce sends pcm through a fresh session and returns the text of
// the first final transcript. It returns "" without error when nothing is
// recognised before timeout elapses.
func TranscribeOnce(ctx context.Context, p Provider, cfg StreamConfig, pcm []byte, timeout time.Duration) (string, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := p.StartStream(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	if err := sess.SendAudio(pcm); err != nil {
		return "", err
	}

	partials := sess.Partials()
	for {
		select {
		case t, ok := <-sess.Finals():
			if !ok {
				return "", nil
			}
			if t.Text != "" {
				return t.Text, nil
			}
		case _, ok := <-partials:
			if !ok {
				partials = nil
			}
		case <-ctx.Done():
			return "", parent.Err()
		}
	}
}

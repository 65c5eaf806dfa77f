// Package mock provides in-memory implementations of [audio.Sink] and
// [audio.Source] for use in unit tests.
//
// Both mocks are safe for concurrent use and record what they were given.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chandaliar/pkg/audio"
)

var (
	_ audio.Sink   = (*Sink)(nil)
	_ audio.Source = (*Source)(nil)
)

// Sink records every buffer passed to Play.
type Sink struct {
	// Fmt is returned by Format. The zero value reports 24kHz mono.
	Fmt audio.Format

	// PlayErr, when set, is returned from Play.
	PlayErr error

	// NotReady inverts Ready.
	NotReady bool

	mu     sync.Mutex
	played [][]byte
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	if s.Fmt == (audio.Format{}) {
		return audio.Format{SampleRate: 24000, Channels: 1}
	}
	return s.Fmt
}

// Play implements [audio.Sink].
func (s *Sink) Play(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayErr != nil {
		return s.PlayErr
	}
	s.played = append(s.played, append([]byte(nil), pcm...))
	return nil
}

// Ready implements [audio.Sink].
func (s *Sink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.NotReady
}

// SetReady flips readiness at runtime.
func (s *Sink) SetReady(ready bool) {
	s.mu.Lock()
	s.NotReady = !ready
	s.mu.Unlock()
}

// Played returns a copy of the recorded buffers.
func (s *Sink) Played() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.played))
	copy(out, s.played)
	return out
}

// Source hands the test a way to inject microphone audio.
type Source struct {
	Fmt      audio.Format
	StartErr error

	mu      sync.Mutex
	onAudio func([]byte)
	starts  int
	stops   int
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	if s.Fmt == (audio.Format{}) {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.Fmt
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context, onAudio func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onAudio = onAudio
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.onAudio = nil
	return nil
}

// Feed delivers pcm to the registered callback, if any. It reports whether
// a callback was registered.
func (s *Source) Feed(pcm []byte) bool {
	s.mu.Lock()
	cb := s.onAudio
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(pcm)
	return true
}

// Counts returns how often Start and Stop were called.
func (s *Source) Counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

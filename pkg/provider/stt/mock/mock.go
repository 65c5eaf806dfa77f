// Package mock provides test doubles for the stt interfaces.
//
// Tests push Transcript values into a Session's channels and close them to
// end the session:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	sess.FinalsCh <- stt.Transcript{Text: "Hallo Chan.", IsFinal: true}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chandaliar/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil a fresh NewSession is
	// returned on every call.
	Session *Session

	// StartStreamErr, if set, is returned by StartStream.
	StartStreamErr error

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig
}

// StartStream records the call and returns Session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns the number of StartStream calls.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Configs)
}

// StreamConfigs returns a copy of Configs.
func (p *Provider) StreamConfigs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.Configs...)
}

// Session is a mock implementation of stt.SessionHandle. The test owns
// PartialsCh and FinalsCh and closes them to end the session.
type Session struct {
	mu sync.Mutex

	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr, if set, is returned by every SendAudio call.
	SendAudioErr error

	// Audio holds copies of every chunk passed to SendAudio.
	Audio [][]byte

	closed int

	// OnAudio, if set, is called after each SendAudio with the chunk.
	OnAudio func(chunk []byte)
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	cp := append([]byte(nil), chunk...)
	s.Audio = append(s.Audio, cp)
	err := s.SendAudioErr
	hook := s.OnAudio
	s.mu.Unlock()
	if hook != nil && err == nil {
		hook(cp)
	}
	return err
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Close records the call. It does not close the channels.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// AudioChunks returns the number of SendAudio calls.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio)
}

// Closed reports how often Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

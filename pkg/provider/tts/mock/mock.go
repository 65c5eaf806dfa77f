// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{SynthesizeChunks: [][]byte{[]byte("audio1")}}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chandaliar/pkg/audio"
	"github.com/MrWong99/chandaliar/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Voice tts.VoiceProfile

	// Text is everything read from the text channel, concatenated. It is
	// complete once the returned audio channel is closed.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks is emitted on every stream. When nil, each text
	// fragment is echoed back as its bytes.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// Gate, when non-nil, holds every stream open until it is closed.
	Gate <-chan struct{}

	// Fmt is returned by Format. The zero value reports 16kHz mono.
	Fmt audio.Format

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	calls []*SynthesizeStreamCall
}

// SynthesizeStream records the call and emits SynthesizeChunks after the
// text channel is drained.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.calls = append(p.calls, &SynthesizeStreamCall{Voice: voice})
		p.mu.Unlock()
		return nil, err
	}
	call := &SynthesizeStreamCall{Voice: voice}
	p.calls = append(p.calls, call)
	fixed := p.SynthesizeChunks
	gate := p.Gate
	p.mu.Unlock()

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		var echoed [][]byte
		for s := range text {
			p.mu.Lock()
			call.Text += s
			p.mu.Unlock()
			echoed = append(echoed, []byte(s))
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		out := fixed
		if out == nil {
			out = echoed
		}
		for _, chunk := range out {
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return p.ListVoicesResult, p.ListVoicesErr
}

// Format implements [tts.Provider].
func (p *Provider) Format() audio.Format {
	if p.Fmt == (audio.Format{}) {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.Fmt
}

// Calls returns a snapshot of the recorded calls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.calls))
	for i, c := range p.calls {
		out[i] = *c
	}
	return out
}

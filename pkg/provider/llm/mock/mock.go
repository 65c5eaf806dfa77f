// Package mock provides a test double for llm.Provider.
//
// Set the exported fields before use and inspect the recorded calls after.
//
//	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi."}, {FinishReason: "stop"}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// StreamChunks are emitted in order by StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr, if set, is returned by StreamCompletion instead of a channel.
	StreamErr error

	// Gate, if non-nil, is awaited before the first chunk is sent. Tests use
	// it to hold a stream open.
	Gate <-chan struct{}

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// ModelName is returned by Model.
	ModelName string

	// StreamCalls records every request passed to StreamCompletion.
	StreamCalls []llm.CompletionRequest

	// CompleteCalls records every request passed to Complete.
	CompleteCalls []llm.CompletionRequest
}

// StreamCompletion records the call and streams StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	gate := p.Gate
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns the word-based estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateMessages(messages), nil
}

// Model returns ModelName.
func (p *Provider) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelName
}

// Streams returns a copy of the recorded StreamCompletion requests.
func (p *Provider) Streams() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.StreamCalls...)
}

package resilience

import (
	"context"

	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

// LLMFallback is the model behind the operator prompter and the kiosk. It
// asks providers.llm first and then each llm_fallback entry in order, every
// backend behind its own breaker.
type LLMFallback struct {
	chain *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback chains primary and fallbacks.
func NewLLMFallback(cfg FallbackConfig, primary Backend[llm.Provider], fallbacks ...Backend[llm.Provider]) *LLMFallback {
	return &LLMFallback{chain: chain(cfg, primary, fallbacks)}
}

// Breakers feeds the llm readiness check, primary first.
func (f *LLMFallback) Breakers() []*CircuitBreaker { return f.chain.Breakers() }

// StreamCompletion opens the reply on the first backend that accepts it.
// The stream then stays with that backend: a spoken reply cut off halfway
// cannot resume on another model, so a later error chunk reaches the
// prompter as is.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.chain, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens and Model report the primary. Token counts are local
// estimates, and replies from a fallback are priced at the primary's rate.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.chain.Primary().CountTokens(messages)
}

func (f *LLMFallback) Model() string { return f.chain.Primary().Model() }

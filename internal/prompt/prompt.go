// Package prompt turns an [llm.Provider] into a conversation prompter.
//
// Each call opens a streaming completion and feeds its text into a
// [segment.Segmenter], so the reply reaches the conversation sentence by
// sentence. The time until the stream opened is recorded as the reply's
// initial latency. When the stream ends, the estimated cost is added to the
// running total and to the LLM cost metric.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/chandaliar/internal/conversation"
	"github.com/MrWong99/chandaliar/internal/observe"
	"github.com/MrWong99/chandaliar/internal/segment"
	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

var _ conversation.Prompter = (*Prompter)(nil)

// Tool is a function the model may call while replying.
type Tool struct {
	Definition llm.ToolDefinition

	// Handle runs the call. args is the raw JSON arguments object.
	Handle func(ctx context.Context, args json.RawMessage) error
}

// Option configures a [Prompter].
type Option func(*Prompter)

// WithMarker sets the sentence splitter for replies. The default is
// [segment.Punctuation].
func WithMarker(m segment.Marker) Option {
	return func(p *Prompter) { p.marker = m }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(p *Prompter) { p.temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(p *Prompter) { p.maxTokens = n }
}

// WithTools offers tools to the model.
func WithTools(tools ...Tool) Option {
	return func(p *Prompter) { p.tools = append(p.tools, tools...) }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Prompter) { p.log = l }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Prompter) { p.metrics = m }
}

// Prompter adapts an [llm.Provider] to [conversation.Prompter].
//
// It is safe for concurrent use.
type Prompter struct {
	llm         llm.Provider
	marker      segment.Marker
	temperature float64
	maxTokens   int
	tools       []Tool
	log         *slog.Logger
	metrics     *observe.Metrics

	mu        sync.Mutex
	totalCost float64
}

// New returns a Prompter backed by provider.
func New(provider llm.Provider, opts ...Option) *Prompter {
	p := &Prompter{
		llm:    provider,
		marker: segment.Punctuation,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// TotalCost returns the estimated spend in USD of all completed prompts.
func (p *Prompter) TotalCost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalCost
}

// Prompt opens a streaming completion for msgs. The returned stream
// completes when the model is done, when it fails midway or when ctx ends.
func (p *Prompter) Prompt(ctx context.Context, msgs []llm.Message) (segment.Stream, error) {
	ctx, span := observe.StartSpan(ctx, "prompt.Prompt",
		trace.WithAttributes(
			attribute.String("llm.model", p.llm.Model()),
			attribute.Int("llm.messages", len(msgs)),
		),
	)
	start := time.Now()

	req := llm.CompletionRequest{
		Messages:    msgs,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	for _, t := range p.tools {
		req.Tools = append(req.Tools, t.Definition)
	}

	chunks, err := p.llm.StreamCompletion(ctx, req)
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, p.llm.Model(), "llm", "error")
		p.metrics.RecordProviderError(ctx, p.llm.Model(), "llm")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("prompt: %w", err)
	}
	p.metrics.RecordProviderRequest(ctx, p.llm.Model(), "llm", "ok")

	latency := time.Since(start)
	p.metrics.PromptLatency.Record(ctx, latency.Seconds())

	seg := segment.New(segment.WithMarker(p.marker))
	seg.SetInitialLatency(latency)
	go p.pump(ctx, span, msgs, chunks, seg)
	return seg, nil
}

func (p *Prompter) pump(ctx context.Context, span trace.Span, msgs []llm.Message, chunks <-chan llm.Chunk, seg *segment.Segmenter) {
	defer span.End()
	defer seg.Complete()

	var reply strings.Builder
	for c := range chunks {
		if c.FinishReason == llm.FinishReasonError {
			p.log.ErrorContext(ctx, "prompt: reply failed", "err", c.Text, "model", p.llm.Model())
			p.metrics.RecordProviderError(ctx, p.llm.Model(), "llm")
			span.SetStatus(codes.Error, c.Text)
			continue
		}
		if c.Text != "" {
			reply.WriteString(c.Text)
			seg.Append(c.Text)
		}
		for _, call := range c.ToolCalls {
			p.call(ctx, call)
		}
	}

	promptTokens := llm.EstimateMessages(msgs)
	completionTokens := llm.EstimateTokens(reply.String())
	cost := llm.Cost(p.llm.Model(), promptTokens, completionTokens)
	p.mu.Lock()
	p.totalCost += cost
	p.mu.Unlock()
	p.metrics.LLMCost.Add(ctx, cost, metric.WithAttributes(attribute.String("model", p.llm.Model())))
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", promptTokens),
		attribute.Int("llm.completion_tokens", completionTokens),
	)
	p.log.DebugContext(ctx, "prompt: reply complete", "chars", reply.Len(), "cost_usd", cost)
}

func (p *Prompter) call(ctx context.Context, call llm.ToolCall) {
	for _, t := range p.tools {
		if t.Definition.Name != call.Name {
			continue
		}
		if err := t.Handle(ctx, json.RawMessage(call.Arguments)); err != nil {
			p.log.Warn("prompt: tool failed", "tool", call.Name, "err", err)
		}
		return
	}
	p.log.Warn("prompt: unknown tool", "tool", call.Name)
}

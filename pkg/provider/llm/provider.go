// Package llm defines the Provider interface for the language model that
// answers accepted conversation turns.
//
// A provider wraps a remote or local chat-completion API and exposes it as a
// stream of text chunks. The conversation layer never talks to an SDK
// directly; it consumes Chunk values and treats a stream that ends without
// text as an empty reply.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when generation ends or
// the context is cancelled.
package llm

import "context"

// Role names accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishReasonError marks a chunk that carries a mid-stream failure. The
// chunk's Text holds the error message.
const FinishReasonError = "error"

// Message is a single entry of the prompt sent to the model.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the text of the message, already prefixed with the speaker
	// label where one applies.
	Content string

	// ToolCalls holds tool invocations previously requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID identifies the call a RoleTool message answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes a function offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the arguments object.
	Parameters map[string]any
}

// CompletionRequest carries the prompt for one completion.
type CompletionRequest struct {
	Messages []Message
	Tools    []ToolDefinition

	// Temperature in [0, 2]. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps generated tokens. Zero leaves the provider default.
	MaxTokens int
}

// Chunk is one fragment of a streaming completion. A chunk may carry text,
// a finish reason, tool calls, or any combination.
type Chunk struct {
	Text string

	// FinishReason is empty on intermediate chunks. "stop", "length",
	// "tool_calls" and FinishReasonError are the values in use.
	FinishReason string

	// ToolCalls is populated on the final chunk once all argument fragments
	// have been accumulated.
	ToolCalls []ToolCall
}

// Usage is token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse is the result of a non-streaming completion.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is the abstraction over a chat-completion backend.
type Provider interface {
	// StreamCompletion starts a completion and returns a channel of chunks.
	// The error return is reserved for failures that prevent the stream from
	// starting; later failures arrive as a chunk with FinishReasonError.
	// The returned channel is never nil when err is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs a completion to the end and returns the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. It may approximate
	// but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Model reports the model identifier in use, used for cost accounting.
	Model() string
}

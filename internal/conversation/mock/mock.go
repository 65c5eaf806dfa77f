// Package mock provides test doubles for [conversation.Prompter] and
// [conversation.Player].
//
// Both record their calls under a mutex. Prompter hands out a fresh
// segment.Segmenter per call that the test drives; Player hands out tickets
// that the test resolves.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chandaliar/internal/conversation"
	"github.com/MrWong99/chandaliar/internal/segment"
	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

var (
	_ conversation.Prompter = (*Prompter)(nil)
	_ conversation.Player   = (*Player)(nil)
	_ conversation.Ticket   = (*Ticket)(nil)
)

// PromptCall records one Prompt invocation.
type PromptCall struct {
	Messages []llm.Message

	// Reply is the stream returned to the caller. Nil when Err was set.
	Reply *segment.Segmenter
}

// Prompter is a mock [conversation.Prompter].
type Prompter struct {
	// Err, when set, is returned from Prompt.
	Err error

	// Gate, when set, holds Prompt until it is closed or ctx ends.
	Gate chan struct{}

	mu    sync.Mutex
	calls []PromptCall
}

// Prompt records msgs and returns a new open Segmenter.
func (p *Prompter) Prompt(ctx context.Context, msgs []llm.Message) (segment.Stream, error) {
	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	call := PromptCall{Messages: append([]llm.Message(nil), msgs...)}
	if p.Err != nil {
		p.calls = append(p.calls, call)
		return nil, p.Err
	}
	call.Reply = segment.New()
	p.calls = append(p.calls, call)
	return call.Reply, nil
}

// Calls returns a copy of the recorded calls.
func (p *Prompter) Calls() []PromptCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PromptCall(nil), p.calls...)
}

// PushCall records one Push invocation.
type PushCall struct {
	Source string
	Text   string
	Rate   float64
	Ticket *Ticket
}

// Player is a mock [conversation.Player].
type Player struct {
	mu    sync.Mutex
	calls []PushCall
}

// Push records the call and returns an unresolved ticket.
func (p *Player) Push(source, text string, rate float64) conversation.Ticket {
	t := &Ticket{done: make(chan struct{})}
	p.mu.Lock()
	p.calls = append(p.calls, PushCall{Source: source, Text: text, Rate: rate, Ticket: t})
	p.mu.Unlock()
	return t
}

// Calls returns a copy of the recorded calls.
func (p *Player) Calls() []PushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PushCall(nil), p.calls...)
}

// Ticket is resolved by the test.
type Ticket struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	played bool
}

// Resolve closes Done. Later calls are no-ops.
func (t *Ticket) Resolve(played bool) {
	t.once.Do(func() {
		t.mu.Lock()
		t.played = played
		t.mu.Unlock()
		close(t.done)
	})
}

// Done implements [conversation.Ticket].
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Played implements [conversation.Ticket].
func (t *Ticket) Played() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.played
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/chandaliar/internal/observe"
	"github.com/MrWong99/chandaliar/internal/segment"
	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

// Prompter opens a reply stream for a conversation history.
type Prompter interface {
	Prompt(ctx context.Context, msgs []llm.Message) (segment.Stream, error)
}

// Ticket tracks one queued render.
type Ticket interface {
	// Done is closed once the render finished or was removed.
	Done() <-chan struct{}

	// Played reports whether the render was actually heard.
	Played() bool
}

// Player renders accepted turns.
type Player interface {
	Push(source, text string, rate float64) Ticket
}

// PlayerFunc adapts a function to [Player].
type PlayerFunc func(source, text string, rate float64) Ticket

// Push implements [Player].
func (f PlayerFunc) Push(source, text string, rate float64) Ticket { return f(source, text, rate) }

// ErrNoHighlight is returned by Accept and Skip when nothing is highlighted.
var ErrNoHighlight = errors.New("conversation: no highlighted turn")

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithIDSource replaces the default turn counter.
func WithIDSource(ids IDSource) Option {
	return func(o *Orchestrator) { o.ids = ids }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRate sets the speaking rate of assistant replies and pushed
// assistant turns.
func WithRate(rate float64) Option {
	return func(o *Orchestrator) { o.rate = rate }
}

// WithDisplayLimit sets the truncation length of system turns.
func WithDisplayLimit(n int) Option {
	return func(o *Orchestrator) { o.displayLimit = n }
}

// OngoingOption configures one InsertOngoing call.
type OngoingOption func(*ongoingConfig)

type ongoingConfig struct {
	index      int // -1 appends
	autoAccept bool
}

// At inserts the placeholder before index instead of appending it.
func At(index int) OngoingOption {
	return func(c *ongoingConfig) { c.index = index }
}

// AutoAccept decides every chunk of the stream as yes on arrival. When the
// stream ends, accepted user chunks are resolved with a single prompt.
func AutoAccept() OngoingOption {
	return func(c *ongoingConfig) { c.autoAccept = true }
}

// Orchestrator owns the turn [Store] and reacts to decisions.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	prompter     Prompter
	player       Player
	ids          IDSource
	log          *slog.Logger
	metrics      *observe.Metrics
	rate         float64
	displayLimit int

	mu    sync.Mutex
	store *Store

	// gen scopes stream consumers and render watchers. Clear replaces it.
	gen    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subs    map[int]chan []Turn
	nextSub int
	closed  bool
}

// New returns an Orchestrator with an empty conversation.
func New(prompter Prompter, player Player, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		prompter:     prompter,
		player:       player,
		rate:         1,
		displayLimit: DefaultDisplayLimit,
		subs:         make(map[int]chan []Turn),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.ids == nil {
		o.ids = &Counter{}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.store = NewStore(o.ids)
	o.store.SetDisplayLimit(o.displayLimit)
	o.gen, o.cancel = context.WithCancel(context.Background())
	return o
}

// InsertCompleted appends a completed turn.
func (o *Orchestrator) InsertCompleted(role Role, text string, decision Decision, prefix string) Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.store.InsertCompleted(role, text, decision, prefix)
	o.metrics.RecordTurn(o.gen, string(role))
	o.notifyLocked()
	return *t
}

// InsertOngoing adds a placeholder for stream and splices each completed
// chunk in at the placeholder's position, moving the placeholder after it.
// The placeholder is removed when the stream's Chunks channel closes, when
// ctx ends, or when the conversation is cleared.
func (o *Orchestrator) InsertOngoing(ctx context.Context, stream segment.Stream, role Role, prefix string, rate float64, opts ...OngoingOption) Turn {
	cfg := ongoingConfig{index: -1}
	for _, opt := range opts {
		opt(&cfg)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	var ph *Turn
	if cfg.index < 0 {
		ph = o.store.InsertOngoing(role, prefix, rate)
	} else {
		ph = o.store.InsertOngoingAt(cfg.index, role, prefix, rate)
	}
	o.notifyLocked()

	o.wg.Add(1)
	go o.consume(ctx, o.gen, stream, *ph, cfg.autoAccept)
	return *ph
}

func (o *Orchestrator) consume(ctx, gen context.Context, stream segment.Stream, ph Turn, autoAccept bool) {
	defer o.wg.Done()

	var lastAccepted uint64
	live, chunks := stream.Live(), stream.Chunks()
	src := chunks
	for chunks != nil {
		select {
		case text, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			o.setLive(gen, ph.ID, text)
		case text, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if id := o.splice(gen, stream, ph, text, autoAccept); id != 0 {
				lastAccepted = id
			}
		case <-ctx.Done():
			chunks = nil
			drain(src)
		case <-gen.Done():
			drain(src)
			return
		}
	}

	o.mu.Lock()
	if gen.Err() == nil {
		_ = o.store.RemovePlaceholder(ph.ID)
		o.notifyLocked()
	}
	o.mu.Unlock()

	if lastAccepted != 0 && ph.Role == RoleUser {
		o.resolveThrough(gen, lastAccepted)
	}
}

func (o *Orchestrator) setLive(gen context.Context, id uint64, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen.Err() != nil {
		return
	}
	if t := o.store.Get(id); t != nil && t.Ongoing {
		t.Text = text
		o.notifyLocked()
	}
}

// splice inserts a chunk before the placeholder. It returns the new turn's
// ID when the chunk was auto-accepted.
func (o *Orchestrator) splice(gen context.Context, stream segment.Stream, ph Turn, text string, autoAccept bool) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen.Err() != nil {
		return 0
	}
	i := o.store.Index(ph.ID)
	if i < 0 {
		return 0
	}
	t := o.store.InsertCompletedAt(i, ph.Role, text, DecisionOpen, ph.Prefix)
	t.Rate = ph.Rate
	if d, ok := stream.InitialLatency(); ok {
		t.InitialLatency = d
	}
	// The live text restarts after each completed chunk.
	o.store.Get(ph.ID).Text = ""
	o.metrics.RecordTurn(gen, string(ph.Role))

	var accepted uint64
	if autoAccept {
		if _, err := o.store.decideAny(t.ID, DecisionYes); err == nil {
			o.metrics.RecordDecision(gen, string(t.Role), DecisionYes.String())
			if t.Role == RoleAssistant {
				o.queueLocked(t)
			}
			accepted = t.ID
		}
	}
	o.notifyLocked()
	return accepted
}

// Decide records a decision on the highlighted turn id. Accepted assistant
// turns are queued for playback; accepted user turns prompt for a reply in
// the background.
func (o *Orchestrator) Decide(ctx context.Context, id uint64, d Decision) (Turn, error) {
	o.mu.Lock()
	t, err := o.store.Decide(id, d)
	if err != nil {
		o.mu.Unlock()
		return Turn{}, err
	}
	o.metrics.RecordDecision(ctx, string(t.Role), d.String())
	if d == DecisionYes && t.Role == RoleAssistant {
		o.queueLocked(t)
	}
	snap := *t
	gen := o.gen
	o.notifyLocked()
	o.mu.Unlock()

	if d == DecisionYes && snap.Role == RoleUser {
		o.promptAsync(withSpan(gen, ctx), id)
	}
	return snap, nil
}

// Accept decides yes on the highlighted turn.
func (o *Orchestrator) Accept(ctx context.Context) (Turn, error) {
	return o.decideHighlighted(ctx, DecisionYes)
}

// Skip decides skip on the highlighted turn.
func (o *Orchestrator) Skip(ctx context.Context) (Turn, error) {
	return o.decideHighlighted(ctx, DecisionSkip)
}

func (o *Orchestrator) decideHighlighted(ctx context.Context, d Decision) (Turn, error) {
	o.mu.Lock()
	h := o.store.Highlighted()
	o.mu.Unlock()
	if h == nil {
		return Turn{}, ErrNoHighlight
	}
	return o.Decide(ctx, h.ID, d)
}

// ResolveAll accepts every open completed turn in order and then prompts
// once in the background, up to the last accepted user turn. It returns the
// accepted turns.
func (o *Orchestrator) ResolveAll(ctx context.Context) []Turn {
	o.mu.Lock()
	var (
		accepted []Turn
		lastUser uint64
	)
	for _, t := range o.store.turns {
		if t.Ongoing || t.Decision != DecisionOpen {
			continue
		}
		if _, err := o.store.decideAny(t.ID, DecisionYes); err != nil {
			continue
		}
		o.metrics.RecordDecision(ctx, string(t.Role), DecisionYes.String())
		switch t.Role {
		case RoleAssistant:
			o.queueLocked(t)
		case RoleUser:
			lastUser = t.ID
		}
		accepted = append(accepted, *t)
	}
	gen := o.gen
	o.notifyLocked()
	o.mu.Unlock()

	if lastUser != 0 {
		o.promptAsync(withSpan(gen, ctx), lastUser)
	}
	return accepted
}

// ResolveAndPrompt prompts with every accepted turn up to and including
// uptoIndex and splices the reply in right after that turn.
func (o *Orchestrator) ResolveAndPrompt(ctx context.Context, uptoIndex int) error {
	o.mu.Lock()
	t := o.store.At(uptoIndex)
	gen := o.gen
	o.mu.Unlock()
	if t == nil {
		return fmt.Errorf("conversation: resolve: index %d: %w", uptoIndex, ErrUnknownTurn)
	}
	o.resolveThrough(withSpan(gen, ctx), t.ID)
	return nil
}

// promptAsync runs resolveThrough in the background so that operator
// commands return before the model answers.
func (o *Orchestrator) promptAsync(ctx context.Context, id uint64) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.resolveThrough(ctx, id)
	}()
}

// drain discards the rest of a stream nobody reads any more, so its
// producer can finish.
func drain(chunks <-chan string) {
	go func() {
		for range chunks {
		}
	}()
}

// resolveThrough prompts with the accepted history through turn id. The
// reply is anchored to id, so turns inserted while the model is dialled do
// not move it.
func (o *Orchestrator) resolveThrough(ctx context.Context, id uint64) {
	o.mu.Lock()
	upto := o.store.Index(id)
	if upto < 0 {
		o.mu.Unlock()
		return
	}
	var msgs []llm.Message
	for _, t := range o.store.turns[:upto+1] {
		if t.Ongoing || t.Decision != DecisionYes {
			continue
		}
		msgs = append(msgs, t.Message())
	}
	rate := o.rate
	o.mu.Unlock()

	stream, err := o.prompter.Prompt(ctx, msgs)

	o.mu.Lock()
	defer o.mu.Unlock()
	if ctx.Err() != nil {
		if err == nil {
			// Cleared while dialling; let the reply run out unseen.
			drain(stream.Chunks())
		}
		return
	}
	at := o.store.Index(id) + 1
	if err != nil {
		o.metrics.Prompts.Add(ctx, 1, metricStatus("error"))
		observe.Logger(ctx).Error("conversation: prompt failed", "err", err, "messages", len(msgs))
		ph := o.store.InsertOngoingAt(at, RoleAssistant, "", rate)
		o.notifyLocked()
		_ = o.store.RemovePlaceholder(ph.ID)
		o.notifyLocked()
		return
	}
	o.metrics.Prompts.Add(ctx, 1, metricStatus("ok"))
	ph := o.store.InsertOngoingAt(at, RoleAssistant, "", rate)
	o.notifyLocked()
	o.wg.Add(1)
	go o.consume(ctx, o.gen, stream, *ph, false)
}

// queueLocked hands an accepted turn to the player and marks it played
// when the render is heard.
func (o *Orchestrator) queueLocked(t *Turn) {
	t.Queued = true
	rate := t.Rate
	if rate == 0 {
		rate = o.rate
	}
	ticket := o.player.Push(string(t.Role), t.Text, rate)
	gen, id := o.gen, t.ID

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-ticket.Done():
		case <-gen.Done():
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if gen.Err() != nil {
			return
		}
		if t := o.store.Get(id); t != nil {
			t.Played = ticket.Played()
			o.notifyLocked()
		}
	}()
}

// PushAssistant adds a prerecorded assistant turn that is accepted and
// queued at once. It lands before the first placeholder or open turn.
func (o *Orchestrator) PushAssistant(text string) Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	at := o.store.Len()
	for i, t := range o.store.turns {
		if t.Ongoing || t.Decision == DecisionOpen {
			at = i
			break
		}
	}
	t := o.store.InsertCompletedAt(at, RoleAssistant, text, DecisionYes, "")
	t.Rate = o.rate
	o.metrics.RecordTurn(o.gen, string(RoleAssistant))
	o.queueLocked(t)
	o.notifyLocked()
	return *t
}

// SetRate changes the default speaking rate for turns queued afterwards.
func (o *Orchestrator) SetRate(rate float64) {
	o.mu.Lock()
	o.rate = rate
	o.mu.Unlock()
}

// PushUser appends a prerecorded user turn awaiting a decision.
func (o *Orchestrator) PushUser(text string) Turn {
	return o.InsertCompleted(RoleUser, text, DecisionOpen, "")
}

// Clear drops all turns, detaches every running stream and seeds the
// system script, if any.
func (o *Orchestrator) Clear(systemScript string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancel()
	o.gen, o.cancel = context.WithCancel(context.Background())
	o.store.Reset(systemScript)
	o.notifyLocked()
}

// Turns returns a snapshot of the conversation.
func (o *Orchestrator) Turns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.Snapshot()
}

// Highlighted returns the highlighted turn.
func (o *Orchestrator) Highlighted() (Turn, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.store.Snapshot() {
		if t.Highlighted {
			return t, true
		}
	}
	return Turn{}, false
}

// Subscribe returns a channel that always holds the latest snapshot. The
// current state is delivered immediately. Call cancel to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan []Turn, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan []Turn, 1)
	ch <- o.store.Snapshot()
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

// Close stops all stream consumers and closes subscriber channels.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.cancel()
	for id, c := range o.subs {
		delete(o.subs, id)
		close(c)
	}
	o.mu.Unlock()
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) notifyLocked() {
	if len(o.subs) == 0 {
		return
	}
	snap := o.store.Snapshot()
	for _, c := range o.subs {
		select {
		case <-c:
		default:
		}
		c <- snap
	}
}

// withSpan carries the caller's span into the long-lived context so that
// prompts started from a request stay on its trace.
func withSpan(gen, req context.Context) context.Context {
	return trace.ContextWithSpan(gen, trace.SpanFromContext(req))
}

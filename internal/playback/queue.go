// Package playback serialises spoken output.
//
// A [Queue] holds render requests in arrival order and hands exactly one at a
// time to a [Synthesizer]. The head stays in the queue while it is audible and
// is removed once its reported duration has elapsed on the queue's [Clock].
// Items that have not started yet can be withdrawn with [Queue.Remove]; an
// item that is playing always runs to completion.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chandaliar/internal/observe"
)

// ErrClosed is returned by [Item.Wait] when the queue shut down before the
// item was played.
var ErrClosed = errors.New("playback: queue closed")

// Sample is one timing sample of a render. Value is on the 0..21 viseme
// scale.
type Sample struct {
	Offset time.Duration
	Value  float64
}

// Result describes a render that has been handed to the output.
type Result struct {
	// Duration is how long the render stays audible.
	Duration time.Duration

	// Samples are ordered by Offset.
	Samples []Sample
}

// Synthesizer turns text into audible output.
type Synthesizer interface {
	// Speak renders text and returns once the audio has been handed to the
	// output. It does not wait for playback to finish.
	Speak(ctx context.Context, text string, rate float64) (Result, error)

	// Ready reports whether Speak may be called. Call [Queue.Notify] when
	// this changes.
	Ready() bool
}

// Clock abstracts timers so tests can control playback time.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option configures a [Queue].
type Option func(*Queue)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithOnSpeak registers fn to be called with every successful render right
// before the queue starts waiting for it to finish. fn runs on the dispatch
// goroutine and must not block.
func WithOnSpeak(fn func(source string, r Result)) Option {
	return func(q *Queue) { q.onSpeak = fn }
}

// Item is one render request.
type Item struct {
	ID       string
	Source   string
	Text     string
	Rate     float64
	Enqueued time.Time

	done chan struct{}

	mu      sync.Mutex
	playing bool
	played  bool
	closed  bool
	result  Result
}

func newItem(source, text string, rate float64) *Item {
	return &Item{
		ID:       uuid.NewString(),
		Source:   source,
		Text:     text,
		Rate:     rate,
		Enqueued: time.Now(),
		done:     make(chan struct{}),
	}
}

// Done is closed once the item finished playing or was removed.
func (it *Item) Done() <-chan struct{} { return it.done }

// Wait blocks until the item is resolved or ctx ends. It returns [ErrClosed]
// if the queue shut down before the item got to play.
func (it *Item) Wait(ctx context.Context) error {
	select {
	case <-it.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed && !it.played {
		return ErrClosed
	}
	return nil
}

// Played reports whether the item was rendered. It is false for removed
// items and for failed renders.
func (it *Item) Played() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.played
}

// Playing reports whether synthesis of the item has started.
func (it *Item) Playing() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.playing
}

// Result returns the render result. It is zero until the render succeeded.
func (it *Item) Result() Result {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.result
}

func (it *Item) resolve(played, closed bool) {
	it.mu.Lock()
	it.played = played
	it.closed = closed
	it.mu.Unlock()
	close(it.done)
}

// ItemSnapshot is a read-only view of a queued item.
type ItemSnapshot struct {
	ID       string        `json:"id"`
	Source   string        `json:"source"`
	Text     string        `json:"text"`
	Rate     float64       `json:"rate"`
	Playing  bool          `json:"playing"`
	Duration time.Duration `json:"duration,omitempty"`
	Enqueued time.Time     `json:"enqueued"`
}

// Queue is a single-concurrency FIFO of render requests.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	synth   Synthesizer
	clock   Clock
	log     *slog.Logger
	metrics *observe.Metrics
	onSpeak func(string, Result)

	mu     sync.Mutex
	items  []*Item
	closed bool

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Queue rendering through synth and starts its dispatch
// goroutine. Call [Queue.Close] to stop it.
func New(synth Synthesizer, opts ...Option) *Queue {
	q := &Queue{
		synth: synth,
		clock: realClock{},
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Push appends a render request. The returned item resolves when it has
// played or was removed. Pushing to a closed queue returns an item that is
// already resolved.
func (q *Queue) Push(source, text string, rate float64) *Item {
	it := newItem(source, text, rate)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.resolve(false, true)
		return it
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	q.metrics.QueueDepth.Add(q.ctx, 1)
	q.Notify()
	return it
}

// Remove withdraws an item that has not started playing and resolves it as
// not played. It reports false when the item is playing or no longer queued.
func (q *Queue) Remove(it *Item) bool {
	q.mu.Lock()
	i := slices.Index(q.items, it)
	if i < 0 || it.Playing() {
		q.mu.Unlock()
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	q.mu.Unlock()

	q.metrics.QueueDepth.Add(q.ctx, -1)
	q.metrics.RecordRender(q.ctx, "removed")
	it.resolve(false, false)
	q.Notify()
	return true
}

// RemoveID is [Queue.Remove] by item ID.
func (q *Queue) RemoveID(id string) bool {
	q.mu.Lock()
	i := slices.IndexFunc(q.items, func(it *Item) bool { return it.ID == id })
	var it *Item
	if i >= 0 {
		it = q.items[i]
	}
	q.mu.Unlock()
	if it == nil {
		return false
	}
	return q.Remove(it)
}

// Items returns the queued items in order. The head may be playing.
func (q *Queue) Items() []ItemSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ItemSnapshot, len(q.items))
	for i, it := range q.items {
		it.mu.Lock()
		out[i] = ItemSnapshot{
			ID:       it.ID,
			Source:   it.Source,
			Text:     it.Text,
			Rate:     it.Rate,
			Playing:  it.playing,
			Duration: it.result.Duration,
			Enqueued: it.Enqueued,
		}
		it.mu.Unlock()
	}
	return out
}

// Len returns the number of queued items, including a playing head.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify asks the queue to re-evaluate its head, for example after the
// synthesizer became ready.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops dispatching and resolves every waiting item as not played.
// A render in flight is released without waiting for its duration. Close is
// idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	rest := q.items
	q.items = nil
	q.mu.Unlock()
	q.metrics.QueueDepth.Add(q.ctx, -int64(len(rest)))
	for _, it := range rest {
		it.resolve(false, true)
	}
	return nil
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		for {
			it, ok := q.next()
			if !ok {
				break
			}
			q.play(it)
		}
	}
}

// next marks the head as playing when it may start.
func (q *Queue) next() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	if head.Playing() || !q.synth.Ready() {
		return nil, false
	}
	head.mu.Lock()
	head.playing = true
	head.mu.Unlock()
	return head, true
}

func (q *Queue) play(it *Item) {
	log := q.log.With("item", it.ID, "source", it.Source)
	res, err := q.synth.Speak(q.ctx, it.Text, it.Rate)
	if err != nil {
		log.Error("playback: render failed", "err", err)
		q.metrics.RecordRender(q.ctx, "error")
		q.finish(it, false)
		return
	}

	it.mu.Lock()
	it.result = res
	it.mu.Unlock()
	if q.onSpeak != nil {
		q.onSpeak(it.Source, res)
	}
	log.Debug("playback: speaking", "duration", res.Duration, "samples", len(res.Samples))

	select {
	case <-q.clock.After(res.Duration):
	case <-q.ctx.Done():
	}
	q.metrics.RenderDuration.Record(q.ctx, res.Duration.Seconds())
	q.metrics.RecordRender(q.ctx, "ok")
	q.finish(it, true)
}

func (q *Queue) finish(it *Item, played bool) {
	q.mu.Lock()
	if i := slices.Index(q.items, it); i >= 0 {
		q.items = slices.Delete(q.items, i, i+1)
	}
	q.mu.Unlock()
	q.metrics.QueueDepth.Add(q.ctx, -1)
	it.resolve(played, false)
}

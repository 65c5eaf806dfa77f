// Package segment turns an incrementally growing text into completed chunks.
//
// A Segmenter is fed either by deltas (Append), by whole-text replacements
// (Update), or both, and emits a completed chunk whenever its [Marker] finds
// a sentence end. Consumers read completed chunks from Chunks, the
// not-yet-completed remainder from Live, and learn about the end of the
// stream from Done.
package segment

import (
	"strings"
	"sync"
	"time"
)

// Stream is the read side of a Segmenter. Recognition lanes and prompt
// replies are both handed to the conversation as a Stream.
type Stream interface {
	// Chunks delivers completed chunks in order. It is closed after the
	// last chunk once the stream has completed.
	Chunks() <-chan string

	// Live holds the latest uncompleted text. Slow readers only see the
	// most recent value. Closed on completion.
	Live() <-chan string

	// Done is closed when the stream completes.
	Done() <-chan struct{}

	// InitialLatency is the time to first output, when the source measured
	// it.
	InitialLatency() (time.Duration, bool)
}

var _ Stream = (*Segmenter)(nil)

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithMarker selects the split rule. The default is [Punctuation].
func WithMarker(m Marker) Option {
	return func(s *Segmenter) { s.marker = m }
}

// Segmenter is safe for concurrent use.
type Segmenter struct {
	marker Marker

	mu         sync.Mutex
	buf        string
	queue      []string
	completed  bool
	latency    time.Duration
	hasLatency bool

	wake   chan struct{}
	chunks chan string
	live   chan string
	done   chan struct{}
}

// New returns an open Segmenter and starts its delivery goroutine, which
// exits after Complete once every chunk has been read.
func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		marker: Punctuation,
		wake:   make(chan struct{}, 1),
		chunks: make(chan string),
		live:   make(chan string, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.pump()
	return s
}

// Append extends the buffer by delta and emits at most one chunk.
func (s *Segmenter) Append(delta string) {
	if delta == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	text := s.buf + delta
	if head, rest, ok := s.marker(text); ok {
		s.emitLocked(head)
		text = rest
	}
	s.setLocked(text)
}

// Update replaces the buffer without looking for a split.
func (s *Segmenter) Update(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.setLocked(text)
}

// Complete flushes the remaining text as a final chunk and ends the stream.
// Calling it again has no effect.
func (s *Segmenter) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.emitLocked(s.buf)
	s.buf = ""
	s.completed = true
	close(s.live)
	close(s.done)
	s.signal()
}

// Text returns the current uncompleted text.
func (s *Segmenter) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// SetInitialLatency records the time to first output.
func (s *Segmenter) SetInitialLatency(d time.Duration) {
	s.mu.Lock()
	s.latency, s.hasLatency = d, true
	s.mu.Unlock()
}

// InitialLatency implements [Stream].
func (s *Segmenter) InitialLatency() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency, s.hasLatency
}

// Chunks implements [Stream].
func (s *Segmenter) Chunks() <-chan string { return s.chunks }

// Live implements [Stream].
func (s *Segmenter) Live() <-chan string { return s.live }

// Done implements [Stream].
func (s *Segmenter) Done() <-chan struct{} { return s.done }

func (s *Segmenter) emitLocked(head string) {
	if head = strings.TrimSpace(head); head == "" {
		return
	}
	s.queue = append(s.queue, head)
	s.signal()
}

func (s *Segmenter) setLocked(text string) {
	s.buf = text
	select {
	case <-s.live:
	default:
	}
	s.live <- text
}

func (s *Segmenter) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued chunks onto the unbuffered Chunks channel so that
// producers never block on slow consumers.
func (s *Segmenter) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.chunks <- c
			continue
		}
		if s.completed {
			s.mu.Unlock()
			close(s.chunks)
			return
		}
		s.mu.Unlock()
		<-s.wake
	}
}

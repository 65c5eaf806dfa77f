// Package light drives a lamp that breathes while the installation is idle
// and pulses along with speech.
//
// The [Scheduler] owns a single mode (off, idle, listen or speak) and at most
// one running timer chain. Every mode change bumps a generation counter; a
// chain that wakes up under an older generation exits without touching the
// sink. Speech pulses are delivered strictly in order: each step waits for
// the previous sink call before starting its own timer.
package light

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/chandaliar/internal/observe"
)

// Mode is the scheduler's current phase.
type Mode int

const (
	ModeOff Mode = iota
	ModeIdle
	ModeListen
	ModeSpeak
)

// String returns the lower-case mode name.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeIdle:
		return "idle"
	case ModeListen:
		return "listen"
	case ModeSpeak:
		return "speak"
	default:
		return "unknown"
	}
}

// Defaults for the idle band and speech pulses.
const (
	DefaultIdleMin     = 15
	DefaultIdleMax     = 40
	DefaultIdleStep    = 2
	DefaultInterval    = 50 * time.Millisecond
	DefaultIdleAfter   = 100 * time.Millisecond
	DefaultIdleGreen   = 150
	DefaultListenGreen = 255

	// SpeakMax caps the gain of speech pulses.
	SpeakMax = 100
)

// Gain maps a viseme value onto the lamp's gain range.
func Gain(value float64) int {
	g := int(value*3 + 40)
	return min(max(g, 0), SpeakMax)
}

// Sample is one speech pulse at Offset from the start of a render.
type Sample struct {
	Offset time.Duration
	Value  float64
}

// Clock abstracts timers so tests can step the scheduler.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config holds the numeric tuning of a [Scheduler]. Zero fields take the
// package defaults.
type Config struct {
	IdleMin     int
	IdleMax     int
	IdleStep    int
	Interval    time.Duration
	IdleAfter   time.Duration
	IdleGreen   int
	ListenGreen int
}

func (c Config) withDefaults() Config {
	if c.IdleMin <= 0 {
		c.IdleMin = DefaultIdleMin
	}
	if c.IdleMax <= c.IdleMin {
		c.IdleMax = max(DefaultIdleMax, c.IdleMin)
	}
	if c.IdleStep <= 0 {
		c.IdleStep = DefaultIdleStep
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = DefaultIdleAfter
	}
	if c.IdleGreen <= 0 {
		c.IdleGreen = DefaultIdleGreen
	}
	if c.ListenGreen <= 0 {
		c.ListenGreen = DefaultListenGreen
	}
	return c
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithConfig sets the idle band, tick interval and colours.
func WithConfig(c Config) Option {
	return func(s *Scheduler) { s.cfg = c }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// State is a snapshot of the scheduler.
type State struct {
	Mode      string `json:"mode"`
	Consumers int    `json:"consumers"`
	Level     int    `json:"level"`
}

// Scheduler runs the idle oscillation and speech pulse chains against a
// [Sink].
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	sink    Sink
	cfg     Config
	clock   Clock
	log     *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	mode      Mode
	gen       uint64
	consumers int
	level     int
	dir       int
	closed    bool

	// sendMu orders generation checks with sink calls, so nothing reaches
	// the sink from a stale chain once a newer phase sent its first command.
	sendMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a Scheduler in mode off.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:  sink,
		clock: realClock{},
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.level, s.dir = s.cfg.IdleMin, s.cfg.IdleStep
	return s
}

// SetConfig applies new tuning. Running chains pick it up with their next
// step.
func (s *Scheduler) SetConfig(c Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = c.withDefaults()
	s.level = min(max(s.level, s.cfg.IdleMin), s.cfg.IdleMax)
	if s.dir > 0 {
		s.dir = s.cfg.IdleStep
	} else {
		s.dir = -s.cfg.IdleStep
	}
}

// Config returns the current tuning.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Mode returns the current mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// State returns a snapshot for status pages.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Mode: s.mode.String(), Consumers: s.consumers, Level: s.level}
}

// Enable registers a consumer. The first consumer switches the lamp from
// off to idle.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.consumers++
	if s.mode == ModeOff {
		s.enterLocked(ModeIdle)
	}
}

// Disable drops a consumer. When the last one leaves, the running chain is
// cancelled and the lamp is switched off.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	if s.consumers > 0 {
		s.consumers--
	}
	if s.consumers > 0 || s.mode == ModeOff {
		s.mu.Unlock()
		return
	}
	s.mode = ModeOff
	s.gen++
	s.mu.Unlock()

	s.log.Info("light: mode changed", "mode", ModeOff)
	s.off()
}

// Listen switches from idle to listen.
func (s *Scheduler) Listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeIdle {
		s.enterLocked(ModeListen)
	}
}

// Idle returns from listen or speak to idle.
func (s *Scheduler) Idle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeListen || s.mode == ModeSpeak {
		s.enterLocked(ModeIdle)
	}
}

// Speak pulses the lamp along samples, which must be ordered by offset, and
// returns to idle shortly after the last one. It is ignored while off.
func (s *Scheduler) Speak(samples []Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeOff || s.closed {
		return
	}
	s.mode = ModeSpeak
	s.gen++
	s.log.Debug("light: mode changed", "mode", ModeSpeak, "samples", len(samples))

	gen := s.gen
	s.wg.Add(1)
	go s.speak(gen, samples)
}

// Tint sends a one-off colour while the lamp is on. The running chain
// overrides it with its next command.
func (s *Scheduler) Tint(c Color) {
	s.mu.Lock()
	gen, on := s.gen, s.mode != ModeOff
	s.mu.Unlock()
	if on {
		s.emit(gen, c)
	}
}

// Close stops all chains and switches the lamp off. It is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasOn := s.mode != ModeOff
	s.mode = ModeOff
	s.consumers = 0
	s.gen++
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	if wasOn {
		s.off()
	}
	return nil
}

// enterLocked switches to idle or listen and starts a fresh oscillation.
func (s *Scheduler) enterLocked(m Mode) {
	s.mode = m
	s.gen++
	s.log.Info("light: mode changed", "mode", m)

	gen := s.gen
	s.wg.Add(1)
	go s.oscillate(gen)
}

func (s *Scheduler) oscillate(gen uint64) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.gen != gen || (s.mode != ModeIdle && s.mode != ModeListen) {
			s.mu.Unlock()
			return
		}
		s.level += s.dir
		switch {
		case s.level >= s.cfg.IdleMax:
			s.level, s.dir = s.cfg.IdleMax, -s.cfg.IdleStep
		case s.level <= s.cfg.IdleMin:
			s.level, s.dir = s.cfg.IdleMin, s.cfg.IdleStep
		}
		green := s.cfg.IdleGreen
		if s.mode == ModeListen {
			green = s.cfg.ListenGreen
		}
		c := Color{Green: green, Gain: s.level}
		interval := s.cfg.Interval
		s.mu.Unlock()

		if !s.emit(gen, c) || !s.wait(gen, interval) {
			return
		}
	}
}

func (s *Scheduler) speak(gen uint64, samples []Sample) {
	defer s.wg.Done()
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var prev time.Duration
	for _, smp := range samples {
		if !s.wait(gen, smp.Offset-prev) {
			return
		}
		prev = smp.Offset
		if !s.emit(gen, Color{Green: cfg.ListenGreen, Gain: Gain(smp.Value)}) {
			return
		}
	}
	if !s.wait(gen, cfg.IdleAfter) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.mode == ModeSpeak {
		s.enterLocked(ModeIdle)
	}
}

// wait sleeps d on the clock and reports whether gen is still current.
func (s *Scheduler) wait(gen uint64, d time.Duration) bool {
	if d > 0 {
		select {
		case <-s.clock.After(d):
		case <-s.done:
			return false
		}
	}
	return s.current(gen)
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// emit sends c unless gen went stale. Sink errors are logged and do not stop
// the chain.
func (s *Scheduler) emit(gen uint64, c Color) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.current(gen) {
		return false
	}
	ctx := context.Background()
	if err := s.sink.Send(ctx, c); err != nil {
		s.log.Warn("light: send failed", "err", err, "gain", c.Gain)
		s.metrics.RecordLightSend(ctx, sinkName(s.sink), "error")
		return true
	}
	s.metrics.RecordLightSend(ctx, sinkName(s.sink), "ok")
	return true
}

func (s *Scheduler) off() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	ctx := context.Background()
	if err := s.sink.Off(ctx); err != nil {
		s.log.Warn("light: off failed", "err", err)
		s.metrics.RecordLightSend(ctx, sinkName(s.sink), "error")
		return
	}
	s.metrics.RecordLightSend(ctx, sinkName(s.sink), "ok")
}

// Package listen turns microphone audio into ongoing user turns.
//
// A [Lane] streams one capture device into a speech-to-text session. Every
// recognition group (speech up to a pause of GroupTimeout without finals)
// becomes one ongoing turn. Partial transcripts drive the turn's live text
// and finals are appended to its segmenter, which splits them into
// completed turns.
package listen

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/chandaliar/internal/conversation"
	"github.com/MrWong99/chandaliar/internal/segment"
	"github.com/MrWong99/chandaliar/pkg/audio"
	"github.com/MrWong99/chandaliar/pkg/provider/stt"
)

// Mode decides what happens with a lane's completed turns.
type Mode string

const (
	// ModeManual leaves turns open for the operator.
	ModeManual Mode = "manual"

	// ModeAutomatic accepts turns on arrival and prompts once the group
	// ends.
	ModeAutomatic Mode = "automatic"
)

// ParseMode accepts "manual" and "automatic". Empty means manual.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "", ModeManual:
		return ModeManual, nil
	case ModeAutomatic:
		return m, nil
	}
	return "", fmt.Errorf("listen: unknown mode %q", s)
}

// DefaultGroupTimeout ends a recognition group after this long without a
// final transcript.
const DefaultGroupTimeout = 2 * time.Second

// recognitionFormat is what the lane sends to the recognizer.
var recognitionFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Inserter receives recognition groups. [*conversation.Orchestrator]
// implements it.
type Inserter interface {
	InsertOngoing(ctx context.Context, stream segment.Stream, role conversation.Role, prefix string, rate float64, opts ...conversation.OngoingOption) conversation.Turn
}

// Listener is signalled when someone starts talking.
type Listener interface {
	Listen()
}

// Config describes one microphone lane.
type Config struct {
	// Name labels the lane's turns as "<Name>: ".
	Name     string
	Mode     Mode
	Language string
	Keywords []string

	// Rate is the playback hint copied onto the lane's turns. Zero uses
	// the conversation default.
	Rate float64

	GroupTimeout time.Duration
}

// Option configures a [Lane].
type Option func(*Lane)

// WithLight signals l when recording starts and when a new group begins.
func WithLight(l Listener) Option {
	return func(ln *Lane) { ln.light = l }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(ln *Lane) { ln.log = l }
}

// Lane streams one microphone into the conversation.
type Lane struct {
	cfg   Config
	stt   stt.Provider
	conv  Inserter
	light Listener
	log   *slog.Logger

	mode atomic.Value // Mode
}

// NewLane returns a lane that is not running yet.
func NewLane(cfg Config, p stt.Provider, conv Inserter, opts ...Option) *Lane {
	if cfg.GroupTimeout <= 0 {
		cfg.GroupTimeout = DefaultGroupTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeManual
	}
	l := &Lane{cfg: cfg, stt: p, conv: conv}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("lane", cfg.Name)
	l.mode.Store(cfg.Mode)
	return l
}

// Name returns the lane's label.
func (l *Lane) Name() string { return l.cfg.Name }

// Mode returns the current mode.
func (l *Lane) Mode() Mode { return l.mode.Load().(Mode) }

// SetMode switches the mode for groups that start afterwards.
func (l *Lane) SetMode(m Mode) { l.mode.Store(m) }

// Run captures from src until ctx ends or the recognition session closes.
// It returns nil on a clean shutdown.
func (l *Lane) Run(ctx context.Context, src audio.Source) error {
	sess, err := l.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: recognitionFormat.SampleRate,
		Channels:   recognitionFormat.Channels,
		Language:   l.cfg.Language,
		Keywords:   l.cfg.Keywords,
	})
	if err != nil {
		return fmt.Errorf("listen: %s: start recognition: %w", l.cfg.Name, err)
	}
	defer sess.Close()

	from := src.Format()
	err = src.Start(ctx, func(pcm []byte) {
		if err := sess.SendAudio(audio.Convert(pcm, from, recognitionFormat)); err != nil {
			l.log.Debug("listen: dropped audio", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("listen: %s: start capture: %w", l.cfg.Name, err)
	}
	defer src.Stop()

	l.log.Info("listen: recording", "mode", l.Mode(), "language", l.cfg.Language)
	l.signal()

	g := &group{lane: l}
	defer g.end()

	timer := time.NewTimer(l.cfg.GroupTimeout)
	timer.Stop()
	defer timer.Stop()

	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			g.partial(ctx, t.Text)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Text == "" {
				continue
			}
			g.final(ctx, t.Text)
			timer.Reset(l.cfg.GroupTimeout)
		case <-timer.C:
			g.end()
		}
	}
	return nil
}

func (l *Lane) signal() {
	if l.light != nil {
		l.light.Listen()
	}
}

// group is the recognition group in progress. base holds the text committed
// by finals that has not been split off yet.
type group struct {
	lane    *Lane
	seg     *segment.Segmenter
	base    string
	started time.Time
	timed   bool
}

func (g *group) ensure(ctx context.Context) {
	if g.seg != nil {
		return
	}
	l := g.lane
	g.seg = segment.New(segment.WithMarker(segment.Interactive))
	g.base, g.started, g.timed = "", time.Now(), false

	var opts []conversation.OngoingOption
	if l.Mode() == ModeAutomatic {
		opts = append(opts, conversation.AutoAccept())
	}
	l.conv.InsertOngoing(ctx, g.seg, conversation.RoleUser, l.cfg.Name+": ", l.cfg.Rate, opts...)
	l.signal()
}

func (g *group) partial(ctx context.Context, text string) {
	g.ensure(ctx)
	g.seg.Update(g.base + text)
}

func (g *group) final(ctx context.Context, text string) {
	g.ensure(ctx)
	if !g.timed {
		g.seg.SetInitialLatency(time.Since(g.started))
		g.timed = true
	}
	g.seg.Update(g.base)
	g.seg.Append(text + " ")
	g.base = g.seg.Text()
}

func (g *group) end() {
	if g.seg == nil {
		return
	}
	g.seg.Complete()
	g.seg, g.base = nil, ""
}

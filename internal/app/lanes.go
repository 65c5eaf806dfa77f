package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/chandaliar/internal/listen"
	"github.com/MrWong99/chandaliar/pkg/audio"
)

// Default restart parameters for recognition lanes.
const (
	defaultLaneBackoff    = 1 * time.Second
	defaultLaneMaxBackoff = 30 * time.Second
)

// laneSupervisor keeps one microphone lane running. A recognition session
// ends whenever the backend drops the stream, so the lane is restarted with
// exponential backoff until the context ends. A run that lasted longer than
// maxBackoff resets the backoff.
type laneSupervisor struct {
	lane       *listen.Lane
	src        audio.Source
	backoff    time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

func newLaneSupervisor(lane *listen.Lane, src audio.Source, backoff time.Duration, log *slog.Logger) *laneSupervisor {
	if backoff <= 0 {
		backoff = defaultLaneBackoff
	}
	return &laneSupervisor{
		lane:       lane,
		src:        src,
		backoff:    backoff,
		maxBackoff: max(defaultLaneMaxBackoff, backoff),
		log:        log.With("lane", lane.Name()),
	}
}

// Name implements [api.Microphone].
func (s *laneSupervisor) Name() string { return s.lane.Name() }

// Mode implements [api.Microphone].
func (s *laneSupervisor) Mode() listen.Mode { return s.lane.Mode() }

// SetMode implements [api.Microphone].
func (s *laneSupervisor) SetMode(m listen.Mode) { s.lane.SetMode(m) }

// run blocks until ctx ends. It never fails; lane errors are logged and
// retried.
func (s *laneSupervisor) run(ctx context.Context) error {
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := s.lane.Run(ctx, s.src)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn("lane stopped", "attempt", attempt, "err", err)
		} else {
			s.log.Info("recognition session ended", "attempt", attempt)
		}

		if time.Since(started) > s.maxBackoff {
			delay = s.backoff
		}
		s.log.Debug("restarting lane", "backoff", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, s.maxBackoff)
	}
}

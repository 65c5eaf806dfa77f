package light

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/chandaliar/internal/resilience"
)

// Color is one lamp command. Channels range 0..255, Gain 0..100.
type Color struct {
	Red   int
	Green int
	Blue  int
	White int
	Gain  int
}

// Sink receives lamp commands.
type Sink interface {
	Send(ctx context.Context, c Color) error
	Off(ctx context.Context) error
}

// named is implemented by sinks that label their metrics.
type named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(named); ok {
		return n.Name()
	}
	return "light"
}

// Multi fans every command out to all sinks. It keeps going after a failure
// and returns the joined errors.
type Multi []Sink

var _ Sink = Multi(nil)

// Name implements named.
func (m Multi) Name() string { return "multi" }

// Send implements [Sink].
func (m Multi) Send(ctx context.Context, c Color) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sinkName(s), err))
		}
	}
	return errors.Join(errs...)
}

// Off implements [Sink].
func (m Multi) Off(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Off(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sinkName(s), err))
		}
	}
	return errors.Join(errs...)
}

// Guarded puts a circuit breaker in front of a sink so an unreachable lamp
// is not hammered twenty times a second.
type Guarded struct {
	inner Sink
	cb    *resilience.CircuitBreaker
}

var _ Sink = (*Guarded)(nil)

// NewGuarded wraps inner. The breaker is named after the sink.
func NewGuarded(inner Sink, cfg resilience.CircuitBreakerConfig) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "light/" + sinkName(inner)
	}
	return &Guarded{inner: inner, cb: resilience.NewCircuitBreaker(cfg)}
}

// Name implements named.
func (g *Guarded) Name() string { return sinkName(g.inner) }

// Breaker returns the underlying circuit breaker.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.cb }

// Send implements [Sink]. It returns [resilience.ErrCircuitOpen] while the
// breaker is open.
func (g *Guarded) Send(ctx context.Context, c Color) error {
	return g.cb.Execute(func() error { return g.inner.Send(ctx, c) })
}

// Off implements [Sink]. Off always reaches the inner sink.
func (g *Guarded) Off(ctx context.Context) error {
	return g.inner.Off(ctx)
}

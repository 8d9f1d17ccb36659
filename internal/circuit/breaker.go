// Package circuit stops a host from hammering a remote service that keeps
// failing. A breaker counts consecutive transport failures; once it trips,
// calls fail fast until the cool-down elapses and a trial call succeeds.
package circuit

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
)

// State is the breaker state.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Counts are the request tallies of the current generation.
type Counts = gobreaker.Counts

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold consecutive failures trip the breaker. Zero means 5.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Timeout is how long a tripped breaker rejects calls before letting
	// trial calls through. Zero means 30s.
	Timeout time.Duration `yaml:"timeout"`

	// HalfOpenRequests is how many trial calls may run at once. Zero means 1.
	HalfOpenRequests uint32 `yaml:"half_open_requests"`

	// Interval clears the counts of a closed breaker periodically. Zero
	// keeps them until the next state change.
	Interval time.Duration `yaml:"interval"`

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// DefaultConfig returns the settings used when a host enables a breaker
// without tuning it.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Timeout: 30 * time.Second, HalfOpenRequests: 1}
}

// Breaker guards the calls of one host. A nil *Breaker passes every call
// through.
type Breaker struct {
	name   string
	logger *zap.Logger
	cb     *gobreaker.CircuitBreaker[struct{}]
}

// New creates a breaker named after the host it guards.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	d := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = d.HalfOpenRequests
	}

	b := &Breaker{name: name, logger: logging.OrNop(logger).Named("circuit")}
	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: IsHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.logger.Warn("Circuit opened", zap.String("host", name), zap.Duration("cool_down", cfg.Timeout))
			} else {
				b.logger.Info("Circuit state changed", zap.String("host", name),
					zap.String("from", from.String()), zap.String("to", to.String()))
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})
	return b
}

// IsHealthy reports whether err says the remote side is reachable. Answers
// like "not found" or "permission denied" come from a working service and
// do not count against it; neither does a caller giving up.
func IsHealthy(err error) bool {
	if err == nil {
		return true
	}
	switch errors.KindOf(err) {
	case errors.KindNetworkFailure, errors.KindUnexpectedEOF:
		return false
	case errors.KindCancelled:
		return true
	}
	return !errors.IsRetryable(err)
}

// Do runs fn unless the breaker is open. Hosts wrap a whole retried
// operation, so one exhausted retry loop counts as one failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	switch {
	case stderrors.Is(err, gobreaker.ErrOpenState):
		return errors.New(errors.KindNetworkFailure, "service unavailable, too many recent failures").
			WithRetryable(false).WithComponent(b.name).WithCause(err)
	case stderrors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.New(errors.KindNetworkFailure, "service recovering, trial call in progress").
			WithRetryable(false).WithComponent(b.name).WithCause(err)
	}
	return err
}

// State returns the current state. A nil breaker is always closed.
func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	return b.cb.State()
}

// Counts returns the tallies of the current generation.
func (b *Breaker) Counts() Counts {
	if b == nil {
		return Counts{}
	}
	return b.cb.Counts()
}

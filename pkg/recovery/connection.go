// Package recovery keeps a single logical connection usable across drops:
// the next operation after a loss dials again instead of failing.
package recovery

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/logging"
)

// ConnectionState represents the state of a managed connection
type ConnectionState int

const (
	// StateDisconnected indicates no active connection
	StateDisconnected ConnectionState = iota

	// StateConnecting indicates the first connection attempt is in progress
	StateConnecting

	// StateConnected indicates active healthy connection
	StateConnected

	// StateReconnecting indicates a previously working connection is being restored
	StateReconnecting

	// StateFailed indicates the last reconnect failed; the next operation dials again
	StateFailed

	// StateClosed indicates the session was closed and cannot be used
	StateClosed
)

// String returns the string representation of connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures connection management behavior
type Config struct {
	// ConnectionTimeout bounds a single dial
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// ReconnectDelay is the delay before the second and later dial attempts
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnectDelay caps the backoff between dial attempts
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`

	// ReconnectBackoffMultiplier increases the delay after each failed attempt
	ReconnectBackoffMultiplier float64 `yaml:"reconnect_backoff_multiplier"`

	// MaxReconnectAttempts is the number of dials tried when restoring a lost connection
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ProbeAfter runs the probe on checkout when the connection idled longer
	ProbeAfter time.Duration `yaml:"probe_after"`

	// Logger for connection events
	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout:          30 * time.Second,
		ReconnectDelay:             250 * time.Millisecond,
		MaxReconnectDelay:          5 * time.Second,
		ReconnectBackoffMultiplier: 2.0,
		MaxReconnectAttempts:       2,
		ProbeAfter:                 30 * time.Second,
	}
}

// Dialer establishes a new connection.
type Dialer[T any] func(ctx context.Context) (T, error)

// Hooks customises how a session treats its connections. All fields are
// optional.
type Hooks[T any] struct {
	// Close releases a connection
	Close func(T) error

	// Probe checks that an idle connection still works
	Probe func(ctx context.Context, conn T) error

	// Lost reports whether an operation error means the connection is gone.
	// Defaults to any NetworkFailure.
	Lost func(err error) bool
}

// Session owns one connection of type T and restores it transparently.
// Operations through Do are serialized by the caller; the session itself is
// safe for concurrent use.
type Session[T any] struct {
	name   string
	config Config
	dial   Dialer[T]
	hooks  Hooks[T]
	logger *zap.Logger

	mu          sync.Mutex
	state       ConnectionState
	conn        T
	hasConn     bool
	everUp      bool
	connectedAt time.Time
	lastUsed    time.Time
	lastError   error
	dials       int
	reconnects  int
}

// Stats provides connection statistics
type Stats struct {
	Name        string          `json:"name"`
	State       ConnectionState `json:"state"`
	Connected   bool            `json:"connected"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
	Uptime      time.Duration   `json:"uptime"`
	Dials       int             `json:"dials"`
	Reconnects  int             `json:"reconnects"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewSession creates a disconnected session. Nothing is dialed until the
// first Get or Do.
func NewSession[T any](name string, config Config, dial Dialer[T], hooks Hooks[T]) *Session[T] {
	defaults := DefaultConfig()
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if config.ReconnectBackoffMultiplier <= 0 {
		config.ReconnectBackoffMultiplier = defaults.ReconnectBackoffMultiplier
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = defaults.MaxReconnectDelay
	}
	if hooks.Lost == nil {
		hooks.Lost = func(err error) bool { return errors.IsKind(err, errors.KindNetworkFailure) }
	}

	return &Session[T]{
		name:   name,
		config: config,
		dial:   dial,
		hooks:  hooks,
		logger: logging.OrNop(config.Logger).With(zap.String("session", name)),
		state:  StateDisconnected,
	}
}

// Get returns the live connection, dialing if there is none. A dial that
// restores a previously working connection is retried up to
// MaxReconnectAttempts times; failure surfaces as NetworkFailure unless the
// server rejected the credentials.
func (s *Session[T]) Get(ctx context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.state == StateClosed {
		return zero, errors.New(errors.KindInvalidCall, "session is closed").WithComponent(s.name)
	}

	if s.hasConn {
		if s.hooks.Probe != nil && s.config.ProbeAfter > 0 && time.Since(s.lastUsed) > s.config.ProbeAfter {
			if err := s.hooks.Probe(ctx, s.conn); err != nil {
				s.logger.Info("Idle connection failed probe", logging.Err(err))
				s.dropLocked(err)
			}
		}
	}
	if s.hasConn {
		s.lastUsed = time.Now()
		return s.conn, nil
	}

	if err := s.connectLocked(ctx); err != nil {
		return zero, err
	}
	return s.conn, nil
}

// Do runs fn with the live connection. When fn fails because the connection
// was lost, the session reconnects once and runs fn again on the new
// connection.
func (s *Session[T]) Do(ctx context.Context, fn func(ctx context.Context, conn T) error) error {
	conn, err := s.Get(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx, conn)
	if err == nil || !s.hooks.Lost(err) || ctx.Err() != nil {
		return err
	}

	s.logger.Info("Connection lost, reconnecting", logging.Err(err))
	s.Invalidate(err)

	conn, rerr := s.Get(ctx)
	if rerr != nil {
		return rerr
	}
	return fn(ctx, conn)
}

// Invalidate closes the current connection; the next Get dials again.
func (s *Session[T]) Invalidate(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(cause)
}

// dropLocked closes the connection (must be called with lock held)
func (s *Session[T]) dropLocked(cause error) {
	if !s.hasConn {
		return
	}
	if s.hooks.Close != nil {
		if err := s.hooks.Close(s.conn); err != nil {
			s.logger.Debug("Error closing connection", zap.Error(err))
		}
	}
	var zero T
	s.conn = zero
	s.hasConn = false
	s.lastError = cause
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
}

// connectLocked dials with backoff (must be called with lock held)
func (s *Session[T]) connectLocked(ctx context.Context) error {
	restoring := s.everUp
	attempts := 1
	if restoring {
		s.state = StateReconnecting
		attempts = s.config.MaxReconnectAttempts
	} else {
		s.state = StateConnecting
	}

	delay := s.config.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.state = StateDisconnected
				return errors.FromContext(ctx).WithComponent(s.name)
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * s.config.ReconnectBackoffMultiplier)
			if delay > s.config.MaxReconnectDelay {
				delay = s.config.MaxReconnectDelay
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectionTimeout)
		conn, err := s.dial(dialCtx)
		cancel()
		s.dials++
		if err == nil {
			s.conn = conn
			s.hasConn = true
			s.everUp = true
			s.state = StateConnected
			s.connectedAt = time.Now()
			s.lastUsed = s.connectedAt
			s.lastError = nil
			if restoring {
				s.reconnects++
				s.logger.Info("Connection restored", zap.Int("attempt", attempt))
			} else {
				s.logger.Debug("Connection established")
			}
			return nil
		}

		lastErr = err
		s.logger.Warn("Connection attempt failed", zap.Int("attempt", attempt), logging.Err(err))

		if ctx.Err() != nil {
			s.state = StateDisconnected
			return errors.FromContext(ctx).WithComponent(s.name)
		}
		// Rejected credentials will not improve with another dial.
		if errors.IsKind(err, errors.KindAuthenticationFailure) {
			break
		}
	}

	s.lastError = lastErr
	if restoring {
		s.state = StateFailed
	} else {
		s.state = StateDisconnected
	}

	switch errors.KindOf(lastErr) {
	case errors.KindAuthenticationFailure, errors.KindProtocolError, errors.KindPermissionDenied:
		return lastErr
	}
	return errors.Wrap(errors.KindNetworkFailure, lastErr, "could not connect").
		WithComponent(s.name).
		WithContext("attempts", strconv.Itoa(attempts))
}

// State returns the current connection state
func (s *Session[T]) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a live connection is held
func (s *Session[T]) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasConn
}

// Stats returns connection statistics
func (s *Session[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Name:       s.name,
		State:      s.state,
		Connected:  s.hasConn,
		Dials:      s.dials,
		Reconnects: s.reconnects,
	}
	if !s.connectedAt.IsZero() {
		at := s.connectedAt
		stats.ConnectedAt = &at
		if s.hasConn {
			stats.Uptime = time.Since(at)
		}
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}

// Close closes the connection. Later calls to Get fail with InvalidCall.
func (s *Session[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.dropLocked(nil)
	s.logger.Debug("Session closed")
	return nil
}

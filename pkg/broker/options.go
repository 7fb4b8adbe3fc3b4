package broker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-dopclient/pkg/clock"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 10 * time.Second
)

// Options contains configuration values for creating a Supervisor using
// NewWithOptions. All fields have reasonable defaults provided by
// DefaultOptions().
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives the retry wait. Defaults to the real clock.
	Clock clock.Clock

	// MaxAttempts bounds automatic reconnects after a loss.
	// Must be positive. Defaults to 5.
	MaxAttempts int

	// Backoff is the fixed wait before each reconnect attempt.
	// Must be positive. Defaults to 10 seconds.
	Backoff time.Duration
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:      slog.Default(),
		Clock:       clock.Real{},
		MaxAttempts: defaultMaxAttempts,
		Backoff:     defaultBackoff,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for retry waits.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRetry sets the reconnect bound and the wait before each attempt.
// Non-positive values keep the defaults.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(s *Supervisor) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithConnectedHandler sets a callback run after every successful
// connection, once tracked topics have been resubscribed.
func WithConnectedHandler(fn func()) Option {
	return func(s *Supervisor) {
		s.onConnected = fn
	}
}

// WithAbandonedHandler sets a callback run when automatic reconnection
// gives up. The error wraps ErrConnectionAbandoned.
func WithAbandonedHandler(fn func(error)) Option {
	return func(s *Supervisor) {
		s.onAbandoned = fn
	}
}

// WithLostHandler sets a callback run when an established connection
// drops. The error wraps ErrConnectionLost.
func WithLostHandler(fn func(error)) Option {
	return func(s *Supervisor) {
		s.onLost = fn
	}
}

// NewWithOptions creates a Supervisor using an Options struct.
// It validates the options and converts them to functional options before
// calling New. Additional functional options override values from the
// struct.
func NewWithOptions(t Transport, ep Endpoint, opts Options, extraOpts ...Option) (*Supervisor, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	optionFns := []Option{
		WithLogger(opts.Logger),
		WithClock(opts.Clock),
		WithRetry(opts.MaxAttempts, opts.Backoff),
	}
	optionFns = append(optionFns, extraOpts...)

	return New(t, ep, optionFns...)
}

func validateOptions(opts Options) error {
	if opts.MaxAttempts < 0 {
		return errors.New("MaxAttempts must be non-negative")
	}
	if opts.Backoff < 0 {
		return errors.New("Backoff must be non-negative")
	}
	return nil
}

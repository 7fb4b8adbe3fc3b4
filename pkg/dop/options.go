package dop

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/cipher"
	"github.com/lightforgemedia/go-dopclient/pkg/clock"
	"github.com/lightforgemedia/go-dopclient/pkg/config"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 10 * time.Second
)

type clientConfig struct {
	logger         *slog.Logger
	transport      broker.Transport
	httpClient     *http.Client
	clock          clock.Clock
	selector       cipher.Selector
	maxAttempts    int
	backoff        time.Duration
	onUnauthorized func(error)
	onAbandoned    func(error)
}

// Options contains configuration values for NewWithOptions. Zero fields
// take the values of DefaultOptions.
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Transport carries broker pushes. Defaults to a NATS transport.
	Transport broker.Transport

	// HTTPClient is used for gateway calls.
	HTTPClient *http.Client

	// Clock drives reconnect waits. Defaults to the real clock.
	Clock clock.Clock

	// CipherSelector picks among acceptable suites. Defaults to
	// cipher.Random.
	CipherSelector cipher.Selector

	// ReconnectAttempts bounds automatic reconnects after a loss.
	ReconnectAttempts int

	// ReconnectBackoff is the wait before each reconnect attempt.
	ReconnectBackoff time.Duration
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		Clock:             clock.Real{},
		CipherSelector:    cipher.Random,
		ReconnectAttempts: defaultMaxAttempts,
		ReconnectBackoff:  defaultBackoff,
	}
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithTransport sets the broker transport.
func WithTransport(t broker.Transport) Option {
	return func(c *Client) {
		if t != nil {
			c.config.transport = t
		}
	}
}

// WithHTTPClient sets the HTTP client used for gateway calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.config.httpClient = hc
		}
	}
}

// WithClock sets the clock used for reconnect waits.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.config.clock = clk
		}
	}
}

// WithCipherSelector overrides the random choice among acceptable suites.
func WithCipherSelector(s cipher.Selector) Option {
	return func(c *Client) {
		if s != nil {
			c.config.selector = s
		}
	}
}

// WithRetry sets the reconnect bound and the fixed wait before each
// attempt. Non-positive values keep the defaults.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.config.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			c.config.backoff = backoff
		}
	}
}

// WithUnauthorizedHandler is called when the gateway answers 401. The
// session has already been invalidated when it runs.
func WithUnauthorizedHandler(fn func(error)) Option {
	return func(c *Client) {
		c.config.onUnauthorized = fn
	}
}

// WithAbandonedHandler is called when broker reconnection gives up.
func WithAbandonedHandler(fn func(error)) Option {
	return func(c *Client) {
		c.config.onAbandoned = fn
	}
}

// NewWithOptions creates a Client using an Options struct. Additional
// functional options override values from the struct.
func NewWithOptions(cfg *config.ClientConfig, opts Options, extraOpts ...Option) (*Client, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	optionFns := []Option{
		WithLogger(opts.Logger),
		WithTransport(opts.Transport),
		WithHTTPClient(opts.HTTPClient),
		WithClock(opts.Clock),
		WithCipherSelector(opts.CipherSelector),
		WithRetry(opts.ReconnectAttempts, opts.ReconnectBackoff),
	}
	optionFns = append(optionFns, extraOpts...)
	return New(cfg, optionFns...)
}

func validateOptions(opts Options) error {
	if opts.ReconnectAttempts < 0 {
		return errors.New("ReconnectAttempts must be non-negative")
	}
	if opts.ReconnectBackoff < 0 {
		return errors.New("ReconnectBackoff must be non-negative")
	}
	return nil
}

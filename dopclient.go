// Package dopclient is the entry point of the DOP client library. It
// re-exports the client facade and the pieces an application needs to
// configure it.
package dopclient

import (
	"log/slog"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/broker/nats"
	"github.com/lightforgemedia/go-dopclient/pkg/broker/ps"
	"github.com/lightforgemedia/go-dopclient/pkg/broker/ws"
	"github.com/lightforgemedia/go-dopclient/pkg/cipher"
	"github.com/lightforgemedia/go-dopclient/pkg/config"
	"github.com/lightforgemedia/go-dopclient/pkg/dop"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
	"github.com/lightforgemedia/go-dopclient/pkg/registry"
	"github.com/lightforgemedia/go-dopclient/pkg/session"
)

// Re-export core types
type (
	Client       = dop.Client
	Option       = dop.Option
	Options      = dop.Options
	CallOption   = dop.CallOption
	Result       = dop.Result
	ClientConfig = config.ClientConfig
	AuthType     = config.AuthType
	Envelope     = model.Envelope
	Kind         = model.Kind
	Handler      = registry.Handler
	Raw          = registry.Raw
	Session      = session.Session
	Suite        = cipher.Suite
	Descriptor   = cipher.Descriptor
	Transport    = broker.Transport
	State        = broker.State
)

// Re-export error types
var (
	ErrNotReady                 = dop.ErrNotReady
	ErrNotStarted               = session.ErrNotStarted
	ErrConnectionAbandoned      = broker.ErrConnectionAbandoned
	ErrUnknownKind              = registry.ErrUnknownKind
	ErrReservedName             = registry.ErrReservedName
	ErrEncryptionNotEstablished = dop.ErrEncryptionNotEstablished
)

// Re-export client options
var (
	WithLogger              = dop.WithLogger
	WithTransport           = dop.WithTransport
	WithHTTPClient          = dop.WithHTTPClient
	WithClock               = dop.WithClock
	WithCipherSelector      = dop.WithCipherSelector
	WithRetry               = dop.WithRetry
	WithUnauthorizedHandler = dop.WithUnauthorizedHandler
	WithAbandonedHandler    = dop.WithAbandonedHandler
	WithTask                = dop.WithTask
	WithParams              = dop.WithParams
)

const (
	AuthJWT  = config.AuthJWT
	AuthNone = config.AuthNone
)

// New creates a client. See dop.New.
func New(cfg *config.ClientConfig, opts ...dop.Option) (*dop.Client, error) {
	return dop.New(cfg, opts...)
}

// NewWithOptions creates a client from an Options struct.
func NewWithOptions(cfg *config.ClientConfig, opts dop.Options, extra ...dop.Option) (*dop.Client, error) {
	return dop.NewWithOptions(cfg, opts, extra...)
}

// DefaultOptions returns the default client options.
func DefaultOptions() dop.Options {
	return dop.DefaultOptions()
}

// LoadConfig reads a configuration file and the DOP_* environment.
func LoadConfig(path string) (*config.ClientConfig, error) {
	return config.Load(path)
}

// SupportedCiphers returns the ciphers the client can operate.
func SupportedCiphers() []cipher.Descriptor {
	return append([]cipher.Descriptor(nil), cipher.Supported...)
}

// NewNATSTransport creates the default broker transport.
func NewNATSTransport(logger *slog.Logger) broker.Transport {
	return nats.New(nats.WithLogger(logger))
}

// NewWebSocketTransport creates a transport for a websocket push hub.
func NewWebSocketTransport(logger *slog.Logger) broker.Transport {
	return ws.New(ws.WithLogger(logger))
}

// NewInProcessBus creates an in-memory broker. Transports for clients
// come from its NewTransport method.
func NewInProcessBus(logger *slog.Logger) *ps.Bus {
	return ps.NewBus(0, ps.WithLogger(logger))
}

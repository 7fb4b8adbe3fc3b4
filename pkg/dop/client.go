// Package dop is the client facade. It wires the session manager, the
// broker supervisor, the cipher negotiator, the event registry and the
// imperative dispatcher into one Client and exposes one method per
// catalog operation.
package dop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/broker/nats"
	"github.com/lightforgemedia/go-dopclient/pkg/catalog"
	"github.com/lightforgemedia/go-dopclient/pkg/cipher"
	"github.com/lightforgemedia/go-dopclient/pkg/clock"
	"github.com/lightforgemedia/go-dopclient/pkg/config"
	"github.com/lightforgemedia/go-dopclient/pkg/gateway"
	"github.com/lightforgemedia/go-dopclient/pkg/imperative"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
	"github.com/lightforgemedia/go-dopclient/pkg/registry"
	"github.com/lightforgemedia/go-dopclient/pkg/session"
)

var (
	// ErrNotReady is returned by every operation of a client whose
	// configuration failed validation.
	ErrNotReady = imperative.ErrNotReady
	// ErrEncryptionNotEstablished is returned by gated operations sent
	// before the cipher selection was acknowledged.
	ErrEncryptionNotEstablished = imperative.ErrEncryptionNotEstablished
)

// Client talks to a DOP backend over the gateway and the broker.
type Client struct {
	config clientConfig
	cfg    config.ClientConfig
	err    error
	logger *slog.Logger

	gw         *gateway.Client
	sessions   *session.Manager
	negotiator *cipher.Negotiator
	registry   *registry.Registry
	supervisor *broker.Supervisor
	dispatcher *imperative.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	// announced is the session whose pending actions have run; topic is
	// the session topic tracked for it.
	mu        sync.Mutex
	announced session.Session
	topic     string
	token     string
}

// New creates a client for cfg. The client is always returned. When the
// configuration is invalid the error lists every problem as a
// *config.Error, Ready reports false and every operation fails with
// ErrNotReady.
func New(cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: clientConfig{
			logger:      slog.Default(),
			clock:       clock.Real{},
			selector:    cipher.Random,
			maxAttempts: defaultMaxAttempts,
			backoff:     defaultBackoff,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.config.logger

	if cfg == nil {
		c.err = config.Validate(nil)
	} else {
		c.cfg = cfg.Normalized()
		c.err = config.Validate(&c.cfg)
	}
	c.token = c.cfg.Token()
	if c.err != nil {
		c.logger.Error(fmt.Sprintf("Client: configuration rejected (codes %v): %v", config.Codes(c.err), c.err))
	}

	gwOpts := []gateway.Option{gateway.WithLogger(c.logger)}
	if c.config.httpClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(c.config.httpClient))
	}
	c.gw = gateway.New(c.cfg, gwOpts...)

	c.sessions = session.NewManager(c.gw, c.token,
		session.WithLogger(c.logger),
		session.WithClock(c.config.clock))

	c.negotiator = cipher.NewNegotiator(cipher.MatchLocal(c.cfg.Ciphers, cipher.Supported),
		cipher.WithSelector(c.config.selector),
		cipher.WithLogger(c.logger))

	c.registry = registry.New(registry.WithLogger(c.logger),
		registry.WithClock(c.config.clock),
		registry.WithFilter(c.isCurrent))
	c.registry.Intercept(model.KindClientReady, c.onClientReady)
	c.registry.Intercept(model.KindCipherSuiteSelection, c.onCipherSuiteSelection)

	transport := c.config.transport
	if transport == nil {
		transport = nats.New(nats.WithLogger(c.logger))
	}
	sup, err := broker.New(transport,
		broker.Endpoint{Host: c.cfg.BrokerHost, Port: c.cfg.BrokerPort, UseTLS: c.cfg.TLS},
		broker.WithLogger(c.logger),
		broker.WithClock(c.config.clock),
		broker.WithRetry(c.config.maxAttempts, c.config.backoff),
		broker.WithConnectedHandler(c.handlePendingActions),
		broker.WithAbandonedHandler(c.handleAbandoned))
	if err != nil {
		cancel()
		return nil, err
	}
	sup.SetMessageHandler(c.registry.Deliver)
	c.supervisor = sup

	dispatchOpts := []imperative.Option{
		imperative.WithLogger(c.logger),
		imperative.WithUnauthorizedHandler(func() { c.dropSession(gateway.ErrUnauthorized) }),
	}
	if c.err != nil {
		dispatchOpts = append(dispatchOpts, imperative.WithNotReady(c.err))
	}
	c.dispatcher = imperative.New(c.gw, c.negotiator, c.bearer, dispatchOpts...)

	return c, c.err
}

// Ready reports whether the configuration was accepted.
func (c *Client) Ready() bool {
	return c.err == nil
}

// Err returns the configuration error, if any.
func (c *Client) Err() error {
	return c.err
}

// Config returns the normalized configuration.
func (c *Client) Config() config.ClientConfig {
	return c.cfg.Normalized()
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// UpdateToken replaces the configured gateway token. The active session is
// kept; the new token is sent with the next request.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.sessions.SetToken(token)
	c.logger.Info("Client: gateway token updated")
}

func (c *Client) notReady() error {
	return fmt.Errorf("%w: %v", ErrNotReady, c.err)
}

// Connect dials the broker. A failed first attempt is returned and not
// retried; losses after a successful connect are retried automatically.
func (c *Client) Connect(ctx context.Context) error {
	if c.err != nil {
		return c.notReady()
	}
	return c.supervisor.Connect(ctx)
}

// StartSession requests a session for identity. A 401 invalidates any
// active session and runs the unauthorized handler.
func (c *Client) StartSession(ctx context.Context, identity string) (session.Session, error) {
	if c.err != nil {
		return session.Session{}, c.notReady()
	}
	s, err := c.sessions.Start(ctx, identity)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			c.dropSession(err)
		}
		return session.Session{}, err
	}

	c.mu.Lock()
	if !sameSession(c.announced, s) {
		c.negotiator.Reset()
	}
	c.mu.Unlock()

	c.handlePendingActions()
	return s, nil
}

func sameSession(a, b session.Session) bool {
	return a.ID == b.ID && a.AuthToken == b.AuthToken && a.StartedAt.Equal(b.StartedAt)
}

// handlePendingActions subscribes the session topic and announces the
// client once both the broker connection and the session exist. It runs
// from both trigger sites and acts once per session.
func (c *Client) handlePendingActions() {
	if c.supervisor.State() != broker.StateConnected {
		return
	}
	s, err := c.sessions.Current()
	if err != nil {
		return
	}

	c.mu.Lock()
	if sameSession(c.announced, s) {
		c.mu.Unlock()
		return
	}
	c.announced = s
	c.negotiator.Reset()
	prev := c.topic
	topic := c.cfg.SessionTopic(s.ID)
	c.topic = topic
	c.mu.Unlock()

	if prev != "" && prev != topic {
		c.logger.Info(fmt.Sprintf("Client %s: leaving %s", s.ID, prev))
		c.supervisor.Unsubscribe(prev)
	}
	c.logger.Info(fmt.Sprintf("Client %s: subscribing to %s and announcing readiness", s.ID, topic))
	c.supervisor.Subscribe(topic)

	if res := c.send(c.ctx, model.KindClientReady, nil); !res.OK() {
		c.logger.Error(fmt.Sprintf("Client %s: %s failed (%d): %s", s.ID, model.KindClientReady, res.Code, res.Message))
		// The next connect or StartSession announces again.
		c.mu.Lock()
		if sameSession(c.announced, s) {
			c.announced = session.Session{}
		}
		c.mu.Unlock()
	}
}

func (c *Client) dropSession(cause error) {
	c.sessions.Invalidate()
	c.mu.Lock()
	c.announced = session.Session{}
	c.negotiator.Reset()
	topic := c.topic
	c.topic = ""
	c.mu.Unlock()

	if topic != "" {
		c.supervisor.Unsubscribe(topic)
	}

	if fn := c.config.onUnauthorized; fn != nil {
		fn(cause)
	}
}

func (c *Client) handleAbandoned(err error) {
	c.logger.Error(fmt.Sprintf("Client: broker connection abandoned: %v", err))
	if fn := c.config.onAbandoned; fn != nil {
		fn(err)
	}
}

// isCurrent reports whether a push belongs to the active session. Pushes
// without a session are accepted; pushes of earlier sessions only reach
// the raw observer.
func (c *Client) isCurrent(env *model.Envelope) bool {
	if env.Session == "" {
		return true
	}
	s, err := c.sessions.Current()
	return err == nil && s.ID == env.Session
}

func (c *Client) onClientReady(env *model.Envelope) {
	raw, ok := env.Param(model.ParamCipherSuites)
	if !ok {
		c.logger.Error(fmt.Sprintf("Client: %s push carries no %s", env.Event, model.ParamCipherSuites))
		return
	}
	pool, err := cipher.ParsePool(raw)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Client: unreadable cipher pool: %v", err))
		return
	}
	if len(pool) == 0 {
		c.logger.Warn("Client: backend offered an empty cipher pool")
		return
	}

	c.negotiator.SetPool(pool)
	suite, fresh, ok := c.negotiator.Select()
	if !ok {
		c.logger.Error(fmt.Sprintf("Client: no offered cipher matches the supported set %v", c.negotiator.Matched()))
		return
	}
	if !fresh {
		return
	}
	if !suite.IsNone() {
		c.logger.Error(fmt.Sprintf("Client: cipher %q selected but no key exchange is available for it", suite.Name))
		return
	}

	c.logger.Info("Client: none cipher selected, message-level encryption is not used")
	res := c.send(c.ctx, model.KindCipherSuiteSelection, map[string]any{
		"cipher_suite": suite.Params(),
		"cipher_key":   "",
	})
	if !res.OK() {
		c.logger.Error(fmt.Sprintf("Client: %s failed (%d): %s", model.KindCipherSuiteSelection, res.Code, res.Message))
		c.negotiator.Reset()
	}
}

func (c *Client) onCipherSuiteSelection(env *model.Envelope) {
	if code := env.ErrCode(); code != 0 {
		c.logger.Error(fmt.Sprintf("Client: backend rejected the cipher selection with error %d", code))
		return
	}
	if c.negotiator.MarkEstablished() {
		c.logger.Info("Client: encryption established")
	} else {
		c.logger.Warn("Client: selection acknowledged but nothing was selected")
	}
}

// send builds kind for the active session and dispatches it.
func (c *Client) send(ctx context.Context, kind model.Kind, fields map[string]any, opts ...CallOption) imperative.Result {
	if c.err != nil {
		err := c.notReady()
		return imperative.Result{Code: imperative.CodeTransport, Message: err.Error(), Err: err}
	}
	s, err := c.sessions.Current()
	if err != nil {
		return imperative.Result{Code: imperative.CodeTransport, Message: err.Error(), Err: err}
	}
	env, err := catalog.Build(kind, s.ID, s.AuthToken, fields, opts...)
	if err != nil {
		return imperative.Result{Code: imperative.CodeTransport, Message: err.Error(), Err: err}
	}
	return c.dispatcher.Send(ctx, env, catalog.Privileged(kind))
}

// On registers the handler for a catalog or sentinel event kind,
// replacing any previous one.
func (c *Client) On(kind model.Kind, h registry.Handler) error {
	return c.registry.Register(kind, h)
}

// OnCustom registers the handler for an application-defined event name.
func (c *Client) OnCustom(name string, h registry.Handler) error {
	return c.registry.RegisterCustom(name, h)
}

// SetMessageHandler installs an observer that sees every well-formed push
// before it is routed.
func (c *Client) SetMessageHandler(fn func(registry.Raw)) {
	c.registry.SetObserver(fn)
}

// EncryptionEstablished reports whether the backend acknowledged the
// cipher selection.
func (c *Client) EncryptionEstablished() bool {
	return c.negotiator.Established()
}

// SelectedCipher returns the selected suite, if any.
func (c *Client) SelectedCipher() (cipher.Suite, bool) {
	return c.negotiator.Selected()
}

// State returns the broker connection state.
func (c *Client) State() broker.State {
	return c.supervisor.State()
}

// Session returns the active session.
func (c *Client) Session() (session.Session, error) {
	return c.sessions.Current()
}

// Close stops reconnection and closes the broker connection.
func (c *Client) Close() error {
	c.cancel()
	return c.supervisor.Close()
}

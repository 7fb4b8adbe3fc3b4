// Package nats provides a NATS implementation of broker.Transport.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
)

const defaultPendingMessages = 256

// Transport is a broker.Transport backed by a NATS connection. Automatic
// reconnection in the NATS client is disabled; the supervisor owns retry.
type Transport struct {
	logger   *slog.Logger
	url      string
	natsOpts []nats.Option

	mu        sync.Mutex
	conn      *nats.Conn
	msgs      chan *nats.Msg
	done      chan struct{}
	subs      map[string]*nats.Subscription
	closing   bool
	onMessage func(broker.Message)
	onLost    func(error)
}

var _ broker.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithURL dials url instead of the host and port passed to Connect.
func WithURL(url string) Option {
	return func(t *Transport) {
		t.url = url
	}
}

// WithNATSOptions appends options for the NATS connection.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(t *Transport) {
		t.natsOpts = append(t.natsOpts, opts...)
	}
}

// New creates a NATS transport.
func New(opts ...Option) *Transport {
	t := &Transport{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) serverURL(opts broker.ConnectOptions) string {
	if t.url != "" {
		return t.url
	}
	scheme := "nats"
	if opts.UseTLS {
		scheme = "tls"
	}
	return scheme + "://" + opts.Host + ":" + strconv.Itoa(opts.Port)
}

// Connect implements broker.Transport. A previous connection is closed
// first without reporting a loss.
func (t *Transport) Connect(ctx context.Context, opts broker.ConnectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.closeCurrent()

	msgs := make(chan *nats.Msg, defaultPendingMessages)
	done := make(chan struct{})
	natsOpts := []nats.Option{
		nats.Name(opts.ClientID),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			t.handleDisconnect(c, err)
		}),
	}
	if opts.UseTLS {
		natsOpts = append(natsOpts, nats.Secure())
	}
	natsOpts = append(natsOpts, t.natsOpts...)

	url := t.serverURL(opts)
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	t.mu.Lock()
	t.conn = nc
	t.msgs = msgs
	t.done = done
	t.subs = make(map[string]*nats.Subscription)
	t.closing = false
	t.mu.Unlock()

	go t.readLoop(msgs, done)
	t.logger.Info(fmt.Sprintf("NATS %s: connected to %s", opts.ClientID, nc.ConnectedUrl()))
	return nil
}

func (t *Transport) readLoop(msgs chan *nats.Msg, done chan struct{}) {
	for {
		var m *nats.Msg
		select {
		case m = <-msgs:
		case <-done:
			return
		}
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(broker.Message{Topic: m.Subject, Payload: m.Data})
		}
	}
}

func (t *Transport) handleDisconnect(c *nats.Conn, err error) {
	t.mu.Lock()
	if t.conn != c || t.closing {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	done := t.done
	t.msgs = nil
	t.done = nil
	fn := t.onLost
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	if err == nil {
		err = errors.New("nats: disconnected")
	}
	t.logger.Warn(fmt.Sprintf("NATS: disconnected: %v", err))
	if fn != nil {
		fn(err)
	}
}

// Subscribe implements broker.Transport. All subscriptions share one
// delivery channel so messages keep connection order.
func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return broker.ErrNotConnected
	}
	if _, exists := t.subs[topic]; exists {
		return nil
	}
	sub, err := t.conn.ChanSubscribe(topic, t.msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	t.subs[topic] = sub
	return nil
}

// Unsubscribe implements broker.Transport.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return broker.ErrNotConnected
	}
	sub, exists := t.subs[topic]
	if !exists {
		return nil
	}
	delete(t.subs, topic)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from topic: %w", err)
	}
	return nil
}

// Publish implements broker.Transport.
func (t *Transport) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()
	if nc == nil {
		return broker.ErrNotConnected
	}
	return nc.Publish(topic, payload)
}

// SetMessageHandler implements broker.Transport.
func (t *Transport) SetMessageHandler(fn func(broker.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// SetConnectionLostHandler implements broker.Transport.
func (t *Transport) SetConnectionLostHandler(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLost = fn
}

// Close implements broker.Transport.
func (t *Transport) Close() error {
	t.closeCurrent()
	return nil
}

func (t *Transport) closeCurrent() {
	t.mu.Lock()
	nc := t.conn
	done := t.done
	subs := t.subs
	t.conn = nil
	t.msgs = nil
	t.done = nil
	t.subs = nil
	t.closing = true
	t.mu.Unlock()

	if nc == nil {
		return
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	nc.Close()
	if done != nil {
		close(done)
	}
}

// Publisher publishes raw payloads to NATS subjects. The development
// gateway uses it to push replies to clients on a NATS broker.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to url.
func NewPublisher(url string, opts ...nats.Option) (*Publisher, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Publisher{conn: nc}, nil
}

// Publish sends payload on topic.
func (p *Publisher) Publish(topic string, payload []byte) error {
	if err := p.conn.Publish(topic, payload); err != nil {
		return err
	}
	return p.conn.Flush()
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

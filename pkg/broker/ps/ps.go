// Package ps is an in-process broker built on cskr/pubsub. It serves as
// the transport for tests and for clients embedded next to the gateway,
// and it can inject connection faults.
package ps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
)

const defaultQueueLength = 64

var (
	// ErrRefused is returned by Connect while connect failures are injected.
	ErrRefused = errors.New("ps: connection refused")
	// ErrBusClosed is returned after the bus is closed.
	ErrBusClosed = errors.New("ps: bus closed")
	// ErrDropped is the default cause reported for injected drops.
	ErrDropped = errors.New("ps: connection dropped")
)

type delivery struct {
	topic   string
	payload []byte
}

// Bus is the shared in-process broker.
type Bus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*conn
	failNext int
	closed   bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates a bus whose per-connection queue holds queueLength
// messages. Zero selects the default.
func NewBus(queueLength int, opts ...Option) *Bus {
	if queueLength <= 0 {
		queueLength = defaultQueueLength
	}
	b := &Bus{
		ps:     pubsub.New(queueLength),
		logger: slog.Default(),
		conns:  make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans payload out to every connection subscribed to topic.
func (b *Bus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	b.logger.Debug(fmt.Sprintf("Bus: publishing %d bytes to %s", len(payload), topic))
	b.ps.Pub(delivery{topic: topic, payload: append([]byte(nil), payload...)}, topic)
	return nil
}

// FailNextConnects makes the next n Connect calls fail with ErrRefused.
func (b *Bus) FailNextConnects(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Clients returns the ids of the live connections.
func (b *Bus) Clients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.conns))
	for id := range b.conns {
		out = append(out, id)
	}
	return out
}

// Drop severs the connection of clientID. Its transport reports cause
// through the connection-lost handler.
func (b *Bus) Drop(clientID string, cause error) bool {
	b.mu.Lock()
	c, ok := b.conns[clientID]
	if ok {
		delete(b.conns, clientID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	if cause == nil {
		cause = ErrDropped
	}
	b.logger.Info(fmt.Sprintf("Bus: dropping client %s: %v", clientID, cause))
	c.sever(cause)
	return true
}

// DropAll severs every live connection.
func (b *Bus) DropAll(cause error) {
	for _, id := range b.Clients() {
		b.Drop(id, cause)
	}
}

// Close severs every connection and shuts the bus down.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := b.conns
	b.conns = make(map[string]*conn)
	b.mu.Unlock()

	for _, c := range conns {
		c.sever(ErrBusClosed)
	}
	b.ps.Shutdown()
}

func (b *Bus) register(clientID string) (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.failNext > 0 {
		b.failNext--
		return nil, ErrRefused
	}
	// The control topic keeps the channel registered until it is severed.
	c := &conn{
		bus:      b,
		clientID: clientID,
		ch:       b.ps.Sub(controlTopic(clientID)),
		done:     make(chan struct{}),
	}
	b.conns[clientID] = c
	return c, nil
}

func (b *Bus) unregister(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns[c.clientID] == c {
		delete(b.conns, c.clientID)
	}
}

func controlTopic(clientID string) string {
	return "$conn/" + clientID
}

// conn is one connection of a transport to the bus.
type conn struct {
	bus      *Bus
	clientID string
	ch       chan interface{}
	done     chan struct{}

	mu     sync.Mutex
	cause  error
	silent bool
	once   sync.Once
}

func (c *conn) sever(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.done)
		go c.bus.ps.Unsub(c.ch)
	})
}

func (c *conn) closeSilently() {
	c.mu.Lock()
	c.silent = true
	c.mu.Unlock()
	c.bus.unregister(c)
	c.sever(nil)
}

// Transport connects a client to a Bus. It implements broker.Transport.
type Transport struct {
	bus    *Bus
	logger *slog.Logger

	mu        sync.Mutex
	current   *conn
	onMessage func(broker.Message)
	onLost    func(error)
}

var _ broker.Transport = (*Transport)(nil)

// NewTransport returns a transport attached to b.
func (b *Bus) NewTransport() *Transport {
	return &Transport{bus: b, logger: b.logger}
}

// Connect implements broker.Transport. Host, port and TLS are ignored.
func (t *Transport) Connect(ctx context.Context, opts broker.ConnectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	prev := t.current
	t.current = nil
	t.mu.Unlock()
	if prev != nil {
		prev.closeSilently()
	}

	c, err := t.bus.register(opts.ClientID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.current = c
	t.mu.Unlock()

	go t.readLoop(c)
	t.logger.Debug(fmt.Sprintf("Transport %s: connected to bus", opts.ClientID))
	return nil
}

func (t *Transport) readLoop(c *conn) {
	for item := range c.ch {
		select {
		case <-c.done:
			continue
		default:
		}
		d, ok := item.(delivery)
		if !ok {
			continue
		}
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(broker.Message{Topic: d.topic, QoS: 0, Payload: d.payload})
		}
	}

	c.mu.Lock()
	cause, silent := c.cause, c.silent
	c.mu.Unlock()

	t.mu.Lock()
	if t.current == c {
		t.current = nil
	}
	fn := t.onLost
	t.mu.Unlock()

	if !silent && fn != nil {
		fn(cause)
	}
}

// Subscribe implements broker.Transport.
func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()
	if c == nil {
		return broker.ErrNotConnected
	}
	select {
	case <-c.done:
		return broker.ErrNotConnected
	default:
	}
	t.bus.ps.AddSub(c.ch, topic)
	return nil
}

// Unsubscribe implements broker.Transport. The control topic keeps the
// connection channel open when its last topic goes.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()
	if c == nil {
		return broker.ErrNotConnected
	}
	select {
	case <-c.done:
		return broker.ErrNotConnected
	default:
	}
	t.bus.ps.Unsub(c.ch, topic)
	return nil
}

// Publish implements broker.Transport.
func (t *Transport) Publish(topic string, payload []byte) error {
	return t.bus.Publish(topic, payload)
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
	t.mu.Lock()
	c := t.current
	t.current = nil
	t.mu.Unlock()
	if c != nil {
		c.closeSilently()
	}
	return nil
}

package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
)

// ErrDialRefused is the default error of a scripted connect failure.
var ErrDialRefused = errors.New("testutil: dial refused")

// FakeTransport is a scripted broker.Transport. Connect results are
// taken from a queue; an empty queue means success.
type FakeTransport struct {
	mu         sync.Mutex
	results    []error
	connects   []broker.ConnectOptions
	subscribed []string
	unsubbed   []string
	published  []broker.Message
	connected  bool
	closed     bool
	onMessage  func(broker.Message)
	onLost     func(error)
}

var _ broker.Transport = (*FakeTransport)(nil)

// NewFakeTransport returns a transport whose connects succeed.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// FailNext queues n failing connects.
func (f *FakeTransport) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.results = append(f.results, ErrDialRefused)
	}
}

// Connect implements broker.Transport.
func (f *FakeTransport) Connect(_ context.Context, opts broker.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, opts)
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

// Subscribe implements broker.Transport.
func (f *FakeTransport) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return broker.ErrNotConnected
	}
	f.subscribed = append(f.subscribed, topic)
	return nil
}

// Unsubscribe implements broker.Transport.
func (f *FakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return broker.ErrNotConnected
	}
	f.unsubbed = append(f.unsubbed, topic)
	return nil
}

// Publish implements broker.Transport.
func (f *FakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, broker.Message{Topic: topic, Payload: payload})
	return nil
}

// SetMessageHandler implements broker.Transport.
func (f *FakeTransport) SetMessageHandler(fn func(broker.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

// SetConnectionLostHandler implements broker.Transport.
func (f *FakeTransport) SetConnectionLostHandler(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = fn
}

// Close implements broker.Transport.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	return nil
}

// Drop simulates a connection loss with cause.
func (f *FakeTransport) Drop(cause error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onLost
	f.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
}

// Push delivers a message as if it arrived from the broker.
func (f *FakeTransport) Push(topic string, payload []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(broker.Message{Topic: topic, Payload: payload})
	}
}

// Connects returns every connect call in order.
func (f *FakeTransport) Connects() []broker.ConnectOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.ConnectOptions(nil), f.connects...)
}

// Subscribed returns every topic subscribed, in order, across connections.
func (f *FakeTransport) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

// Unsubscribed returns every topic unsubscribed, in order.
func (f *FakeTransport) Unsubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubbed...)
}

// Published returns every published message.
func (f *FakeTransport) Published() []broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Message(nil), f.published...)
}

// Closed reports whether Close was called.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Package broker supervises the publish/subscribe connection that carries
// server pushes to the client.
package broker

import "context"

// Message is a push received from the broker.
type Message struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// ConnectOptions are passed to Transport.Connect on every dial.
type ConnectOptions struct {
	Host     string
	Port     int
	ClientID string
	UseTLS   bool
}

// Transport is a broker client. Implementations must allow Connect to be
// called again after the connection was lost, and must deliver messages of
// one connection from a single goroutine.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	// SetMessageHandler installs the push callback.
	SetMessageHandler(fn func(Message))
	// SetConnectionLostHandler installs the callback invoked once when an
	// established connection drops. A nil error means a clean close.
	SetConnectionLostHandler(fn func(error))
	Close() error
}

package nats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
)

func TestServerURL(t *testing.T) {
	tr := New()
	assert.Equal(t, "nats://broker.local:4222", tr.serverURL(broker.ConnectOptions{Host: "broker.local", Port: 4222}))
	assert.Equal(t, "tls://broker.local:4443", tr.serverURL(broker.ConnectOptions{Host: "broker.local", Port: 4443, UseTLS: true}))
	assert.Equal(t, "nats://override:1", New(WithURL("nats://override:1")).serverURL(broker.ConnectOptions{}))
}

func TestNotConnected(t *testing.T) {
	tr := New()
	assert.ErrorIs(t, tr.Subscribe("events/S1"), broker.ErrNotConnected)
	assert.ErrorIs(t, tr.Unsubscribe("events/S1"), broker.ErrNotConnected)
	assert.ErrorIs(t, tr.Publish("events/S1", nil), broker.ErrNotConnected)
	assert.NoError(t, tr.Close())
}

func TestConnectRefused(t *testing.T) {
	tr := New(WithURL("nats://127.0.0.1:1"), WithNATSOptions(nats.Timeout(200*time.Millisecond)))
	err := tr.Connect(context.Background(), broker.ConnectOptions{ClientID: "CLID_x"})
	assert.Error(t, err)
}

// TestTransportRoundTrip tests delivery through a live server.
func TestTransportRoundTrip(t *testing.T) {
	// Skip if no NATS server is running
	if !isNATSServerRunning() {
		t.Skip("Skipping test because no NATS server is running")
	}

	tr := New(WithURL(nats.DefaultURL))
	defer tr.Close()

	var mu sync.Mutex
	var got []string
	tr.SetMessageHandler(func(m broker.Message) {
		mu.Lock()
		got = append(got, string(m.Payload))
		mu.Unlock()
	})
	require.NoError(t, tr.Connect(context.Background(), broker.ConnectOptions{ClientID: "CLID_test"}))
	require.NoError(t, tr.Subscribe("events/S1"))
	require.NoError(t, tr.Subscribe("events/S1"))

	pub, err := NewPublisher(nats.DefaultURL)
	require.NoError(t, err)
	defer pub.Close()

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, pub.Publish("events/S1", []byte(p)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func isNATSServerRunning() bool {
	nc, err := nats.Connect(nats.DefaultURL)
	if err != nil {
		return false
	}
	nc.Close()
	return true
}

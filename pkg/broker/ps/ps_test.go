package ps_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/broker/ps"
	"github.com/lightforgemedia/go-dopclient/pkg/clock"
	"github.com/lightforgemedia/go-dopclient/pkg/testutil"
)

type collector struct {
	mu   sync.Mutex
	msgs []broker.Message
}

func (c *collector) add(m broker.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func TestTransportPubSub(t *testing.T) {
	bus := ps.NewBus(0, ps.WithLogger(testutil.DefaultLogger))
	defer bus.Close()

	tr := bus.NewTransport()
	var got collector
	tr.SetMessageHandler(got.add)

	require.NoError(t, tr.Connect(context.Background(), broker.ConnectOptions{ClientID: "CLID_a"}))
	require.NoError(t, tr.Subscribe("events/S1"))

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, bus.Publish("events/S1", []byte(p)))
	}
	require.NoError(t, bus.Publish("events/other", []byte("x")))

	require.NoError(t, testutil.WaitFor(t, "three messages", time.Second, func() bool {
		return len(got.payloads()) == 3
	}))
	assert.Equal(t, []string{"1", "2", "3"}, got.payloads(), "order is preserved")
	assert.Equal(t, []string{"CLID_a"}, bus.Clients())

	t.Run("Unsubscribe keeps the connection", func(t *testing.T) {
		lost := make(chan error, 1)
		tr.SetConnectionLostHandler(func(err error) { lost <- err })

		require.NoError(t, tr.Unsubscribe("events/S1"))
		require.NoError(t, tr.Subscribe("events/S2"))
		require.NoError(t, bus.Publish("events/S1", []byte("4")))
		require.NoError(t, bus.Publish("events/S2", []byte("5")))

		require.NoError(t, testutil.WaitFor(t, "message on the remaining topic", time.Second, func() bool {
			return len(got.payloads()) == 4
		}))
		assert.Equal(t, []string{"1", "2", "3", "5"}, got.payloads())
		select {
		case err := <-lost:
			t.Fatalf("connection reported lost: %v", err)
		default:
		}
	})
}

func TestTransportDrop(t *testing.T) {
	bus := ps.NewBus(0)
	defer bus.Close()

	tr := bus.NewTransport()
	lost := make(chan error, 1)
	tr.SetConnectionLostHandler(func(err error) { lost <- err })

	require.NoError(t, tr.Connect(context.Background(), broker.ConnectOptions{ClientID: "CLID_b"}))
	cause := errors.New("network partition")
	assert.True(t, bus.Drop("CLID_b", cause))

	select {
	case err := <-lost:
		assert.Equal(t, cause, err)
	case <-time.After(time.Second):
		t.Fatal("connection lost handler not called")
	}
	assert.ErrorIs(t, tr.Subscribe("events/S1"), broker.ErrNotConnected)
	assert.False(t, bus.Drop("CLID_b", cause))
}

func TestTransportCloseIsSilent(t *testing.T) {
	bus := ps.NewBus(0)
	defer bus.Close()

	tr := bus.NewTransport()
	lost := make(chan error, 1)
	tr.SetConnectionLostHandler(func(err error) { lost <- err })
	require.NoError(t, tr.Connect(context.Background(), broker.ConnectOptions{ClientID: "CLID_c"}))
	require.NoError(t, tr.Close())

	select {
	case err := <-lost:
		t.Fatalf("unexpected loss report: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, bus.Clients())
}

func TestFailNextConnects(t *testing.T) {
	bus := ps.NewBus(0)
	defer bus.Close()
	bus.FailNextConnects(1)

	tr := bus.NewTransport()
	assert.ErrorIs(t, tr.Connect(context.Background(), broker.ConnectOptions{ClientID: "x"}), ps.ErrRefused)
	assert.NoError(t, tr.Connect(context.Background(), broker.ConnectOptions{ClientID: "x"}))
}

func TestSupervisorOverBus(t *testing.T) {
	bus := ps.NewBus(0)
	defer bus.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	sup, err := broker.New(bus.NewTransport(), broker.Endpoint{Host: "in-process"},
		broker.WithClock(fc), broker.WithRetry(5, time.Second), broker.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	defer sup.Close()

	var got collector
	sup.SetMessageHandler(got.add)
	require.NoError(t, sup.Connect(context.Background()))
	sup.Subscribe("events/S1")

	bus.FailNextConnects(1)
	bus.DropAll(nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, testutil.WaitFor(t, "retry wait", time.Second, func() bool {
			return fc.Waiters() == 1
		}))
		fc.Advance(time.Second)
	}
	require.NoError(t, testutil.WaitFor(t, "reconnected", time.Second, func() bool {
		return sup.State() == broker.StateConnected
	}))

	require.NoError(t, testutil.WaitFor(t, "resubscribed", time.Second, func() bool {
		_ = bus.Publish("events/S1", []byte("after"))
		return len(got.payloads()) > 0
	}))
	assert.Equal(t, "after", got.payloads()[0])
}

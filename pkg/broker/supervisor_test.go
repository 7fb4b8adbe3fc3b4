package broker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/clock"
	"github.com/lightforgemedia/go-dopclient/pkg/testutil"
)

const backoff = 10 * time.Second

var ep = broker.Endpoint{Host: "broker.test", Port: 1883}

func newSupervisor(t *testing.T, tr broker.Transport, opts ...broker.Option) (*broker.Supervisor, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	base := []broker.Option{
		broker.WithLogger(testutil.DefaultLogger),
		broker.WithClock(fc),
		broker.WithRetry(5, backoff),
	}
	s, err := broker.New(tr, ep, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, fc
}

// tick waits for the reconnect loop to block on the clock and releases it.
func tick(t *testing.T, fc *clock.Fake) {
	t.Helper()
	require.NoError(t, testutil.WaitFor(t, "retry wait", time.Second, func() bool {
		return fc.Waiters() == 1
	}))
	fc.Advance(backoff)
}

func TestConnect(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		tr := testutil.NewFakeTransport()
		var connected atomic.Int32
		s, _ := newSupervisor(t, tr, broker.WithConnectedHandler(func() { connected.Add(1) }))

		require.NoError(t, s.Connect(context.Background()))
		assert.Equal(t, broker.StateConnected, s.State())
		assert.Equal(t, int32(1), connected.Load())
		assert.True(t, strings.HasPrefix(s.ClientID(), broker.ClientIDPrefix))

		conns := tr.Connects()
		require.Len(t, conns, 1)
		assert.Equal(t, "broker.test", conns[0].Host)
		assert.Equal(t, 1883, conns[0].Port)
		assert.Equal(t, s.ClientID(), conns[0].ClientID)
	})

	t.Run("Fresh client id per connect", func(t *testing.T) {
		tr := testutil.NewFakeTransport()
		s, _ := newSupervisor(t, tr)
		require.NoError(t, s.Connect(context.Background()))
		first := s.ClientID()
		require.NoError(t, s.Connect(context.Background()))
		assert.NotEqual(t, first, s.ClientID())
	})

	t.Run("Initial failure is not retried", func(t *testing.T) {
		tr := testutil.NewFakeTransport()
		tr.FailNext(1)
		s, fc := newSupervisor(t, tr)

		err := s.Connect(context.Background())
		var ce *broker.ConnectError
		require.True(t, errors.As(err, &ce))
		assert.ErrorIs(t, err, testutil.ErrDialRefused)
		assert.Equal(t, broker.StateDisconnected, s.State())

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, fc.Waiters())
		assert.Len(t, tr.Connects(), 1)
	})

	t.Run("Closed supervisor", func(t *testing.T) {
		s, _ := newSupervisor(t, testutil.NewFakeTransport())
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Connect(context.Background()), broker.ErrClosed)
	})
}

func TestSubscribe(t *testing.T) {
	tr := testutil.NewFakeTransport()
	s, _ := newSupervisor(t, tr)

	s.Subscribe("events/early")
	assert.Empty(t, tr.Subscribed(), "nothing is sent before connecting")

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []string{"events/early"}, tr.Subscribed())

	s.Subscribe("events/S1")
	s.Subscribe("events/S1")
	assert.Equal(t, []string{"events/early", "events/S1"}, tr.Subscribed())
	assert.Equal(t, []string{"events/early", "events/S1"}, s.Topics())
}

func TestUnsubscribe(t *testing.T) {
	tr := testutil.NewFakeTransport()
	s, fc := newSupervisor(t, tr)

	s.Unsubscribe("events/unknown")
	s.Subscribe("events/S1")
	s.Unsubscribe("events/S1")
	assert.Empty(t, s.Topics())
	assert.Empty(t, tr.Unsubscribed(), "nothing is sent before connecting")

	require.NoError(t, s.Connect(context.Background()))
	assert.Empty(t, tr.Subscribed())

	s.Subscribe("events/S1")
	s.Subscribe("events/S2")
	s.Unsubscribe("events/S1")
	assert.Equal(t, []string{"events/S1"}, tr.Unsubscribed())
	assert.Equal(t, []string{"events/S2"}, s.Topics())

	tr.Drop(errors.New("lost"))
	tick(t, fc)
	require.NoError(t, testutil.WaitFor(t, "reconnected", time.Second, func() bool {
		return s.State() == broker.StateConnected
	}))
	assert.Equal(t, []string{"events/S1", "events/S2", "events/S2"}, tr.Subscribed(), "only tracked topics are restored")
}

func TestReconnect(t *testing.T) {
	t.Run("Abandons after max attempts", func(t *testing.T) {
		tr := testutil.NewFakeTransport()
		abandoned := make(chan error, 1)
		var lost atomic.Int32
		s, fc := newSupervisor(t, tr,
			broker.WithAbandonedHandler(func(err error) { abandoned <- err }),
			broker.WithLostHandler(func(err error) {
				assert.ErrorIs(t, err, broker.ErrConnectionLost)
				lost.Add(1)
			}))
		require.NoError(t, s.Connect(context.Background()))

		tr.FailNext(10)
		tr.Drop(errors.New("socket reset"))
		assert.Equal(t, int32(1), lost.Load())

		for i := 1; i <= 5; i++ {
			tick(t, fc)
			require.NoError(t, testutil.WaitFor(t, "dial", time.Second, func() bool {
				return len(tr.Connects()) == 1+i
			}))
			if i < 5 {
				require.NoError(t, testutil.WaitFor(t, "next retry wait", time.Second, func() bool {
					return fc.Waiters() == 1
				}))
				assert.Equal(t, broker.StateConnecting, s.State(), "still retrying after attempt %d", i)
			}
		}

		select {
		case err := <-abandoned:
			assert.ErrorIs(t, err, broker.ErrConnectionAbandoned)
		case <-time.After(time.Second):
			t.Fatal("abandoned handler not called")
		}
		assert.Equal(t, broker.StateDisconnected, s.State())
		assert.Len(t, tr.Connects(), 6, "initial connect plus five retries")
		assert.Equal(t, 0, fc.Waiters())
	})

	t.Run("Success resubscribes and resets the counter", func(t *testing.T) {
		tr := testutil.NewFakeTransport()
		var connected atomic.Int32
		s, fc := newSupervisor(t, tr, broker.WithConnectedHandler(func() { connected.Add(1) }))
		require.NoError(t, s.Connect(context.Background()))
		s.Subscribe("events/S1")
		s.Subscribe("events/S2")

		tr.FailNext(2)
		tr.Drop(errors.New("broker restarted"))
		assert.Equal(t, broker.StateConnecting, s.State())

		for i := 0; i < 3; i++ {
			tick(t, fc)
		}
		require.NoError(t, testutil.WaitFor(t, "reconnected", time.Second, func() bool {
			return s.State() == broker.StateConnected
		}))

		assert.Equal(t, 0, s.Attempts())
		assert.Equal(t, int32(2), connected.Load())
		assert.Equal(t, []string{"events/S1", "events/S2", "events/S1", "events/S2"}, tr.Subscribed())

		s.Subscribe("events/S1")
		assert.Len(t, tr.Subscribed(), 4, "no duplicate subscription on the same connection")

		tr.FailNext(4)
		tr.Drop(errors.New("again"))
		for i := 0; i < 5; i++ {
			tick(t, fc)
		}
		require.NoError(t, testutil.WaitFor(t, "reconnected with a fresh budget", time.Second, func() bool {
			return s.State() == broker.StateConnected
		}))
	})

	t.Run("Clean close does not retry", func(t *testing.T) {
		tr := testutil.NewFakeTransport()
		s, fc := newSupervisor(t, tr)
		require.NoError(t, s.Connect(context.Background()))

		tr.Drop(nil)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, fc.Waiters())
		assert.Equal(t, broker.StateDisconnected, s.State())
	})

	t.Run("External connect supersedes the retry loop", func(t *testing.T) {
		tr := testutil.NewFakeTransport()
		s, fc := newSupervisor(t, tr)
		require.NoError(t, s.Connect(context.Background()))

		tr.Drop(errors.New("lost"))
		require.NoError(t, testutil.WaitFor(t, "retry wait", time.Second, func() bool {
			return fc.Waiters() == 1
		}))

		require.NoError(t, s.Connect(context.Background()))
		require.Len(t, tr.Connects(), 2)

		fc.Advance(backoff)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, tr.Connects(), 2, "stale loop must not dial")
		assert.Equal(t, broker.StateConnected, s.State())
	})

	t.Run("Close stops the retry loop", func(t *testing.T) {
		tr := testutil.NewFakeTransport()
		s, fc := newSupervisor(t, tr)
		require.NoError(t, s.Connect(context.Background()))

		tr.Drop(errors.New("lost"))
		require.NoError(t, testutil.WaitFor(t, "retry wait", time.Second, func() bool {
			return fc.Waiters() == 1
		}))
		require.NoError(t, s.Close())
		fc.Advance(backoff)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, tr.Connects(), 1)
		assert.True(t, tr.Closed())
	})
}

func TestMessageOrder(t *testing.T) {
	tr := testutil.NewFakeTransport()
	s, _ := newSupervisor(t, tr)

	var mu sync.Mutex
	var got []string
	s.SetMessageHandler(func(m broker.Message) {
		mu.Lock()
		got = append(got, string(m.Payload))
		mu.Unlock()
	})
	require.NoError(t, s.Connect(context.Background()))

	for _, p := range []string{"1", "2", "3"} {
		tr.Push("events/S1", []byte(p))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestPublish(t *testing.T) {
	tr := testutil.NewFakeTransport()
	s, _ := newSupervisor(t, tr)
	assert.ErrorIs(t, s.Publish("t", nil), broker.ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Publish("t", []byte("x")))
	assert.Len(t, tr.Published(), 1)
}

func TestNewWithOptions(t *testing.T) {
	opts := broker.DefaultOptions()
	opts.MaxAttempts = -1
	_, err := broker.NewWithOptions(testutil.NewFakeTransport(), ep, opts)
	assert.Error(t, err)

	_, err = broker.New(nil, ep)
	assert.ErrorIs(t, err, broker.ErrNilTransport)

	s, err := broker.NewWithOptions(testutil.NewFakeTransport(), ep, broker.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, broker.StateDisconnected, s.State())
	require.NoError(t, s.Close())
}

package registry

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/clock"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRegistry(t *testing.T) (*Registry, *syncBuffer) {
	t.Helper()
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(WithLogger(logger), WithClock(clock.NewFake(time.Unix(100, 0)))), &logs
}

func push(event string) broker.Message {
	return broker.Message{
		Topic:   "events/S1",
		QoS:     1,
		Payload: []byte(`{"session":"S1","task":"7","event":"` + event + `","params":{"err":0}}`),
	}
}

func TestRegister(t *testing.T) {
	r, _ := newRegistry(t)

	assert.NoError(t, r.Register(model.KindProductsList, func(*model.Envelope) {}))
	assert.NoError(t, r.Register(model.KindOther, func(*model.Envelope) {}))
	assert.ErrorIs(t, r.Register(model.Kind("dop_bogus"), func(*model.Envelope) {}), ErrUnknownKind)

	assert.NoError(t, r.RegisterCustom("my_app_event", func(*model.Envelope) {}))
	assert.ErrorIs(t, r.RegisterCustom("dop_products_list", func(*model.Envelope) {}), ErrReservedName)
	assert.ErrorIs(t, r.RegisterCustom("other", func(*model.Envelope) {}), ErrReservedName)
	assert.ErrorIs(t, r.RegisterCustom("", func(*model.Envelope) {}), ErrReservedName)
}

func TestDeliver(t *testing.T) {
	t.Run("Typed handler wins over other", func(t *testing.T) {
		r, _ := newRegistry(t)
		var typed, other int
		require.NoError(t, r.Register(model.KindProductsList, func(env *model.Envelope) {
			typed++
			assert.Equal(t, "7", env.TaskID())
		}))
		require.NoError(t, r.Register(model.KindOther, func(*model.Envelope) { other++ }))

		r.Deliver(push("dop_products_list"))
		assert.Equal(t, 1, typed)
		assert.Equal(t, 0, other)
	})

	t.Run("Filtered pushes reach only the observer", func(t *testing.T) {
		r := New(WithLogger(slog.New(slog.NewTextHandler(&syncBuffer{}, nil))),
			WithFilter(func(env *model.Envelope) bool { return env.Session == "S2" }))
		var observed, hooked, handled int
		r.SetObserver(func(Raw) { observed++ })
		r.Intercept(model.KindProductsList, func(*model.Envelope) { hooked++ })
		require.NoError(t, r.Register(model.KindProductsList, func(*model.Envelope) { handled++ }))

		r.Deliver(push("dop_products_list"))
		assert.Equal(t, 1, observed)
		assert.Equal(t, 0, hooked)
		assert.Equal(t, 0, handled)

		msg := push("dop_products_list")
		msg.Payload = []byte(`{"session":"S2","event":"dop_products_list","params":{}}`)
		r.Deliver(msg)
		assert.Equal(t, 2, observed)
		assert.Equal(t, 1, hooked)
		assert.Equal(t, 1, handled)
	})

	t.Run("Re-registration replaces", func(t *testing.T) {
		r, _ := newRegistry(t)
		var first, second int
		require.NoError(t, r.Register(model.KindNewsList, func(*model.Envelope) { first++ }))
		require.NoError(t, r.Register(model.KindNewsList, func(*model.Envelope) { second++ }))
		r.Deliver(push("rif_news_list"))
		assert.Equal(t, 0, first)
		assert.Equal(t, 1, second)
	})

	t.Run("Unregistered kind falls back to other", func(t *testing.T) {
		r, _ := newRegistry(t)
		var got *model.Envelope
		require.NoError(t, r.Register(model.KindOther, func(env *model.Envelope) { got = env }))
		r.Deliver(push("dop_subscription_grant"))
		require.NotNil(t, got)
		assert.Equal(t, "dop_subscription_grant", got.Event)
	})

	t.Run("Custom event", func(t *testing.T) {
		r, _ := newRegistry(t)
		var custom, other int
		require.NoError(t, r.RegisterCustom("my_app_event", func(*model.Envelope) { custom++ }))
		require.NoError(t, r.Register(model.KindOther, func(*model.Envelope) { other++ }))
		r.Deliver(push("my_app_event"))
		r.Deliver(push("unknown_app_event"))
		assert.Equal(t, 1, custom)
		assert.Equal(t, 1, other)
	})

	t.Run("No handler is logged and dropped", func(t *testing.T) {
		r, logs := newRegistry(t)
		r.Deliver(push("dop_products_list"))
		assert.Contains(t, logs.String(), ErrNoHandler.Error())
	})

	t.Run("Malformed payload is logged and dropped", func(t *testing.T) {
		r, logs := newRegistry(t)
		var observed, other int
		r.SetObserver(func(Raw) { observed++ })
		require.NoError(t, r.Register(model.KindOther, func(*model.Envelope) { other++ }))

		r.Deliver(broker.Message{Topic: "events/S1", Payload: []byte(`{not json`)})
		r.Deliver(broker.Message{Topic: "events/S1", Payload: []byte(`{"session":"S1"}`)})
		assert.Equal(t, 0, observed)
		assert.Equal(t, 0, other)
		assert.Contains(t, logs.String(), ErrMalformedPayload.Error())
	})

	t.Run("Observer runs first and hooks before handler", func(t *testing.T) {
		r, _ := newRegistry(t)
		var order []string
		r.SetObserver(func(raw Raw) {
			order = append(order, "observer")
			assert.Equal(t, "events/S1", raw.Topic)
			assert.Equal(t, byte(1), raw.QoS)
			assert.Equal(t, time.Unix(100, 0), raw.Timestamp)
			assert.Equal(t, "dop_client_ready", raw.Message.Event)
		})
		r.Intercept(model.KindClientReady, func(*model.Envelope) { order = append(order, "hook") })
		require.NoError(t, r.Register(model.KindClientReady, func(*model.Envelope) { order = append(order, "handler") }))

		r.Deliver(push("dop_client_ready"))
		assert.Equal(t, []string{"observer", "hook", "handler"}, order)
	})

	t.Run("Hook alone is not a missing handler", func(t *testing.T) {
		r, logs := newRegistry(t)
		var hooked int
		r.Intercept(model.KindCipherSuiteSelection, func(*model.Envelope) { hooked++ })
		r.Deliver(push("dop_cipher_suite_selection"))
		assert.Equal(t, 1, hooked)
		assert.NotContains(t, logs.String(), ErrNoHandler.Error())
	})

	t.Run("Handlers cannot corrupt each other", func(t *testing.T) {
		r, _ := newRegistry(t)
		var seen map[string]any
		r.SetObserver(func(raw Raw) { seen = raw.Message.Params })
		require.NoError(t, r.Register(model.KindLog, func(env *model.Envelope) { env.Params["err"] = 99 }))
		r.Deliver(push("log"))
		assert.Equal(t, float64(0), seen["err"])
	})
}

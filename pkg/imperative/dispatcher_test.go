package imperative_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dopclient/pkg/catalog"
	"github.com/lightforgemedia/go-dopclient/pkg/config"
	"github.com/lightforgemedia/go-dopclient/pkg/gateway"
	"github.com/lightforgemedia/go-dopclient/pkg/imperative"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
	"github.com/lightforgemedia/go-dopclient/pkg/testutil"
)

type gate bool

func (g gate) Established() bool { return bool(g) }

func build(t *testing.T, kind model.Kind) *model.Envelope {
	t.Helper()
	env, err := catalog.Build(kind, "S1", "T1", nil)
	require.NoError(t, err)
	return env
}

func TestSend(t *testing.T) {
	token := func() string { return "T1" }

	t.Run("Gate closed blocks general traffic without a network call", func(t *testing.T) {
		mg := testutil.NewMockGateway(t)
		d := imperative.New(gateway.New(mg.Config(config.AuthJWT, "boot")), gate(false), token)

		res := d.Send(context.Background(), build(t, model.KindProductsList), false)
		assert.Equal(t, imperative.CodeTransport, res.Code)
		assert.ErrorIs(t, res.Err, imperative.ErrEncryptionNotEstablished)
		assert.Empty(t, mg.Requests())
	})

	t.Run("Bootstrap events bypass the gate", func(t *testing.T) {
		mg := testutil.NewMockGateway(t)
		d := imperative.New(gateway.New(mg.Config(config.AuthJWT, "boot")), gate(false), token)

		for _, kind := range []model.Kind{model.KindClientReady, model.KindCipherSuiteSelection} {
			res := d.Send(context.Background(), build(t, kind), false)
			assert.True(t, res.OK(), kind)
		}
		assert.Len(t, mg.RequestsTo("/dop/imperatives"), 2)
	})

	t.Run("Privileged events go to sysadmin and bypass the gate", func(t *testing.T) {
		mg := testutil.NewMockGateway(t)
		d := imperative.New(gateway.New(mg.Config(config.AuthJWT, "boot")), gate(false), token)

		res := d.Send(context.Background(), build(t, model.KindEnableIdentity), true)
		require.True(t, res.OK())
		reqs := mg.RequestsTo("/dop/sysadmin")
		require.Len(t, reqs, 1)
		assert.Equal(t, "Bearer T1", reqs[0].Authorization)
		assert.Equal(t, "dop_enable_identity", reqs[0].Body["event"])
	})

	t.Run("Success returns the sent envelope", func(t *testing.T) {
		mg := testutil.NewMockGateway(t)
		d := imperative.New(gateway.New(mg.Config(config.AuthNone, "")), gate(true), token)

		env := build(t, model.KindPurposeList)
		res := d.Send(context.Background(), env, false)
		require.True(t, res.OK())
		assert.Same(t, env, res.Envelope)
		assert.Empty(t, mg.Requests()[0].Authorization, "auth type none sends no bearer")

		data, err := json.Marshal(res)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, float64(0), decoded["error"])
		assert.Equal(t, "dop_purpose_list", decoded["result"].(map[string]any)["event"])
	})

	t.Run("401 reports and notifies", func(t *testing.T) {
		mg := testutil.NewMockGateway(t)
		mg.SetStatus("/dop/imperatives", http.StatusUnauthorized)
		var notified atomic.Int32
		d := imperative.New(gateway.New(mg.Config(config.AuthJWT, "boot")), gate(true), token,
			imperative.WithUnauthorizedHandler(func() { notified.Add(1) }))

		res := d.Send(context.Background(), build(t, model.KindNewsList), false)
		assert.Equal(t, 401, res.Code)
		assert.Equal(t, "Unauthorized", res.Message)
		assert.ErrorIs(t, res.Err, gateway.ErrUnauthorized)
		assert.Equal(t, int32(1), notified.Load())

		data, err := json.Marshal(res)
		require.NoError(t, err)
		assert.JSONEq(t, `{"error":401,"result":"Unauthorized"}`, string(data))
	})

	t.Run("Other status codes are returned verbatim", func(t *testing.T) {
		mg := testutil.NewMockGateway(t)
		mg.SetStatus("/dop/imperatives", http.StatusBadGateway)
		d := imperative.New(gateway.New(mg.Config(config.AuthJWT, "boot")), gate(true), token)

		res := d.Send(context.Background(), build(t, model.KindNewsList), false)
		assert.Equal(t, 502, res.Code)
		assert.Equal(t, "Bad Gateway", res.Message)
		var te *gateway.TransportError
		assert.True(t, errors.As(res.Err, &te))
	})

	t.Run("Network failure is code 1", func(t *testing.T) {
		mg := testutil.NewMockGateway(t)
		cfg := mg.Config(config.AuthJWT, "boot")
		mg.Server.Close()
		d := imperative.New(gateway.New(cfg), gate(true), token)

		res := d.Send(context.Background(), build(t, model.KindNewsList), false)
		assert.Equal(t, imperative.CodeTransport, res.Code)
		assert.Error(t, res.Err)
	})

	t.Run("Not ready", func(t *testing.T) {
		mg := testutil.NewMockGateway(t)
		d := imperative.New(gateway.New(mg.Config(config.AuthJWT, "boot")), gate(true), token,
			imperative.WithNotReady(&config.Error{Code: config.CodeMissingBrokerHost}))

		res := d.Send(context.Background(), build(t, model.KindNewsList), false)
		assert.Equal(t, imperative.CodeTransport, res.Code)
		assert.ErrorIs(t, res.Err, imperative.ErrNotReady)
		assert.Empty(t, mg.Requests())
	})
}

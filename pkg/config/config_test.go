package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dopclient/pkg/cipher"
)

func strPtr(s string) *string { return &s }

func validConfig() *ClientConfig {
	return &ClientConfig{
		BrokerHost:  "broker.local",
		BrokerPort:  8083,
		GatewayHost: "gw.local",
		GatewayPort: 443,
		Ciphers:     []cipher.Descriptor{{ID: 2, Cipher: "none"}},
		AuthType:    AuthNone,
		AuthToken:   strPtr(""),
	}
}

func TestValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, Validate(validConfig()))
	})

	t.Run("Nil config", func(t *testing.T) {
		err := Validate(nil)
		require.Error(t, err)
		assert.Equal(t, []int{CodeMissingOptions}, Codes(err))
	})

	t.Run("Empty config reports every missing field", func(t *testing.T) {
		err := Validate(&ClientConfig{})
		require.Error(t, err)
		assert.ElementsMatch(t, []int{
			CodeMissingBrokerHost,
			CodeMissingBrokerPort,
			CodeMissingGatewayHost,
			CodeMissingGatewayPort,
			CodeMissingCiphers,
			CodeMissingAuthType,
			CodeMissingAuthToken,
		}, Codes(err))
		assert.True(t, errors.Is(err, &Error{Code: CodeMissingAuthToken}))
	})

	t.Run("Empty token is present", func(t *testing.T) {
		cfg := validConfig()
		cfg.AuthToken = strPtr("")
		assert.NoError(t, Validate(cfg))
	})

	t.Run("Unsupported auth type", func(t *testing.T) {
		cfg := validConfig()
		cfg.AuthType = "basic"
		assert.Equal(t, []int{CodeUnsupportedAuth}, Codes(Validate(cfg)))
	})

	t.Run("No locally supported cipher", func(t *testing.T) {
		cfg := validConfig()
		cfg.Ciphers = []cipher.Descriptor{{ID: 7, Cipher: "aes", Mode: "gcm"}}
		err := Validate(cfg)
		assert.Equal(t, []int{CodeNoMatchedCipher}, Codes(err))
		var ce *Error
		require.True(t, errors.As(err, &ce))
		assert.Contains(t, ce.Error(), "11909")
	})
}

func TestNormalized(t *testing.T) {
	cfg := validConfig()
	n := cfg.Normalized()
	assert.Equal(t, DefaultMainTopic, n.MainTopic)
	assert.Equal(t, DefaultBasePath, n.BasePath)

	cfg.MainTopic = "tenant"
	cfg.BasePath = "api/"
	n = cfg.Normalized()
	assert.Equal(t, "tenant/", n.MainTopic)
	assert.Equal(t, "/api", n.BasePath)
	assert.Equal(t, "tenant/S1", n.SessionTopic("S1"))

	*n.AuthToken = "changed"
	assert.Equal(t, "", cfg.Token())
}

func TestGatewayURL(t *testing.T) {
	cfg := validConfig().Normalized()
	assert.Equal(t, "http://gw.local:443/dop/imperatives", cfg.GatewayURL("imperatives"))
	cfg.TLS = true
	assert.Equal(t, "https://gw.local:443/dop/startsession", cfg.GatewayURL("/startsession"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("abc.def.ghi\n"), 0o600))

	path := filepath.Join(dir, "dop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  host: broker.local
  port: 8083
gateway:
  host: gw.local
  port: 8443
main_topic: tenant
ciphers:
  - id: 2
    cipher: none
    mode: ""
auth:
  type: jwt
  token_file: `+tokenFile+`
`), 0o600))

	t.Run("File", func(t *testing.T) {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "broker.local", cfg.BrokerHost)
		assert.Equal(t, 8443, cfg.GatewayPort)
		assert.Equal(t, "tenant/", cfg.MainTopic)
		assert.Equal(t, AuthJWT, cfg.AuthType)
		assert.Equal(t, "abc.def.ghi", cfg.Token())
		assert.Equal(t, []cipher.Descriptor{{ID: 2, Cipher: "none"}}, cfg.Ciphers)
	})

	t.Run("Environment overrides file", func(t *testing.T) {
		t.Setenv("DOP_BROKER_HOST", "other.local")
		t.Setenv("DOP_AUTH_TOKEN", "from-env")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "other.local", cfg.BrokerHost)
		assert.Equal(t, "from-env", cfg.Token())
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("Validation errors are returned", func(t *testing.T) {
		empty := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(empty, []byte("main_topic: x\n"), 0o600))
		cfg, err := Load(empty)
		require.Error(t, err)
		require.NotNil(t, cfg)
		assert.Contains(t, Codes(err), CodeMissingBrokerHost)
		assert.Contains(t, Codes(err), CodeMissingAuthToken)
	})
}

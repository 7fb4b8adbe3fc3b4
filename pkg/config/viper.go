package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/lightforgemedia/go-dopclient/pkg/cipher"
)

// EnvPrefix is the prefix of environment overrides (DOP_BROKER_HOST, ...).
const EnvPrefix = "DOP"

// Load reads the client configuration from file and environment using
// viper. Environment values take precedence over the file. The auth token
// comes from auth.token, DOP_AUTH_TOKEN or the file named by
// auth.token_file, in that order.
func Load(configPath string) (*ClientConfig, error) {
	v := NewViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return FromViper(v)
}

// NewViper returns a viper instance with the client defaults and
// environment binding installed. The CLI binds its flags on top of it.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("broker.port", 1883)
	v.SetDefault("tls", false)
	v.SetDefault("gateway.port", 443)
	v.SetDefault("gateway.base_path", DefaultBasePath)
	v.SetDefault("main_topic", "")
	v.SetDefault("auth.type", string(AuthNone))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	return v
}

// FromViper builds and validates a ClientConfig from v.
func FromViper(v *viper.Viper) (*ClientConfig, error) {
	cfg := &ClientConfig{
		BrokerHost:  v.GetString("broker.host"),
		BrokerPort:  v.GetInt("broker.port"),
		GatewayHost: v.GetString("gateway.host"),
		GatewayPort: v.GetInt("gateway.port"),
		TLS:         v.GetBool("tls"),
		MainTopic:   v.GetString("main_topic"),
		AuthType:    AuthType(v.GetString("auth.type")),
		BasePath:    v.GetString("gateway.base_path"),
	}

	var ciphers []cipher.Descriptor
	if err := v.UnmarshalKey("ciphers", &ciphers); err != nil {
		return nil, fmt.Errorf("failed to decode ciphers: %w", err)
	}
	cfg.Ciphers = ciphers

	token, err := loadToken(v)
	if err != nil {
		return nil, err
	}
	cfg.AuthToken = token

	normalized := cfg.Normalized()
	if err := Validate(&normalized); err != nil {
		return &normalized, err
	}
	return &normalized, nil
}

func loadToken(v *viper.Viper) (*string, error) {
	if v.IsSet("auth.token") {
		tok := v.GetString("auth.token")
		return &tok, nil
	}
	path := v.GetString("auth.token_file")
	if path == "" {
		return nil, nil
	}
	tok, err := ReadTokenFile(path)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// ReadTokenFile reads a token from disk, trimming surrounding whitespace.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

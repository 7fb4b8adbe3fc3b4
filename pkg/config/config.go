// Package config holds the client configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lightforgemedia/go-dopclient/pkg/cipher"
)

// AuthType selects how the client authenticates against the gateway.
type AuthType string

const (
	AuthJWT  AuthType = "jwt"
	AuthNone AuthType = "none"
)

const (
	// DefaultMainTopic is the broker topic prefix used when none is configured.
	DefaultMainTopic = "events/"
	// DefaultBasePath is the gateway path prefix.
	DefaultBasePath = "/dop"
)

// Configuration error codes.
const (
	CodeMissingOptions     = 11900
	CodeMissingBrokerHost  = 11901
	CodeMissingBrokerPort  = 11902
	CodeMissingGatewayHost = 11903
	CodeMissingGatewayPort = 11904
	CodeMissingCiphers     = 11905
	CodeMissingAuthType    = 11906
	CodeMissingAuthToken   = 11907
	CodeUnsupportedAuth    = 11908
	CodeNoMatchedCipher    = 11909
)

var codeText = map[int]string{
	CodeMissingOptions:     "missing options",
	CodeMissingBrokerHost:  "missing broker host",
	CodeMissingBrokerPort:  "missing broker port",
	CodeMissingGatewayHost: "missing gateway host",
	CodeMissingGatewayPort: "missing gateway port",
	CodeMissingCiphers:     "missing MLE cipher list",
	CodeMissingAuthType:    "missing auth type",
	CodeMissingAuthToken:   "missing auth token",
	CodeUnsupportedAuth:    "unsupported auth type",
	CodeNoMatchedCipher:    "no acceptable cipher is supported",
}

// Error is a configuration problem identified by a numeric code.
type Error struct {
	Code  int
	Field string
}

func (e *Error) Error() string {
	msg := codeText[e.Code]
	if e.Field != "" {
		return fmt.Sprintf("config %d: %s (%s)", e.Code, msg, e.Field)
	}
	return fmt.Sprintf("config %d: %s", e.Code, msg)
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Codes returns the codes of every *Error found in err.
func Codes(err error) []int {
	var out []int
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if ce, ok := err.(*Error); ok {
			out = append(out, ce.Code)
			return
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		walk(errors.Unwrap(err))
	}
	walk(err)
	return out
}

// ClientConfig is the immutable client configuration.
type ClientConfig struct {
	BrokerHost  string
	BrokerPort  int
	GatewayHost string
	GatewayPort int
	TLS         bool
	MainTopic   string
	Ciphers     []cipher.Descriptor
	AuthType    AuthType
	AuthToken   *string // presence is required, the value may be empty
	BasePath    string
}

// Token returns the configured token, or "" when absent.
func (c *ClientConfig) Token() string {
	if c == nil || c.AuthToken == nil {
		return ""
	}
	return *c.AuthToken
}

// Normalized returns a copy with defaults applied. A configured topic
// always ends with a slash.
func (c ClientConfig) Normalized() ClientConfig {
	out := c
	switch {
	case out.MainTopic == "":
		out.MainTopic = DefaultMainTopic
	case !strings.HasSuffix(out.MainTopic, "/"):
		out.MainTopic += "/"
	}
	if out.BasePath == "" {
		out.BasePath = DefaultBasePath
	}
	out.BasePath = "/" + strings.Trim(out.BasePath, "/")
	out.Ciphers = append([]cipher.Descriptor(nil), c.Ciphers...)
	if c.AuthToken != nil {
		tok := *c.AuthToken
		out.AuthToken = &tok
	}
	return out
}

// SessionTopic is the broker topic carrying pushes for a session.
func (c *ClientConfig) SessionTopic(session string) string {
	return c.MainTopic + session
}

// GatewayURL returns the absolute URL of a gateway endpoint such as
// "startsession".
func (c *ClientConfig) GatewayURL(endpoint string) string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	host := c.GatewayHost + ":" + strconv.Itoa(c.GatewayPort)
	return scheme + "://" + host + c.BasePath + "/" + strings.TrimPrefix(endpoint, "/")
}

// Validate checks every required field and returns all problems joined.
// The locally matched cipher set is also checked.
func Validate(c *ClientConfig) error {
	if c == nil {
		return &Error{Code: CodeMissingOptions}
	}

	var errs []error
	if c.BrokerHost == "" {
		errs = append(errs, &Error{Code: CodeMissingBrokerHost, Field: "broker_host"})
	}
	if c.BrokerPort <= 0 {
		errs = append(errs, &Error{Code: CodeMissingBrokerPort, Field: "broker_port"})
	}
	if c.GatewayHost == "" {
		errs = append(errs, &Error{Code: CodeMissingGatewayHost, Field: "gateway_host"})
	}
	if c.GatewayPort <= 0 {
		errs = append(errs, &Error{Code: CodeMissingGatewayPort, Field: "gateway_port"})
	}
	if len(c.Ciphers) == 0 {
		errs = append(errs, &Error{Code: CodeMissingCiphers, Field: "ciphers"})
	} else if len(cipher.MatchLocal(c.Ciphers, cipher.Supported)) == 0 {
		errs = append(errs, &Error{Code: CodeNoMatchedCipher, Field: "ciphers"})
	}
	switch c.AuthType {
	case "":
		errs = append(errs, &Error{Code: CodeMissingAuthType, Field: "auth_type"})
	case AuthJWT, AuthNone:
	default:
		errs = append(errs, &Error{Code: CodeUnsupportedAuth, Field: string(c.AuthType)})
	}
	if c.AuthToken == nil {
		errs = append(errs, &Error{Code: CodeMissingAuthToken, Field: "auth_token"})
	}
	return errors.Join(errs...)
}

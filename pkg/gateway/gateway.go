// Package gateway is the HTTP transport for session start and imperative
// calls.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lightforgemedia/go-dopclient/pkg/config"
)

// Endpoint names relative to the configured base path.
const (
	EndpointStartSession = "startsession"
	EndpointImperatives  = "imperatives"
	EndpointSysadmin     = "sysadmin"
)

// StatusNetwork is the status reported when no HTTP response was obtained.
const StatusNetwork = 1

// ErrUnauthorized is returned when the gateway answers 401. It is fatal to
// the session and never retried.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// TransportError describes a non-2xx answer or a network failure.
type TransportError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: status %d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway: status %d: %s", e.Status, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Response is a completed HTTP exchange.
type Response struct {
	Status     int
	StatusText string
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Err maps a response to ErrUnauthorized, a *TransportError, or nil.
func (r *Response) Err() error {
	switch {
	case r.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case !r.OK():
		return &TransportError{Status: r.Status, Message: r.StatusText}
	}
	return nil
}

// Client posts JSON documents to the gateway.
type Client struct {
	cfg    config.ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a gateway client for cfg.
func New(cfg config.ClientConfig, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the absolute URL of endpoint.
func (c *Client) URL(endpoint string) string {
	return c.cfg.GatewayURL(endpoint)
}

// Post sends body as JSON to endpoint. A bearer header is added when the
// configured auth type is jwt and token is non-empty. The returned error is
// a *TransportError with Status 1 when no response was obtained; HTTP
// statuses are reported through Response.
func (c *Client) Post(ctx context.Context, endpoint, token string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &TransportError{Status: StatusNetwork, Message: "encode request", Err: err}
	}

	url := c.URL(endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Status: StatusNetwork, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthType == config.AuthJWT && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug(fmt.Sprintf("Gateway: POST %s", url))
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("Gateway: POST %s failed: %v", url, err))
		return nil, &TransportError{Status: StatusNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Status: StatusNetwork, Message: "read response", Err: err}
	}
	return &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Body:       data,
	}, nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	text = strings.TrimSpace(text)
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

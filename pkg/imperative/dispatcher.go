// Package imperative sends request/response operations to the gateway and
// normalizes every outcome into a Result.
package imperative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lightforgemedia/go-dopclient/pkg/gateway"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
)

// CodeTransport is the result code of failures that never reached an HTTP
// status: network errors, a closed gate, or an unusable client.
const CodeTransport = 1

// CodeUnauthorized is the result code of a 401.
const CodeUnauthorized = 401

var (
	// ErrEncryptionNotEstablished is returned for general traffic before
	// the cipher selection has been acknowledged.
	ErrEncryptionNotEstablished = errors.New("imperative: encryption not established")
	// ErrNotReady is returned when the client configuration is invalid.
	ErrNotReady = errors.New("imperative: client not ready")
)

// Result is the outcome of Send. Code 0 means success and Envelope holds
// the sent envelope; otherwise Message describes the failure.
type Result struct {
	Code     int
	Envelope *model.Envelope
	Message  string
	Err      error
}

// OK reports success.
func (r Result) OK() bool { return r.Code == 0 }

// MarshalJSON renders {"error": code, "result": envelope-or-message}.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Error  int `json:"error"`
		Result any `json:"result"`
	}{Error: r.Code}
	if r.Code == 0 {
		out.Result = r.Envelope
	} else {
		out.Result = r.Message
	}
	return json.Marshal(out)
}

func failure(code int, msg string, err error) Result {
	return Result{Code: code, Message: msg, Err: err}
}

// Gate reports whether general traffic may flow.
type Gate interface {
	Established() bool
}

// Poster is the part of the gateway client the dispatcher uses.
type Poster interface {
	Post(ctx context.Context, endpoint, token string, body any) (*gateway.Response, error)
}

// Dispatcher sends envelopes over the gateway.
type Dispatcher struct {
	gw             Poster
	gate           Gate
	token          func() string
	notReady       error
	logger         *slog.Logger
	onUnauthorized func()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithUnauthorizedHandler is called after every 401.
func WithUnauthorizedHandler(fn func()) Option {
	return func(d *Dispatcher) {
		d.onUnauthorized = fn
	}
}

// WithNotReady makes every Send fail with ErrNotReady wrapping cause.
func WithNotReady(cause error) Option {
	return func(d *Dispatcher) {
		d.notReady = cause
	}
}

// New creates a dispatcher. token supplies the bearer token of the
// current session.
func New(gw Poster, gate Gate, token func() string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gw:     gw,
		gate:   gate,
		token:  token,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send posts env. Privileged envelopes go to the sysadmin endpoint and
// bypass the encryption gate, as do the bootstrap events. Send never
// returns an error value; every failure is a Result.
func (d *Dispatcher) Send(ctx context.Context, env *model.Envelope, privileged bool) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error(fmt.Sprintf("Dispatcher: recovered from panic: %v", p))
			res = failure(CodeTransport, fmt.Sprint(p), fmt.Errorf("imperative: panic: %v", p))
		}
	}()

	if d.notReady != nil {
		return failure(CodeTransport, ErrNotReady.Error(), fmt.Errorf("%w: %v", ErrNotReady, d.notReady))
	}
	if env == nil {
		return failure(CodeTransport, "nil envelope", errors.New("imperative: nil envelope"))
	}
	if !privileged && !env.Kind().Bootstrap() && (d.gate == nil || !d.gate.Established()) {
		d.logger.Warn(fmt.Sprintf("Dispatcher: %s blocked: %v", env.Event, ErrEncryptionNotEstablished))
		return failure(CodeTransport, ErrEncryptionNotEstablished.Error(), ErrEncryptionNotEstablished)
	}

	endpoint := gateway.EndpointImperatives
	if privileged {
		endpoint = gateway.EndpointSysadmin
	}
	token := ""
	if d.token != nil {
		token = d.token()
	}

	resp, err := d.gw.Post(ctx, endpoint, token, env)
	if err != nil {
		return failure(CodeTransport, err.Error(), err)
	}
	if resp.Status == CodeUnauthorized {
		d.logger.Warn(fmt.Sprintf("Dispatcher: %s rejected as unauthorized", env.Event))
		if d.onUnauthorized != nil {
			d.onUnauthorized()
		}
		return failure(CodeUnauthorized, "Unauthorized", gateway.ErrUnauthorized)
	}
	if err := resp.Err(); err != nil {
		return failure(resp.Status, resp.StatusText, err)
	}
	return Result{Code: 0, Envelope: env}
}

// Package ws is a broker.Transport over a websocket push channel, speaking
// wsframe frames to the gateway hub.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/wsframe"
)

const (
	defaultPath         = "/ws"
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultAckTimeout   = 5 * time.Second
)

var (
	// ErrSubscriptionRejected is returned by Subscribe and Unsubscribe when
	// the hub acks with an error.
	ErrSubscriptionRejected = errors.New("ws: subscription rejected")
	// ErrAckTimeout is returned when no ack arrives in time.
	ErrAckTimeout = errors.New("ws: subscription ack timed out")
)

// Transport implements broker.Transport over websocket.
type Transport struct {
	logger       *slog.Logger
	path         string
	dialOptions  *websocket.DialOptions
	dialTimeout  time.Duration
	writeTimeout time.Duration
	ackTimeout   time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	pumpDone  <-chan struct{}
	pending   map[string]chan *wsframe.Frame
	clientID  string
	onMessage func(broker.Message)
	onLost    func(error)
}

var _ broker.Transport = (*Transport)(nil)

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPath sets the hub path. Defaults to /ws.
func WithPath(path string) Option {
	return func(t *Transport) {
		if path != "" {
			t.path = path
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(t *Transport) {
		t.dialOptions = opts
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithAckTimeout bounds how long Subscribe waits for the hub's ack.
func WithAckTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.ackTimeout = d
		}
	}
}

// New creates a websocket transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		logger:       slog.Default(),
		path:         defaultPath,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		ackTimeout:   defaultAckTimeout,
		pending:      make(map[string]chan *wsframe.Frame),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// URL returns the hub URL for opts.
func (t *Transport) URL(opts broker.ConnectOptions) string {
	scheme := "ws"
	if opts.UseTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     opts.Host + ":" + strconv.Itoa(opts.Port),
		Path:     t.path,
		RawQuery: url.Values{"client_id": {opts.ClientID}}.Encode(),
	}
	return u.String()
}

// Connect implements broker.Transport. It dials the hub, sends the hello
// frame and starts the read pump.
func (t *Transport) Connect(ctx context.Context, opts broker.ConnectOptions) error {
	t.closeCurrent(websocket.StatusNormalClosure, "stale connection being replaced")

	target := t.URL(opts)
	dialCtx, dialCancel := context.WithTimeout(ctx, t.dialTimeout)
	conn, httpResp, err := websocket.Dial(dialCtx, target, t.dialOptions)
	dialCancel()
	if err != nil {
		errMsg := fmt.Sprintf("dial to %s failed: %v", target, err)
		if httpResp != nil {
			errMsg = fmt.Sprintf("%s (status: %s)", errMsg, httpResp.Status)
		}
		return errors.New(errMsg)
	}

	hello, err := wsframe.NewHello(opts.ClientID)
	if err == nil {
		err = t.write(ctx, conn, hello)
	}
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("failed to send hello: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.pumpDone = pumpCtx.Done()
	t.clientID = opts.ClientID
	t.mu.Unlock()

	go t.readPump(pumpCtx, conn)
	t.logger.Info(fmt.Sprintf("Transport %s: connected to %s", opts.ClientID, target))
	return nil
}

func (t *Transport) write(ctx context.Context, conn *websocket.Conn, f *wsframe.Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, f)
}

func (t *Transport) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		var f wsframe.Frame
		err := wsjson.Read(ctx, conn, &f)
		if err != nil {
			t.handleReadError(conn, err)
			return
		}

		switch f.Type {
		case wsframe.TypePublish:
			t.mu.Lock()
			fn := t.onMessage
			t.mu.Unlock()
			if fn != nil {
				fn(broker.Message{Topic: f.Topic, QoS: f.QoS, Payload: []byte(f.Payload)})
			}
		case wsframe.TypeSubscriptionAck:
			if f.Error != nil {
				t.logger.Warn(fmt.Sprintf("Transport: subscription to %q rejected: %s", f.Topic, f.Error.Message))
			}
			t.mu.Lock()
			ack, ok := t.pending[f.ID]
			t.mu.Unlock()
			if ok {
				select {
				case ack <- &f:
				default:
				}
			}
		case wsframe.TypeError:
			if f.Error != nil {
				t.logger.Warn(fmt.Sprintf("Transport: hub error %d: %s", f.Error.Code, f.Error.Message))
			}
		default:
			t.logger.Debug(fmt.Sprintf("Transport: ignoring frame type %q", f.Type))
		}
	}
}

func (t *Transport) handleReadError(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	id := t.clientID
	fn := t.onLost
	t.mu.Unlock()

	conn.Close(websocket.StatusAbnormalClosure, "read pump terminated")
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	t.logger.Info(fmt.Sprintf("Transport %s: read pump stopped: %v", id, err))
	if fn != nil {
		fn(err)
	}
}

// Subscribe implements broker.Transport. It returns once the hub has
// acknowledged the subscription, so pushes published afterwards are
// delivered.
func (t *Transport) Subscribe(topic string) error {
	return t.request(wsframe.Subscribe(topic))
}

// Unsubscribe implements broker.Transport. It waits for the hub's ack like
// Subscribe.
func (t *Transport) Unsubscribe(topic string) error {
	return t.request(wsframe.Unsubscribe(topic))
}

// request writes req and waits for the ack carrying its id.
func (t *Transport) request(req *wsframe.Frame) error {
	ack := make(chan *wsframe.Frame, 1)

	t.mu.Lock()
	conn := t.conn
	done := t.pumpDone
	if conn != nil {
		t.pending[req.ID] = ack
	}
	t.mu.Unlock()
	if conn == nil {
		return broker.ErrNotConnected
	}
	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	if err := t.write(context.Background(), conn, req); err != nil {
		return err
	}

	timer := time.NewTimer(t.ackTimeout)
	defer timer.Stop()
	select {
	case f := <-ack:
		if f.Error != nil {
			return fmt.Errorf("%w: %s", ErrSubscriptionRejected, f.Error.Message)
		}
		return nil
	case <-done:
		return broker.ErrNotConnected
	case <-timer.C:
		return fmt.Errorf("%w: %s %s", ErrAckTimeout, req.Type, req.Topic)
	}
}

// Publish implements broker.Transport.
func (t *Transport) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return broker.ErrNotConnected
	}
	return t.write(context.Background(), conn, wsframe.Publish(topic, payload))
}

// SetMessageHandler implements broker.Transport.
func (t *Transport) SetMessageHandler(fn func(broker.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// SetConnectionLostHandler implements broker.Transport.
func (t *Transport) SetConnectionLostHandler(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLost = fn
}

// Close implements broker.Transport.
func (t *Transport) Close() error {
	t.closeCurrent(websocket.StatusNormalClosure, "client closing")
	return nil
}

func (t *Transport) closeCurrent(code websocket.StatusCode, reason string) {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.cancel = nil
	t.pumpDone = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(code, reason)
	}
}

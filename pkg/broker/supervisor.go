package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lightforgemedia/go-dopclient/pkg/clock"
)

// ClientIDPrefix prefixes every broker client id.
const ClientIDPrefix = "CLID_"

var (
	// ErrConnectionLost wraps the cause of a dropped connection.
	ErrConnectionLost = errors.New("broker: connection lost")
	// ErrConnectionAbandoned is reported once the reconnect bound is hit.
	ErrConnectionAbandoned = errors.New("broker: connection abandoned")
	// ErrNotConnected is returned by Publish without a live connection.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: supervisor closed")
	// ErrNilTransport is returned by New without a transport.
	ErrNilTransport = errors.New("broker: nil transport")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Endpoint locates the broker.
type Endpoint struct {
	Host   string
	Port   int
	UseTLS bool
}

// ConnectError is returned when a dial fails.
type ConnectError struct {
	ClientID string
	Attempt  int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("broker: connect %s (attempt %d): %v", e.ClientID, e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

var errStale = errors.New("broker: stale connect")

// Supervisor owns the broker connection. It reconnects a lost connection
// a bounded number of times and restores subscriptions afterwards.
type Supervisor struct {
	transport Transport
	endpoint  Endpoint

	logger      *slog.Logger
	clock       clock.Clock
	maxAttempts int
	backoff     time.Duration

	onConnected func()
	onAbandoned func(error)
	onLost      func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	clientID  string
	epoch     uint64
	attempts  int
	closed    bool
	wanted    []string
	wantedSet map[string]struct{}
	active    map[string]struct{}
	onMessage func(Message)
}

// New creates a supervisor for transport.
func New(t Transport, ep Endpoint, opts ...Option) (*Supervisor, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		transport:   t,
		endpoint:    ep,
		logger:      slog.Default(),
		clock:       clock.Real{},
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		ctx:         ctx,
		cancel:      cancel,
		wantedSet:   make(map[string]struct{}),
		active:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	t.SetMessageHandler(s.deliver)
	return s, nil
}

// SetMessageHandler installs the push callback. Messages arrive in
// transport order.
func (s *Supervisor) SetMessageHandler(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// State returns the connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID returns the id of the latest connection.
func (s *Supervisor) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Attempts returns the reconnect attempts made since the last success.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Topics returns the tracked topics in subscription order.
func (s *Supervisor) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.wanted...)
}

// Connect dials the broker with a fresh client id. A failure is returned
// as a *ConnectError and is not retried. Any reconnect loop from an
// earlier connection stops.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.epoch++
	epoch := s.epoch
	s.attempts = 0
	s.clientID = ClientIDPrefix + newClientSuffix()
	s.mu.Unlock()

	err := s.dial(ctx, epoch, 0)
	if errors.Is(err, errStale) {
		return ErrClosed
	}
	return err
}

func newClientSuffix() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// dial performs one connection attempt for epoch. On success the state
// becomes Connected, the retry counter resets and tracked topics are
// subscribed on the new connection.
func (s *Supervisor) dial(ctx context.Context, epoch uint64, attempt int) error {
	s.mu.Lock()
	if s.closed || epoch != s.epoch {
		s.mu.Unlock()
		return errStale
	}
	s.state = StateConnecting
	opts := ConnectOptions{
		Host:     s.endpoint.Host,
		Port:     s.endpoint.Port,
		ClientID: s.clientID,
		UseTLS:   s.endpoint.UseTLS,
	}
	s.mu.Unlock()

	s.transport.SetConnectionLostHandler(func(err error) {
		s.handleLost(epoch, err)
	})

	s.logger.Info(fmt.Sprintf("Supervisor %s: connecting to %s:%d (tls: %v)", opts.ClientID, opts.Host, opts.Port, opts.UseTLS))
	err := s.transport.Connect(ctx, opts)

	s.mu.Lock()
	if s.closed || epoch != s.epoch {
		s.mu.Unlock()
		return errStale
	}
	if err != nil {
		// A retry keeps the supervisor connecting until the loop gives up.
		if attempt == 0 {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		s.logger.Warn(fmt.Sprintf("Supervisor %s: connect failed: %v", opts.ClientID, err))
		return &ConnectError{ClientID: opts.ClientID, Attempt: attempt, Err: err}
	}
	s.state = StateConnected
	s.attempts = 0
	s.active = make(map[string]struct{})
	topics := append([]string(nil), s.wanted...)
	onConnected := s.onConnected
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("Supervisor %s: connected", opts.ClientID))
	if len(topics) > 0 {
		s.logger.Info(fmt.Sprintf("Supervisor %s: re-subscribing to %d topics", opts.ClientID, len(topics)))
		for _, topic := range topics {
			s.Subscribe(topic)
		}
	}
	if onConnected != nil {
		onConnected()
	}
	return nil
}

// Subscribe tracks topic and subscribes it on the live connection. It is
// fire and forget: transport errors are logged and the topic is retried on
// the next connection. A topic is sent at most once per connection.
func (s *Supervisor) Subscribe(topic string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.wantedSet[topic]; !ok {
		s.wantedSet[topic] = struct{}{}
		s.wanted = append(s.wanted, topic)
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[topic]; ok {
		s.mu.Unlock()
		return
	}
	s.active[topic] = struct{}{}
	id := s.clientID
	s.mu.Unlock()

	if err := s.transport.Subscribe(topic); err != nil {
		s.logger.Error(fmt.Sprintf("Supervisor %s: subscribe to %q failed: %v", id, topic, err))
		s.mu.Lock()
		delete(s.active, topic)
		s.mu.Unlock()
		return
	}
	s.logger.Debug(fmt.Sprintf("Supervisor %s: subscribed to %q", id, topic))
}

// Unsubscribe stops tracking topic and unsubscribes it on the live
// connection. Untracked topics are ignored.
func (s *Supervisor) Unsubscribe(topic string) {
	s.mu.Lock()
	if _, ok := s.wantedSet[topic]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.wantedSet, topic)
	for i, t := range s.wanted {
		if t == topic {
			s.wanted = append(s.wanted[:i:i], s.wanted[i+1:]...)
			break
		}
	}
	_, live := s.active[topic]
	delete(s.active, topic)
	live = live && s.state == StateConnected && !s.closed
	id := s.clientID
	s.mu.Unlock()

	if !live {
		return
	}
	if err := s.transport.Unsubscribe(topic); err != nil {
		s.logger.Warn(fmt.Sprintf("Supervisor %s: unsubscribe from %q failed: %v", id, topic, err))
		return
	}
	s.logger.Debug(fmt.Sprintf("Supervisor %s: unsubscribed from %q", id, topic))
}

// Publish sends payload on topic over the live connection.
func (s *Supervisor) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateConnected {
		return ErrNotConnected
	}
	return s.transport.Publish(topic, payload)
}

func (s *Supervisor) deliver(msg Message) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Supervisor) handleLost(epoch uint64, cause error) {
	s.mu.Lock()
	if s.closed || epoch != s.epoch || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	if cause != nil {
		s.state = StateConnecting
	}
	s.active = make(map[string]struct{})
	id := s.clientID
	onLost := s.onLost
	s.mu.Unlock()

	if cause == nil {
		s.logger.Info(fmt.Sprintf("Supervisor %s: connection closed", id))
		return
	}

	err := fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	s.logger.Warn(fmt.Sprintf("Supervisor %s: %v", id, err))
	if onLost != nil {
		onLost(err)
	}
	go s.reconnectLoop(epoch)
}

func (s *Supervisor) reconnectLoop(epoch uint64) {
	s.logger.Info(fmt.Sprintf("Supervisor: starting reconnect loop (max_attempts: %d, backoff: %v)", s.maxAttempts, s.backoff))

	for {
		s.mu.Lock()
		if s.closed || epoch != s.epoch {
			s.mu.Unlock()
			s.logger.Debug("Supervisor: reconnect loop superseded")
			return
		}
		if s.attempts >= s.maxAttempts {
			s.state = StateDisconnected
			attempts := s.attempts
			onAbandoned := s.onAbandoned
			s.mu.Unlock()

			err := fmt.Errorf("%w after %d attempts", ErrConnectionAbandoned, attempts)
			s.logger.Error(fmt.Sprintf("Supervisor: %v", err))
			if onAbandoned != nil {
				onAbandoned(err)
			}
			return
		}
		s.mu.Unlock()

		select {
		case <-s.clock.After(s.backoff):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		if s.closed || epoch != s.epoch {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		s.logger.Info(fmt.Sprintf("Supervisor: reconnect attempt %d of %d", attempt, s.maxAttempts))
		err := s.dial(s.ctx, epoch, attempt)
		if err == nil || errors.Is(err, errStale) {
			return
		}
	}
}

// Close stops any reconnect loop and closes the transport.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.epoch++
	s.state = StateDisconnected
	s.mu.Unlock()

	s.cancel()
	return s.transport.Close()
}

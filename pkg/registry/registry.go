// Package registry routes broker pushes to application handlers by event
// type.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/catalog"
	"github.com/lightforgemedia/go-dopclient/pkg/clock"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
)

var (
	// ErrUnknownKind is returned when registering a kind outside the
	// closed set. Use RegisterCustom for application event names.
	ErrUnknownKind = errors.New("registry: unknown event kind")
	// ErrReservedName is returned when a custom name collides with a
	// catalog event.
	ErrReservedName = errors.New("registry: reserved event name")
	// ErrMalformedPayload is logged when a push cannot be decoded.
	ErrMalformedPayload = errors.New("registry: malformed payload")
	// ErrNoHandler is logged when no handler, custom handler or other
	// fallback exists for a push.
	ErrNoHandler = errors.New("registry: no handler")
)

// Handler receives a decoded push. Each call gets its own envelope.
type Handler func(env *model.Envelope)

// Raw is what the observer sees for every well-formed push.
type Raw struct {
	Topic     string
	QoS       byte
	Timestamp time.Time
	Message   *model.Envelope
}

// Registry maps event kinds to handlers.
type Registry struct {
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	handlers map[model.Kind]Handler
	custom   map[string]Handler
	hooks    map[model.Kind][]Handler
	observer func(Raw)
	accept   func(*model.Envelope) bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the clock stamping Raw.Timestamp.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithFilter installs accept, consulted after the observer. Pushes it
// rejects reach neither hooks nor handlers.
func WithFilter(accept func(*model.Envelope) bool) Option {
	return func(r *Registry) {
		r.accept = accept
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:   slog.Default(),
		clock:    clock.Real{},
		handlers: make(map[model.Kind]Handler),
		custom:   make(map[string]Handler),
		hooks:    make(map[model.Kind][]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register sets the handler for kind, replacing any previous one. A nil
// handler removes the registration.
func (r *Registry) Register(kind model.Kind, h Handler) error {
	if !kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, kind)
		return nil
	}
	r.handlers[kind] = h
	return nil
}

// RegisterCustom sets the handler for an application-defined event name.
func (r *Registry) RegisterCustom(name string, h Handler) error {
	if name == "" || model.Kind(name).Known() || catalog.Has(model.Kind(name)) {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.custom, name)
		return nil
	}
	r.custom[name] = h
	return nil
}

// Intercept adds a hook that runs before the application handler for
// kind. Hooks cannot be removed and do not count as a handler.
func (r *Registry) Intercept(kind model.Kind, hook Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[kind] = append(r.hooks[kind], hook)
}

// SetObserver installs the raw observer, called first for every
// well-formed push.
func (r *Registry) SetObserver(fn func(Raw)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Deliver decodes msg and dispatches it. Malformed payloads and pushes
// without any handler are logged and dropped.
func (r *Registry) Deliver(msg broker.Message) {
	env, err := model.Decode(msg.Payload)
	if err != nil {
		r.logger.Error(fmt.Sprintf("Registry: %v on %s: %v", ErrMalformedPayload, msg.Topic, err))
		return
	}
	kind := env.Kind()

	r.mu.RLock()
	observer := r.observer
	hooks := append([]Handler(nil), r.hooks[kind]...)
	handler, ok := r.handlers[kind]
	if !ok {
		handler, ok = r.custom[env.Event]
	}
	if !ok {
		handler, ok = r.handlers[model.KindOther]
	}
	r.mu.RUnlock()

	if observer != nil {
		observer(Raw{
			Topic:     msg.Topic,
			QoS:       msg.QoS,
			Timestamp: r.clock.Now(),
			Message:   env.Clone(),
		})
	}
	if r.accept != nil && !r.accept(env) {
		r.logger.Debug(fmt.Sprintf("Registry: filtered %q for session %q on %s", env.Event, env.Session, msg.Topic))
		return
	}
	for _, hook := range hooks {
		hook(env.Clone())
	}
	if !ok {
		if len(hooks) == 0 {
			r.logger.Error(fmt.Sprintf("Registry: %v for event %q on %s", ErrNoHandler, env.Event, msg.Topic))
		}
		return
	}
	handler(env)
}

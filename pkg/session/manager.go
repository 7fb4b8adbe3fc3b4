// Package session establishes and tracks the authenticated gateway
// session of a client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-dopclient/pkg/auth"
	"github.com/lightforgemedia/go-dopclient/pkg/clock"
	"github.com/lightforgemedia/go-dopclient/pkg/gateway"
)

// ErrNotStarted is returned by Current when no session is active.
var ErrNotStarted = errors.New("session: not started")

// Session is an authenticated gateway session.
type Session struct {
	ID        string
	AuthToken string
	StartedAt time.Time
}

// Poster is the part of the gateway client the manager uses.
type Poster interface {
	Post(ctx context.Context, endpoint, token string, body any) (*gateway.Response, error)
}

// Manager starts and invalidates the session.
type Manager struct {
	gw     Poster
	token  string
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	current Session
	started bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the clock used for StartedAt.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewManager creates a manager. bootstrapToken authenticates the start
// request; the session carries its own token afterwards.
func NewManager(gw Poster, bootstrapToken string, opts ...Option) *Manager {
	m := &Manager{
		gw:     gw,
		token:  bootstrapToken,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type startRequest struct {
	Sub string `json:"sub"`
}

type startResponse struct {
	Session   string `json:"session"`
	AuthToken string `json:"auth_token"`
}

// Start requests a session for identity. A 401 yields
// gateway.ErrUnauthorized; other failures yield *gateway.TransportError.
// On success the session replaces any previous one.
func (m *Manager) Start(ctx context.Context, identity string) (Session, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	resp, err := m.gw.Post(ctx, gateway.EndpointStartSession, token, startRequest{Sub: identity})
	if err != nil {
		m.logger.Error(fmt.Sprintf("Session: start for %q failed: %v", identity, err))
		return Session{}, err
	}
	if err := resp.Err(); err != nil {
		m.logger.Error(fmt.Sprintf("Session: start for %q rejected: %v", identity, err))
		return Session{}, err
	}

	var body startResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.Session == "" {
		if err == nil {
			err = errors.New("missing session id")
		}
		return Session{}, &gateway.TransportError{Status: resp.Status, Message: "invalid start session response", Err: err}
	}

	s := Session{
		ID:        body.Session,
		AuthToken: body.AuthToken,
		StartedAt: m.clock.Now(),
	}
	if info, err := auth.Inspect(s.AuthToken); err == nil && info.Expired(s.StartedAt) {
		m.logger.Warn(fmt.Sprintf("Session %s: token for %q already expired at %s", s.ID, info.Subject, info.ExpiresAt))
	}

	m.mu.Lock()
	m.current = s
	m.started = true
	m.mu.Unlock()

	m.logger.Info(fmt.Sprintf("Session %s: started for %q", s.ID, identity))
	return s, nil
}

// SetToken replaces the token used by later Start calls.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// Current returns the active session.
func (m *Manager) Current() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return Session{}, ErrNotStarted
	}
	return m.current, nil
}

// Started reports whether a session is active.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Invalidate drops the active session. It reports whether one was active.
func (m *Manager) Invalidate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.started
	if was {
		m.logger.Warn(fmt.Sprintf("Session %s: invalidated", m.current.ID))
	}
	m.current = Session{}
	m.started = false
	return was
}

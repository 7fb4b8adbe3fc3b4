package cipher

import (
	"fmt"
	"log/slog"
	"sync"
)

// Negotiator tracks the negotiation state of one client: the locally
// matched set, the backend pool, the selected suite and whether the
// backend has acknowledged the selection.
type Negotiator struct {
	mu          sync.Mutex
	matched     []Descriptor
	pool        []Suite
	selected    Suite
	hasSelected bool
	established bool

	selector Selector
	logger   *slog.Logger
}

// NegotiatorOption configures a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithSelector overrides the default random selector.
func WithSelector(s Selector) NegotiatorOption {
	return func(n *Negotiator) {
		if s != nil {
			n.selector = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNegotiator creates a negotiator for the given locally matched set.
func NewNegotiator(matched []Descriptor, opts ...NegotiatorOption) *Negotiator {
	n := &Negotiator{
		matched:  append([]Descriptor(nil), matched...),
		selector: Random,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Matched returns a copy of the locally matched set.
func (n *Negotiator) Matched() []Descriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Descriptor(nil), n.matched...)
}

// SetPool replaces the backend pool.
func (n *Negotiator) SetPool(pool []Suite) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pool = append([]Suite(nil), pool...)
}

// Pool returns a copy of the current backend pool.
func (n *Negotiator) Pool() []Suite {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Suite(nil), n.pool...)
}

// Select chooses a suite from the current pool. Once a suite is chosen it
// stays selected until Reset; later calls return it unchanged and report
// fresh as false. ok is false when the pool offers nothing acceptable.
func (n *Negotiator) Select() (suite Suite, fresh bool, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.hasSelected {
		return n.selected, false, true
	}
	s, found := Reconcile(n.matched, n.pool, n.selector)
	if !found {
		n.logger.Warn(fmt.Sprintf("Negotiator: no acceptable cipher in pool of %d suites", len(n.pool)))
		return Suite{}, false, false
	}
	n.selected = s
	n.hasSelected = true
	n.logger.Info(fmt.Sprintf("Negotiator: selected cipher %q mode %q", s.Name, s.Mode))
	return s, true, true
}

// Selected returns the selected suite, if any.
func (n *Negotiator) Selected() (Suite, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selected, n.hasSelected
}

// MarkEstablished records the backend acknowledgement of the selection.
// It has no effect when nothing is selected.
func (n *Negotiator) MarkEstablished() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.hasSelected {
		return false
	}
	n.established = true
	return true
}

// Established reports whether encrypted traffic may flow.
func (n *Negotiator) Established() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.established
}

// Reset clears the pool, the selection and the established flag. The
// locally matched set is kept.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pool = nil
	n.selected = Suite{}
	n.hasSelected = false
	n.established = false
}

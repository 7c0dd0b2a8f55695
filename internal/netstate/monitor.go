// Package netstate tracks device connectivity. Monitor is the single source
// of truth for the current NetworkState: platform connectivity events feed
// Update, and every subscriber is notified synchronously after each change.
package netstate

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-offline-client/internal/domain"
)

// Listener receives the new state after every transition. Listeners are
// invoked synchronously; they must not block.
type Listener func(domain.NetworkState)

// Monitor holds the current NetworkState and fans out transitions to
// subscribers. Safe for concurrent use.
//
// When no platform connectivity source is wired, the monitor assumes the
// device is online rather than blocking all I/O.
type Monitor struct {
	mu        sync.Mutex
	state     domain.NetworkState
	listeners map[int]Listener
	nextID    int

	lg zerolog.Logger
}

// NewMonitor constructs a Monitor in the optimistic "assume online" state.
func NewMonitor() *Monitor {
	return &Monitor{
		state: domain.NetworkState{
			Connected:         true,
			InternetReachable: true,
			Transport:         domain.TransportUnknown,
		},
		listeners: make(map[int]Listener),
		lg:        log.With().Str("component", "netstate").Logger(),
	}
}

// State returns the current connectivity snapshot.
func (m *Monitor) State() domain.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Update records a new state and notifies all subscribers synchronously.
// Listeners are called outside the monitor's lock so they may subscribe or
// unsubscribe from within the callback.
func (m *Monitor) Update(s domain.NetworkState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if prev.Online() != s.Online() {
		m.lg.Info().
			Bool("connected", s.Connected).
			Bool("reachable", s.InternetReachable).
			Str("transport", string(s.Transport)).
			Msg("connectivity changed")
	}

	for _, fn := range fns {
		fn(s)
	}
}

// Subscribe registers fn and immediately invokes it with the current state.
// The returned function removes exactly this listener; calling it more than
// once is a no-op.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	current := m.state
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// ListenerCount reports the number of active subscribers. Exposed for the
// diagnostics endpoint and leak tests.
func (m *Monitor) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

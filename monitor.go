package huddlesync

import "sync"

// ============================================================================
// Connectivity Monitor
// ============================================================================

// Monitor reports whether the device currently believes it can reach the
// backend. Connectivity signals come from outside the engine (OS hooks, a
// failed request, a user toggle); the engine only consumes transitions.
type Monitor interface {
	// Online returns the current belief.
	Online() bool
	// Subscribe registers fn to run on every transition. The returned
	// cancel removes the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// SignalMonitor is a Monitor fed by explicit SetOnline calls. It starts
// offline unless constructed with NewSignalMonitor(true); callers that know
// better flip it as their platform signals arrive.
type SignalMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

var _ Monitor = (*SignalMonitor)(nil)

// NewSignalMonitor creates a monitor with the given initial belief.
func NewSignalMonitor(online bool) *SignalMonitor {
	return &SignalMonitor{online: online, subs: make(map[int]func(bool))}
}

// Online returns the current belief.
func (m *SignalMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity change. Subscribers run synchronously,
// in registration-independent order, only on actual transitions; repeated
// signals with the same value are dropped.
func (m *SignalMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for transitions.
func (m *SignalMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

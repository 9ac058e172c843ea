// Package connectivity tracks whether the engine believes it can reach
// the backend. State changes are edge-triggered events pushed in by the
// transports that observe them (realtime source, HTTP clients); nothing
// here polls.
package connectivity

import (
	"sync"

	"convosync/pkg/logger"
)

// Monitor holds the online flag and fires hooks on the offline->online
// edge. Hooks run exactly once per transition, on the goroutine that
// reported the change.
type Monitor struct {
	mu     sync.Mutex
	online bool
	hooks  []func()
}

// New returns a Monitor that starts in the given state.
func New(online bool) *Monitor {
	return &Monitor{online: online}
}

// IsOnline reports the current belief.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers a hook fired on every offline->online transition.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// SetOnline records a state report. Reporting the current state is a
// no-op; only the offline->online edge fires hooks.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var hooks []func()
	if online {
		hooks = append(hooks, m.hooks...)
	}
	m.mu.Unlock()
	logger.Info("connectivity_changed", "online", online)
	for _, fn := range hooks {
		fn()
	}
}

// Package health aggregates per-component health checks for the engine.
package health

import (
	"sort"
	"sync"

	"spottrader/internal/core"
)

// Manager collects func() error checks registered by components and
// answers the aggregate view. Checks run at call time; registering is
// cheap and safe from any goroutine.
type Manager struct {
	logger core.ILogger

	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports per-component status strings.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	return len(m.Failing()) == 0
}

// Failing returns the names of components whose check fails, sorted.
func (m *Manager) Failing() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failing []string
	for component, check := range m.checks {
		if err := check(); err != nil {
			failing = append(failing, component)
		}
	}
	sort.Strings(failing)
	return failing
}

// LogDegradation logs every failing component, used by the supervisor's
// health tick.
func (m *Manager) LogDegradation() {
	if m.logger == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for component, check := range m.checks {
		if err := check(); err != nil {
			m.logger.Warn("Component unhealthy", "check", component, "error", err)
		}
	}
}

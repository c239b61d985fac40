// Package health aggregates component health checks
package health

import (
	"sort"
	"sync"

	"trade_executor/internal/core"
)

type check struct {
	fn       func() error
	critical bool
}

// HealthManager aggregates health status from different components. Only
// critical checks affect IsHealthy; optional ones report Degraded.
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]check
}

var _ core.IHealthMonitor = (*HealthManager)(nil)

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]check)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a critical health check for a component
func (hm *HealthManager) Register(component string, fn func() error) {
	hm.register(component, fn, true)
}

// RegisterOptional adds a check whose failure does not make the process unhealthy
func (hm *HealthManager) RegisterOptional(component string, fn func() error) {
	hm.register(component, fn, false)
}

func (hm *HealthManager) register(component string, fn func() error, critical bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check{fn: fn, critical: critical}
}

// Unregister removes a component's check
func (hm *HealthManager) Unregister(component string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.checks, component)
}

// Components returns the registered component names, sorted
func (hm *HealthManager) Components() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string)
	for component, c := range hm.checks {
		err := c.fn()
		switch {
		case err == nil:
			status[component] = "Healthy"
		case c.critical:
			status[component] = "Unhealthy: " + err.Error()
		default:
			status[component] = "Degraded: " + err.Error()
		}
	}
	return status
}

// IsHealthy returns true if all critical components are healthy
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for component, c := range hm.checks {
		if !c.critical {
			continue
		}
		if err := c.fn(); err != nil {
			if hm.logger != nil {
				hm.logger.Warn("Health check failed", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}

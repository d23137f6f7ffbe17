package resilience

import (
	"sort"
	"sync"
	"time"
)

// CircuitBreakerRegistry manages one circuit breaker per named service.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry whose breakers share config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns or creates a circuit breaker for the given name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// AllStats returns statistics for all circuit breakers, ordered by name.
func (r *CircuitBreakerRegistry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// ResetAll resets all circuit breakers.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// ServiceStatus represents the status of an external service.
type ServiceStatus struct {
	Name        string        `json:"name"`
	Available   bool          `json:"available"`
	LastCheck   time.Time     `json:"last_check"`
	LastSuccess time.Time     `json:"last_success"`
	LastError   string        `json:"last_error,omitempty"`
	Latency     time.Duration `json:"latency"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
}

// ServiceMonitor tracks the most recent outcome of calls to external services.
type ServiceMonitor struct {
	mu       sync.RWMutex
	services map[string]*ServiceStatus
	now      func() time.Time
}

// NewServiceMonitor creates a new service monitor.
func NewServiceMonitor() *ServiceMonitor {
	return &ServiceMonitor{
		services: make(map[string]*ServiceStatus),
		now:      time.Now,
	}
}

// UpdateStatus records the outcome of one call to a service.
func (m *ServiceMonitor) UpdateStatus(name string, available bool, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.services[name]
	if !ok {
		status = &ServiceStatus{Name: name}
		m.services[name] = status
	}

	now := m.now()
	status.Available = available
	status.LastCheck = now
	status.Latency = latency
	status.LastError = ""
	if err != nil {
		status.LastError = err.Error()
	}

	if available {
		status.LastSuccess = now
		status.Successes++
	} else {
		status.Failures++
	}
}

// GetStatus returns a copy of the status of a service.
func (m *ServiceMonitor) GetStatus(name string) (ServiceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status, ok := m.services[name]; ok {
		return *status, true
	}
	return ServiceStatus{}, false
}

// AllStatuses returns copies of all service statuses, ordered by name.
func (m *ServiceMonitor) AllStatuses() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServiceStatus, 0, len(m.services))
	for _, s := range m.services {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// IsAvailable reports whether the last call to a service succeeded.
func (m *ServiceMonitor) IsAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status, ok := m.services[name]; ok {
		return status.Available
	}
	return false
}

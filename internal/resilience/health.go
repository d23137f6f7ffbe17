package resilience

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthMonitorConfig holds health monitor configuration.
type HealthMonitorConfig struct {
	CheckTimeout       time.Duration
	MemoryThresholdMB  uint64
	GoroutineThreshold int
}

// DefaultHealthMonitorConfig returns default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckTimeout:       5 * time.Second,
		MemoryThresholdMB:  500,
		GoroutineThreshold: 1000,
	}
}

// HealthMonitor runs registered component checks on demand, e.g. for a
// /healthz probe.
type HealthMonitor struct {
	cfg       HealthMonitorConfig
	startTime time.Time

	mu         sync.RWMutex
	components map[string]HealthCheck
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(cfg HealthMonitorConfig) *HealthMonitor {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultHealthMonitorConfig().CheckTimeout
	}
	return &HealthMonitor{
		cfg:        cfg,
		startTime:  time.Now(),
		components: make(map[string]HealthCheck),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every component check concurrently. A panicking check reports
// its component unhealthy.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components)+2)
	for name, check := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			health := runCheck(ctx, name, check)
			health.Name = name
			health.LastCheck = time.Now()
			health.Latency = time.Since(start)
			results <- health
		}()
	}
	results <- m.checkMemory()
	results <- m.checkGoroutines()
	wg.Wait()
	close(results)

	out := SystemHealth{
		Status:     HealthStatusHealthy,
		StartTime:  m.startTime,
		Uptime:     time.Since(m.startTime),
		Goroutines: runtime.NumGoroutine(),
	}
	for h := range results {
		out.Components = append(out.Components, h)
		switch h.Status {
		case HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if out.Status == HealthStatusHealthy {
				out.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })
	return out
}

func runCheck(ctx context.Context, name string, check HealthCheck) (health ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			health = ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("Panic recovered: %v", r),
			}
		}
	}()
	return check(ctx)
}

func (m *HealthMonitor) checkMemory() ComponentHealth {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	allocMB := memStats.Alloc / 1024 / 1024
	health := ComponentHealth{
		Name:      "memory",
		Status:    HealthStatusHealthy,
		Message:   fmt.Sprintf("Memory usage: %d MB", allocMB),
		LastCheck: time.Now(),
		Details: map[string]interface{}{
			"alloc_mb": allocMB,
			"sys_mb":   memStats.Sys / 1024 / 1024,
			"num_gc":   memStats.NumGC,
		},
	}
	if m.cfg.MemoryThresholdMB > 0 && allocMB > m.cfg.MemoryThresholdMB {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Memory usage high: %d MB", allocMB)
	}
	return health
}

func (m *HealthMonitor) checkGoroutines() ComponentHealth {
	n := runtime.NumGoroutine()
	health := ComponentHealth{
		Name:      "goroutines",
		Status:    HealthStatusHealthy,
		Message:   fmt.Sprintf("Goroutine count: %d", n),
		LastCheck: time.Now(),
		Details:   map[string]interface{}{"count": n},
	}
	if m.cfg.GoroutineThreshold > 0 && n > m.cfg.GoroutineThreshold {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("High goroutine count: %d", n)
	}
	return health
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	StartTime  time.Time         `json:"start_time"`
	Uptime     time.Duration     `json:"uptime"`
	Goroutines int               `json:"goroutines"`
	Components []ComponentHealth `json:"components"`
}

// Component returns the named component's result.
func (h SystemHealth) Component(name string) (ComponentHealth, bool) {
	for _, c := range h.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentHealth{}, false
}

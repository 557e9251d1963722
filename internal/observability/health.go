package observability

import (
	"context"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is a single component probe.
type HealthCheck func(ctx context.Context) error

// ComponentHealth is the result of one probe.
type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthResponse is the aggregate health report served at /healthz.
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthChecker runs registered component probes with a shared timeout.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	version string
	timeout time.Duration
}

// NewHealthChecker creates a health checker reporting the given version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]HealthCheck),
		version: version,
		timeout: 5 * time.Second,
	}
}

// Register adds a named component probe.
func (hc *HealthChecker) Register(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// Check runs all probes and aggregates the result. Any failing probe makes
// the overall status unhealthy.
func (hc *HealthChecker) Check(ctx context.Context) *HealthResponse {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	timeout := hc.timeout
	version := hc.version
	hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Version:    version,
		Components: make(map[string]ComponentHealth, len(checks)),
	}

	for name, check := range checks {
		start := time.Now()
		err := check(ctx)
		ch := ComponentHealth{
			Status:  StatusHealthy,
			Latency: time.Since(start).String(),
		}
		if err != nil {
			ch.Status = StatusUnhealthy
			ch.Error = err.Error()
			resp.Status = StatusUnhealthy
		}
		resp.Components[name] = ch
	}

	return resp
}

package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	LastError       string            `json:"last_error,omitempty"`
	ComponentStatus map[string]string `json:"component_status"`
}

// Check reports a component's health; a nil error means healthy.
type Check func(ctx context.Context) error

// Monitor aggregates component health checks.
type Monitor struct {
	mu        sync.RWMutex
	startTime time.Time
	lastError string
	checks    map[string]Check
	timeout   time.Duration
}

func NewMonitor() *Monitor {
	return &Monitor{
		startTime: time.Now(),
		checks:    make(map[string]Check),
		timeout:   2 * time.Second,
	}
}

func (m *Monitor) RegisterHealthCheck(name string, check Check) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

func (m *Monitor) SetLastError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

// Status runs every check. Any failing component degrades the overall status.
func (m *Monitor) Status(ctx context.Context) HealthStatus {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	status := HealthStatus{
		Status:          "ok",
		Uptime:          time.Since(m.startTime).Round(time.Second).String(),
		StartTime:       m.startTime,
		MemoryUsage:     mem.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		LastError:       m.lastError,
		ComponentStatus: make(map[string]string, len(checks)),
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			status.ComponentStatus[name] = "unhealthy: " + err.Error()
			status.Status = "degraded"
			continue
		}
		status.ComponentStatus[name] = "healthy"
	}
	return status
}

func (m *Monitor) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := m.Status(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

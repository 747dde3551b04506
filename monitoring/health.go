package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
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

var (
	startTime = time.Now()

	mu           sync.RWMutex
	lastError    string
	healthChecks = make(map[string]func() bool)
)

// RegisterHealthCheck adds or replaces a named component check.
func RegisterHealthCheck(name string, check func() bool) {
	mu.Lock()
	defer mu.Unlock()
	healthChecks[name] = check
}

// RecordError keeps err as the last error shown by the health endpoint.
func RecordError(kind string, err error) {
	if err == nil {
		return
	}
	ErrorCounter.WithLabelValues(kind).Inc()
	mu.Lock()
	lastError = kind + ": " + err.Error()
	mu.Unlock()
}

// Check runs all registered checks. The overall status is "degraded" when any
// component is unhealthy.
func Check() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mu.RLock()
	names := make([]string, 0, len(healthChecks))
	for name := range healthChecks {
		names = append(names, name)
	}
	checks := make(map[string]func() bool, len(healthChecks))
	for name, check := range healthChecks {
		checks[name] = check
	}
	status := HealthStatus{
		Status:          "ok",
		Uptime:          time.Since(startTime).Round(time.Second).String(),
		StartTime:       startTime,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		LastError:       lastError,
		ComponentStatus: make(map[string]string, len(healthChecks)),
	}
	mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if checks[name]() {
			status.ComponentStatus[name] = "healthy"
		} else {
			status.ComponentStatus[name] = "unhealthy"
			status.Status = "degraded"
		}
	}
	return status
}

func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := Check()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker manages liveness and readiness state. Readiness is the
// conjunction of named subsystem checks (postgres, nats, recovery), so
// a probe failure names what is missing.
type HealthChecker struct {
	mu        sync.Mutex
	ready     map[string]bool
	startTime time.Time
}

func NewHealthChecker(subsystems ...string) *HealthChecker {
	h := &HealthChecker{
		ready:     make(map[string]bool, len(subsystems)),
		startTime: time.Now(),
	}
	for _, s := range subsystems {
		h.ready[s] = false
	}
	return h
}

// SetReady marks one subsystem ready or not.
func (h *HealthChecker) SetReady(subsystem string, ready bool) {
	h.mu.Lock()
	h.ready[subsystem] = ready
	h.mu.Unlock()
}

// IsReady returns whether every subsystem is ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ok := range h.ready {
		if !ok {
			return false
		}
	}
	return true
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once every subsystem reports ready,
// 503 with the per-subsystem breakdown otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	detail := make(map[string]bool, len(h.ready))
	allReady := true
	for s, ok := range h.ready {
		detail[s] = ok
		if !ok {
			allReady = false
		}
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	code := http.StatusOK
	if !allReady {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"subsystems": detail,
	})
}

package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu       sync.RWMutex
	degraded map[string]string
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		degraded:  make(map[string]string),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetDegraded records (or clears, with an empty reason) a degraded subsystem.
// Degraded subsystems are reported by readiness but do not fail it: the
// engine keeps serving with conservative outcomes.
func (h *HealthChecker) SetDegraded(subsystem, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reason == "" {
		delete(h.degraded, subsystem)
		return
	}
	h.degraded[subsystem] = reason
}

func (h *HealthChecker) Degraded() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.degraded))
	for k, v := range h.degraded {
		out[k] = v
	}
	return out
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once the round engine and stores are up,
// 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{}
	if d := h.Degraded(); len(d) > 0 {
		body["degraded"] = d
	}
	if h.ready.Load() {
		body["status"] = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		body["status"] = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}

package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus is the health check response.
type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

// ReadyStatus is the readiness check response.
type ReadyStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthCheck handles GET /health. It returns 200 whenever the process is
// up, regardless of dependency state.
func HealthCheck(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   service,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyCheck handles GET /ready. Every named dependency must answer its
// health probe for the service to report ready.
func ReadyCheck(components map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := ReadyStatus{
			Status:     "ready",
			Components: make(map[string]string, len(components)),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		ready := true
		for name, checker := range components {
			if checker == nil {
				status.Components[name] = "not configured"
				continue
			}
			if err := checker.Health(ctx); err != nil {
				status.Components[name] = "unhealthy: " + err.Error()
				ready = false
			} else {
				status.Components[name] = "healthy"
			}
		}

		if !ready {
			status.Status = "not ready"
			RespondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		RespondJSON(w, http.StatusOK, status)
	}
}

package api

import (
	"net/http"

	"github.com/camfleet/camfleet/internal/camera"
	"github.com/camfleet/camfleet/internal/data"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	Store *data.Store
	Orch  *camera.Orchestrator
}

// GET /healthz
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz reports ready once the database answers and the
// orchestrator loops run. Probes treat anything but 200 as not ready.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			ready = false
		} else {
			checks["database"] = "ok"
		}
	}
	if h.Orch != nil {
		if h.Orch.Started() {
			checks["orchestrator"] = "ok"
		} else {
			checks["orchestrator"] = "not started"
			ready = false
		}
	}

	status, state := http.StatusOK, "ready"
	if !ready {
		status, state = http.StatusServiceUnavailable, "not ready"
	}
	respondJSON(w, status, map[string]any{"status": state, "checks": checks})
}

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
)

// HealthHandler serves the health report, version info and the API 404
type HealthHandler struct {
	monitor interfaces.MonitorService
	logger  arbor.ILogger
}

func NewHealthHandler(monitor interfaces.MonitorService, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{
		monitor: monitor,
		logger:  logger,
	}
}

// GetHealthHandler handles GET /health. A degraded report (store
// unreachable or a model tier down) answers 503 so load balancers stop
// routing to this instance.
func (h *HealthHandler) GetHealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	report := h.monitor.Report(r.Context())

	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, report)
}

// VersionHandler handles GET /api/version
func (h *HealthHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.Build,
		"git_commit": common.GitCommit,
	})
}

// NotFoundHandler handles 404 errors with a JSON response
func (h *HealthHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
)

// APIHandler serves the system endpoints: health, version and the API 404.
type APIHandler struct {
	jobStorage interfaces.JobStorage
	queue      interfaces.QueueService
	logger     arbor.ILogger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(jobStorage interfaces.JobStorage, queue interfaces.QueueService) *APIHandler {
	return &APIHandler{
		jobStorage: jobStorage,
		queue:      queue,
		logger:     common.GetLogger(),
	}
}

// HealthHandler reports liveness plus the state of both backing stores.
// Probes only need the ok flag; the rest is for humans reading the response.
// GET /health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	ctx := r.Context()
	healthy := true
	resp := map[string]interface{}{}

	if err := h.jobStorage.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Health check: database unreachable")
		healthy = false
		resp["database"] = "down"
	} else if counts, err := h.jobStorage.CountByStatus(ctx); err == nil {
		resp["jobs"] = counts
	}

	if err := h.queue.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Health check: queue unreachable")
		healthy = false
		resp["queue"] = "down"
	} else if hi, lo, err := h.queue.Depths(ctx); err == nil {
		resp["queue_depth"] = map[string]int64{"hi": hi, "lo": lo}
	}

	resp["ok"] = healthy
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}

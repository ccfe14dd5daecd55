package handlers

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
)

// JobHandler serves job rows and their results.
type JobHandler struct {
	jobStorage interfaces.JobStorage
	artifacts  interfaces.ArtifactStore
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobStorage interfaces.JobStorage, artifacts interfaces.ArtifactStore, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobStorage: jobStorage,
		artifacts:  artifacts,
		logger:     logger,
	}
}

// GetJobHandler returns the row projection for a single job.
// GET /jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	WriteJSON(w, http.StatusOK, job.Projection())
}

// GetJobResultHandler returns the compact result stored on the row. The
// result exists only on done rows; anything else is 404, including error
// rows, so pollers can treat "200" as "answer ready".
// GET /jobs/{id}/result
func (h *JobHandler) GetJobResultHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if job.Status != models.JobStatusDone || len(job.ResultJSON) == 0 {
		WriteError(w, http.StatusNotFound, "Result not available")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(job.ResultJSON)
}

// GetJobResultFullHandler streams the full result artifact from shared disk.
// GET /jobs/{id}/result/full
func (h *JobHandler) GetJobResultFullHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if job.Status != models.JobStatusDone || job.ResultPath == "" {
		WriteError(w, http.StatusNotFound, "Result not available")
		return
	}

	raw, err := h.artifacts.ReadRaw(job.ResultPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteError(w, http.StatusNotFound, "Result artifact missing")
			return
		}
		h.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to read result artifact")
		WriteError(w, http.StatusInternalServerError, "Failed to read result artifact")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// loadJob resolves the job ID from the path and fetches the row, writing the
// error response itself when the ID is absent or unknown.
func (h *JobHandler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return nil, false
	}

	job, err := h.jobStorage.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return nil, false
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return nil, false
	}

	return job, true
}

// jobIDFromPath extracts the job ID from /jobs/{id} and its subpaths.
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "jobs" {
		return ""
	}
	return parts[1]
}

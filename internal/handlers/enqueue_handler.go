package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
)

// EnqueueHandler handles detail request admission.
type EnqueueHandler struct {
	intakeService interfaces.IntakeService
	logger        arbor.ILogger
}

// NewEnqueueHandler creates a new enqueue handler.
func NewEnqueueHandler(intakeService interfaces.IntakeService, logger arbor.ILogger) *EnqueueHandler {
	return &EnqueueHandler{
		intakeService: intakeService,
		logger:        logger,
	}
}

// EnqueueHandler admits a detail request, deduplicating against in-flight
// work and cached results. Both fresh and deduped admissions answer 200; the
// body says which one the caller got.
// POST /enqueue
func (h *EnqueueHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	resp, err := h.intakeService.Admit(r.Context(), &req)
	if err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			WriteError(w, http.StatusBadRequest, fieldErrs.Error())
			return
		}
		h.logger.Error().Err(err).Str("nup", req.NUP).Msg("Admission failed")
		WriteError(w, http.StatusInternalServerError, "Failed to admit request")
		return
	}

	WriteJSON(w, http.StatusOK, resp)
}

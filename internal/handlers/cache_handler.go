package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/interfaces"
)

// CacheHandler answers cache probes without enqueuing anything.
type CacheHandler struct {
	intakeService interfaces.IntakeService
	logger        arbor.ILogger
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(intakeService interfaces.IntakeService, logger arbor.ILogger) *CacheHandler {
	return &CacheHandler{
		intakeService: intakeService,
		logger:        logger,
	}
}

// CacheLookupHandler reports whether a fresh result exists for the NUP/scope
// pair. NUPs contain a slash, so everything between /nup/ and /cache is the
// identifier whether the caller escaped it or not.
// GET /nup/{nup}/cache?scope=
func (h *CacheHandler) CacheLookupHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	path := strings.Trim(r.URL.Path, "/")
	if !strings.HasPrefix(path, "nup/") || !strings.HasSuffix(path, "/cache") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	nup := strings.TrimSuffix(strings.TrimPrefix(path, "nup/"), "/cache")
	if nup == "" {
		WriteError(w, http.StatusBadRequest, "NUP is required")
		return
	}

	lookup, err := h.intakeService.CacheLookup(r.Context(), nup, r.URL.Query().Get("scope"))
	if err != nil {
		h.logger.Error().Err(err).Str("nup", nup).Msg("Cache lookup failed")
		WriteError(w, http.StatusInternalServerError, "Cache lookup failed")
		return
	}

	WriteJSON(w, http.StatusOK, lookup)
}

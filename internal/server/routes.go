package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Intake
	mux.HandleFunc("/enqueue", s.app.EnqueueHandler.EnqueueHandler)

	// Job rows and results
	mux.HandleFunc("/jobs/", s.handleJobRoutes) // GET /{id}, /{id}/result, /{id}/result/full

	// Cache probe
	mux.HandleFunc("/nup/", s.app.CacheHandler.CacheLookupHandler)

	// System
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobRoutes routes /jobs/{id} and its result subpaths to the
// appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, "/result/full"):
		s.app.JobHandler.GetJobResultFullHandler(w, r)
	case strings.HasSuffix(path, "/result"):
		s.app.JobHandler.GetJobResultHandler(w, r)
	default:
		s.app.JobHandler.GetJobHandler(w, r)
	}
}

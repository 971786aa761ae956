package server

import (
	"net/http"
	"strings"

	"github.com/sparkjar/crew-api/internal/metrics"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job intake and inspection
	mux.HandleFunc("/crew_job", s.app.JobHandler.SubmitJobHandler)
	mux.HandleFunc("/crew_job/", s.handleJobRoutes) // GET /{id}, GET /{id}/events, POST /{id}/cancel, POST /{id}/vectorize
	mux.HandleFunc("/crew_jobs", s.app.JobHandler.ListJobsHandler)

	// Similarity search over vectorized event logs
	mux.HandleFunc("/search", s.app.SearchHandler.SearchHandler)

	// Schema management
	mux.HandleFunc("/schemas", s.app.SchemaHandler.SchemasHandler)

	// System
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobRoutes dispatches /crew_job/{id} subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[2] == "vectorize" && r.Method == http.MethodPost {
		s.app.SearchHandler.VectorizeJob(w, r, parts[1])
		return
	}
	s.app.JobHandler.JobRoutes(w, r)
}

// -----------------------------------------------------------------------
// Routes - Job submission, status, reports, health and the event stream
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (middleware is bypassed for this path)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Job submission. Each endpoint creates one job type; status and
	// cancellation live under the same prefix keyed by job ID.
	mux.HandleFunc("/api/extract", s.app.JobHandler.CreateExtractHandler) // POST
	mux.HandleFunc("/api/extract/", s.handleJobLookup)                    // GET/DELETE /{id}
	mux.HandleFunc("/api/scrape", s.app.JobHandler.CreateScrapeHandler)   // POST
	mux.HandleFunc("/api/scrape/", s.handleJobLookup)                     // GET/DELETE /{id}
	mux.HandleFunc("/api/crawl", s.app.JobHandler.CreateCrawlHandler)     // POST
	mux.HandleFunc("/api/crawl/", s.handleJobLookup)                      // GET/DELETE /{id}

	// Job listing and per-job subresources
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler) // GET ?status=&type=&limit=
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)               // GET /{id}, DELETE /{id}, GET /{id}/report

	// System routes
	mux.HandleFunc("/health", s.app.HealthHandler.GetHealthHandler)
	mux.HandleFunc("/api/version", s.app.HealthHandler.VersionHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.HealthHandler.NotFoundHandler)

	return mux
}

// handleJobLookup serves the per-type status routes. Job IDs are global,
// so /api/extract/{id}, /api/scrape/{id} and /api/crawl/{id} all resolve
// through the same handlers.
func (s *Server) handleJobLookup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.JobHandler.GetJobHandler(w, r)
	case http.MethodDelete:
		s.app.JobHandler.CancelJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes serves /api/jobs/{id} and /api/jobs/{id}/report
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/report") {
		s.app.ReportHandler.GetReportHandler(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.app.JobHandler.GetJobHandler(w, r)
	case http.MethodDelete:
		s.app.JobHandler.CancelJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

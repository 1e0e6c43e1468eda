// -----------------------------------------------------------------------
// Report API - Serves job reports as HTML pages or PDF downloads
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/interfaces"
)

// ReportHandler serves rendered job reports
type ReportHandler struct {
	jobs    interfaces.JobService
	reports interfaces.ReportService
	logger  arbor.ILogger
}

// NewReportHandler creates a report handler
func NewReportHandler(jobs interfaces.JobService, reports interfaces.ReportService, logger arbor.ILogger) *ReportHandler {
	return &ReportHandler{jobs: jobs, reports: reports, logger: logger}
}

// GetReportHandler renders the report for one job: HTML by default,
// application/pdf when the request carries ?format=pdf
func (h *ReportHandler) GetReportHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job for report")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("Job %s not found", jobID))
		return
	}

	start := time.Now()

	if r.URL.Query().Get("format") == "pdf" {
		data, err := h.reports.PDF(job)
		if err != nil {
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to render PDF report")
			WriteError(w, http.StatusInternalServerError, "Failed to render report")
			return
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".pdf"))
		w.WriteHeader(http.StatusOK)
		w.Write(data)

		h.logger.Debug().
			Str("job_id", jobID).
			Int("bytes", len(data)).
			Dur("duration", time.Since(start)).
			Msg("Served PDF report")
		return
	}

	data, err := h.reports.HTML(job)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to render HTML report")
		WriteError(w, http.StatusInternalServerError, "Failed to render report")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)

	h.logger.Debug().
		Str("job_id", jobID).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Served HTML report")
}

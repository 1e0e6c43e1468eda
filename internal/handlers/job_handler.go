// -----------------------------------------------------------------------
// Job API - Creation, lookup, cancellation and listing of extraction jobs
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"github.com/ternarybob/atlas/internal/services/jobs"
)

// JobHandler serves the asynchronous job API. Creation routes return
// immediately with a status URL; the worker picks the job up from the
// queue.
type JobHandler struct {
	jobs   interfaces.JobService
	logger arbor.ILogger
}

func NewJobHandler(jobService interfaces.JobService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:   jobService,
		logger: logger,
	}
}

// createJobRequest is the POST body shared by the extract, scrape and
// crawl routes. outputSchema accepts a structured object or YAML/JSON
// text; prompt is an accepted alias for extractionInstructions.
type createJobRequest struct {
	URL                    string      `json:"url"`
	ExtractionInstructions string      `json:"extractionInstructions"`
	Prompt                 string      `json:"prompt"`
	OutputSchema           interface{} `json:"outputSchema"`
	MaxPages               int         `json:"maxPages"`
	MaxDepth               int         `json:"maxDepth"`
	MaxLinks               int         `json:"maxLinks"`
	Timeout                int64       `json:"timeout"`
	StopPatterns           []string    `json:"stopPatterns"`
	LinkPatterns           []string    `json:"linkPatterns"`
	ExcludePatterns        []string    `json:"excludePatterns"`
	WaitForSelector        string      `json:"waitForSelector"`
	Model                  string      `json:"model"`
	Wildcard               bool        `json:"wildcard"`
	Autonomous             bool        `json:"autonomous"`
	Agentic                bool        `json:"agentic"`
}

// CreateExtractHandler handles POST /api/extract
func (h *JobHandler) CreateExtractHandler(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, models.JobTypeSyncExtract, "/api/extract")
}

// CreateScrapeHandler handles POST /api/scrape
func (h *JobHandler) CreateScrapeHandler(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, models.JobTypeScrape, "/api/scrape")
}

// CreateCrawlHandler handles POST /api/crawl
func (h *JobHandler) CreateCrawlHandler(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, models.JobTypeCrawl, "/api/crawl")
}

func (h *JobHandler) create(w http.ResponseWriter, r *http.Request, jobType models.JobType, statusBase string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	schema, err := jobs.NormalizeOutputSchema(req.OutputSchema)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	instructions := req.ExtractionInstructions
	if instructions == "" {
		instructions = req.Prompt
	}

	params := models.JobParams{
		ExtractionInstructions: instructions,
		OutputSchema:           schema,
		MaxPages:               req.MaxPages,
		MaxDepth:               req.MaxDepth,
		MaxLinks:               req.MaxLinks,
		Timeout:                req.Timeout,
		StopPatterns:           req.StopPatterns,
		LinkPatterns:           req.LinkPatterns,
		ExcludePatterns:        req.ExcludePatterns,
		WaitForSelector:        req.WaitForSelector,
		Model:                  req.Model,
		Wildcard:               req.Wildcard,
		Autonomous:             req.Autonomous,
		Agentic:                req.Agentic,
	}

	job, err := h.jobs.CreateJob(r.Context(), jobType, req.URL, params)
	if err != nil {
		if models.IsValidationError(err) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("url", req.URL).Msg("Job creation failed")
		WriteError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{
		"jobId":     job.ID,
		"status":    string(job.Status),
		"statusUrl": fmt.Sprintf("%s/%s", statusBase, job.ID),
	})
}

// GetJobHandler handles GET /api/{extract|scrape|crawl}/{jobId} and
// GET /api/jobs/{jobId}. The response is the canonical record with logs
// merged in.
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// CancelJobHandler handles DELETE /api/{extract|scrape|crawl}/{jobId}
// and DELETE /api/jobs/{jobId}
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job ID required")
		return
	}

	if err := h.jobs.CancelJob(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, models.ErrJobNotFound):
			WriteError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		case models.IsInvalidTransition(err):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job cancellation failed")
			WriteError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"jobId":  jobID,
		"status": string(models.JobStatusCancelled),
	})
}

// ListJobsHandler handles GET /api/jobs?status=&type=&limit=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	filter := models.JobFilter{
		Status: models.JobStatus(query.Get("status")),
		Type:   models.JobType(query.Get("type")),
	}

	if filter.Status != "" && !filter.Status.IsValid() {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown type %q", filter.Type))
		return
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	page, err := h.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Job list failed")
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    page.Jobs,
		"count":   len(page.Jobs),
		"hasMore": page.HasMore,
	})
}

// jobIDFromPath extracts the job ID segment from paths like
// /api/extract/{jobId} or /api/jobs/{jobId}/report.
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if strings.HasPrefix(parts[i], "job_") {
			return parts[i]
		}
	}
	// Caller-supplied IDs without the job_ prefix: take the segment
	// after the route prefix.
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/atlas/internal/models"
)

// responseCapBytes bounds how much of an API response gets read; results
// over the cap fail loudly rather than flooding the MCP transport.
const responseCapBytes = 4 << 20

// apiClient is a thin client for the Atlas job API
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// createJobResponse is the acknowledgement returned by the creation routes
type createJobResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	StatusURL string `json:"statusUrl"`
}

// cancelJobResponse is the acknowledgement returned by DELETE routes
type cancelJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// listJobsResponse is the page returned by GET /api/jobs
type listJobsResponse struct {
	Jobs    []*models.Job `json:"jobs"`
	Count   int           `json:"count"`
	HasMore bool          `json:"hasMore"`
}

// apiError is the error envelope the server writes on non-2xx responses
type apiError struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// CreateJob submits a job on one of the creation routes (/api/extract,
// /api/scrape, /api/crawl)
func (c *apiClient) CreateJob(ctx context.Context, route string, body map[string]interface{}) (*createJobResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out createJobResponse
	if err := c.do(req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches the canonical job record with logs merged in
func (c *apiClient) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	var job models.Job
	if err := c.do(req, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs fetches recent jobs, newest first, with optional filters
func (c *apiClient) ListJobs(ctx context.Context, status, jobType string, limit int) (*listJobsResponse, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if jobType != "" {
		query.Set("type", jobType)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	endpoint := c.baseURL + "/api/jobs"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var page listJobsResponse
	if err := c.do(req, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CancelJob requests cancellation of a pending or processing job
func (c *apiClient) CancelJob(ctx context.Context, jobID string) (*cancelJobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	var out cancelJobResponse
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(req *http.Request, want int, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseCapBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode != want {
		var envelope apiError
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", envelope.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected HTTP %d from %s", resp.StatusCode, req.URL.Path)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
)

// textResult wraps a markdown string in a tool call result
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

// handleCreateExtraction implements the create_extraction_job tool
func handleCreateExtraction(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobURL, err := request.RequireString("url")
		if err != nil || jobURL == "" {
			return textResult("Error: url parameter is required"), nil
		}

		instructions, err := request.RequireString("instructions")
		if err != nil || instructions == "" {
			return textResult("Error: instructions parameter is required"), nil
		}

		body := map[string]interface{}{
			"url":                    jobURL,
			"extractionInstructions": instructions,
		}
		if request.GetString("mode", "") == "autonomous" {
			body["autonomous"] = true
		}
		if maxPages := request.GetInt("max_pages", 0); maxPages > 0 {
			body["maxPages"] = maxPages
		}
		if model := request.GetString("model", ""); model != "" {
			body["model"] = model
		}

		created, err := client.CreateJob(ctx, "/api/extract", body)
		if err != nil {
			logger.Error().Err(err).Str("url", jobURL).Msg("Extraction job creation failed")
			return textResult(fmt.Sprintf("Job creation error: %v", err)), nil
		}

		return textResult(formatJobCreated(created)), nil
	}
}

// handleCreateScrape implements the create_scrape_job tool
func handleCreateScrape(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobURL, err := request.RequireString("url")
		if err != nil || jobURL == "" {
			return textResult("Error: url parameter is required"), nil
		}

		created, err := client.CreateJob(ctx, "/api/scrape", map[string]interface{}{
			"url": jobURL,
		})
		if err != nil {
			logger.Error().Err(err).Str("url", jobURL).Msg("Scrape job creation failed")
			return textResult(fmt.Sprintf("Job creation error: %v", err)), nil
		}

		return textResult(formatJobCreated(created)), nil
	}
}

// handleCreateCrawl implements the create_crawl_job tool
func handleCreateCrawl(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobURL, err := request.RequireString("url")
		if err != nil || jobURL == "" {
			return textResult("Error: url parameter is required"), nil
		}

		body := map[string]interface{}{
			"url": jobURL,
		}
		if maxPages := request.GetInt("max_pages", 0); maxPages > 0 {
			body["maxPages"] = maxPages
		}
		if maxDepth := request.GetInt("max_depth", 0); maxDepth > 0 {
			body["maxDepth"] = maxDepth
		}
		if patterns := request.GetStringSlice("link_patterns", nil); len(patterns) > 0 {
			body["linkPatterns"] = patterns
		}

		created, err := client.CreateJob(ctx, "/api/crawl", body)
		if err != nil {
			logger.Error().Err(err).Str("url", jobURL).Msg("Crawl job creation failed")
			return textResult(fmt.Sprintf("Job creation error: %v", err)), nil
		}

		return textResult(formatJobCreated(created)), nil
	}
}

// handleGetJobStatus implements the get_job_status tool
func handleGetJobStatus(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return textResult("Error: job_id parameter is required"), nil
		}

		job, err := client.GetJob(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
			return textResult(fmt.Sprintf("Job lookup error: %v", err)), nil
		}

		return textResult(formatJob(job)), nil
	}
}

// handleListJobs implements the list_jobs tool
func handleListJobs(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := request.GetString("status", "")
		jobType := request.GetString("type", "")
		limit := request.GetInt("limit", 20)

		page, err := client.ListJobs(ctx, status, jobType, limit)
		if err != nil {
			logger.Error().Err(err).Msg("Job list failed")
			return textResult(fmt.Sprintf("List error: %v", err)), nil
		}

		return textResult(formatJobList(page)), nil
	}
}

// handleCancelJob implements the cancel_job tool
func handleCancelJob(client *apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return textResult("Error: job_id parameter is required"), nil
		}

		cancelled, err := client.CancelJob(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Job cancellation failed")
			return textResult(fmt.Sprintf("Cancellation error: %v", err)), nil
		}

		return textResult(fmt.Sprintf("Job %s is now %s.", cancelled.JobID, cancelled.Status)), nil
	}
}

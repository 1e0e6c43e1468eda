package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createExtractionJobTool returns the create_extraction_job tool definition
func createExtractionJobTool() mcp.Tool {
	return mcp.NewTool("create_extraction_job",
		mcp.WithDescription("Submit an asynchronous extraction job: a model reads the page and returns structured data matching the instructions. Returns a job ID to poll with get_job_status."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Seed URL to extract from"),
		),
		mcp.WithString("instructions",
			mcp.Required(),
			mcp.Description("What to extract, in plain language"),
		),
		mcp.WithString("mode",
			mcp.Description("sync extracts the seed page only; autonomous lets the model follow links (default: sync)"),
		),
		mcp.WithNumber("max_pages",
			mcp.Description("Page budget for autonomous jobs (default: server config)"),
		),
		mcp.WithString("model",
			mcp.Description("Model tier: lowest, mid or highest"),
		),
	)
}

// createScrapeJobTool returns the create_scrape_job tool definition
func createScrapeJobTool() mcp.Tool {
	return mcp.NewTool("create_scrape_job",
		mcp.WithDescription("Fetch a single page and convert it to markdown, no model involved"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Page URL to scrape"),
		),
	)
}

// createCrawlJobTool returns the create_crawl_job tool definition
func createCrawlJobTool() mcp.Tool {
	return mcp.NewTool("create_crawl_job",
		mcp.WithDescription("Breadth-first crawl from a seed URL, returning markdown for every fetched page"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Seed URL to crawl from"),
		),
		mcp.WithNumber("max_pages",
			mcp.Description("Maximum pages to fetch (default: server config)"),
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Maximum link depth from the seed (default: server config)"),
		),
		mcp.WithArray("link_patterns",
			mcp.WithStringItems(),
			mcp.Description("Wildcard patterns links must match to be followed, e.g. */docs/*"),
		),
	)
}

// createGetJobStatusTool returns the get_job_status tool definition
func createGetJobStatusTool() mcp.Tool {
	return mcp.NewTool("get_job_status",
		mcp.WithDescription("Fetch a job's status, result and recent activity"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID (format: job_{uuid})"),
		),
	)
}

// createListJobsTool returns the list_jobs tool definition
func createListJobsTool() mcp.Tool {
	return mcp.NewTool("list_jobs",
		mcp.WithDescription("List recent jobs, newest first, optionally filtered by status or type"),
		mcp.WithString("status",
			mcp.Description("Filter: pending, processing, completed, failed, cancelled, timeout"),
		),
		mcp.WithString("type",
			mcp.Description("Filter: sync-extract, autonomous-extract, scrape, crawl"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 20)"),
		),
	)
}

// createCancelJobTool returns the cancel_job tool definition
func createCancelJobTool() mcp.Tool {
	return mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a pending or processing job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID to cancel"),
		),
	)
}

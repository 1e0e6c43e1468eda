// -----------------------------------------------------------------------
// Job executors - One executor per job type, registered on the processor
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"github.com/ternarybob/atlas/internal/services/orchestrator"
)

// ExecutionResult is an executor's terminal payload. Note carries
// advisory error text for partial completions.
type ExecutionResult struct {
	Data map[string]interface{}
	Note string
}

// Executor runs one job type to completion
type Executor interface {
	Execute(ctx context.Context, job *models.Job) (*ExecutionResult, error)
}

// extractExecutor drives the orchestration loop. The single-page variant
// pins the loop to one iteration for synchronous extraction jobs.
type extractExecutor struct {
	orch       *orchestrator.Orchestrator
	singlePage bool
}

// NewAutonomousExtractExecutor runs the full multi-page loop
func NewAutonomousExtractExecutor(orch *orchestrator.Orchestrator) Executor {
	return &extractExecutor{orch: orch}
}

// NewSyncExtractExecutor runs the loop pinned to the seed page
func NewSyncExtractExecutor(orch *orchestrator.Orchestrator) Executor {
	return &extractExecutor{orch: orch, singlePage: true}
}

func (e *extractExecutor) Execute(ctx context.Context, job *models.Job) (*ExecutionResult, error) {
	if e.singlePage {
		job = job.Clone()
		job.Params.MaxPages = 1
		job.Params.MaxDepth = 1
	}

	outcome, err := e.orch.Run(ctx, job)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{Data: outcome.Result, Note: outcome.Note}, nil
}

// scrapeExecutor fetches one page and returns its markdown conversion
type scrapeExecutor struct {
	fetcher interfaces.FetchService
	logger  arbor.ILogger
}

// NewScrapeExecutor builds the single-page fetch executor
func NewScrapeExecutor(fetcher interfaces.FetchService, logger arbor.ILogger) Executor {
	return &scrapeExecutor{fetcher: fetcher, logger: logger}
}

func (e *scrapeExecutor) Execute(ctx context.Context, job *models.Job) (*ExecutionResult, error) {
	startTime := time.Now()

	result, err := e.fetcher.Fetch(ctx, job.URL, models.FetchOptions{
		WaitForSelector: job.Params.WaitForSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("scrape failed: %w", err)
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Str("url", job.URL).
		Str("method", result.Method).
		Int("markdown_bytes", len(result.Markdown)).
		Dur("duration", time.Since(startTime)).
		Msg("Scrape completed")

	return &ExecutionResult{Data: map[string]interface{}{
		"url":        result.URL,
		"finalUrl":   result.FinalURL,
		"markdown":   result.Markdown,
		"metadata":   result.Metadata,
		"links":      result.Links,
		"method":     result.Method,
		"httpStatus": result.HTTPStatus,
		"fetchedAt":  models.NowMillis(),
	}}, nil
}

// crawlExecutor walks links breadth-first from the seed under the job's
// page, link and depth limits. Pages that fail to fetch are skipped; the
// crawl only errors when nothing was fetched at all.
type crawlExecutor struct {
	config  *common.OrchestratorConfig
	fetcher interfaces.FetchService
	logger  arbor.ILogger
}

// NewCrawlExecutor builds the link-bounded multi-page executor
func NewCrawlExecutor(config *common.OrchestratorConfig, fetcher interfaces.FetchService, logger arbor.ILogger) Executor {
	return &crawlExecutor{config: config, fetcher: fetcher, logger: logger}
}

type crawlTarget struct {
	url   string
	depth int
}

func (e *crawlExecutor) Execute(ctx context.Context, job *models.Job) (*ExecutionResult, error) {
	startTime := time.Now()
	jobLogger := e.logger.WithCorrelationId(job.ID)

	maxPages := job.Params.MaxPages
	if maxPages <= 0 {
		maxPages = e.config.MaxPages
	}
	maxLinks := job.Params.MaxLinks
	if maxLinks <= 0 {
		maxLinks = e.config.MaxLinks
	}
	maxDepth := job.Params.MaxDepth
	if maxDepth <= 0 {
		maxDepth = e.config.MaxDepth
	}

	filter := orchestrator.NewLinkFilter(job.URL, job.Params.LinkPatterns, job.Params.ExcludePatterns, jobLogger)
	opts := models.FetchOptions{WaitForSelector: job.Params.WaitForSelector}

	frontier := []crawlTarget{{url: job.URL, depth: 0}}
	visited := make(map[string]bool)
	var pages []map[string]interface{}
	linksFound := 0
	fetchFailures := 0

	for len(frontier) > 0 && len(pages) < maxPages {
		if ctx.Err() != nil {
			jobLogger.Warn().
				Str("job_id", job.ID).
				Int("pages", len(pages)).
				Msg("Crawl cut short by deadline")
			break
		}

		next := frontier[0]
		frontier = frontier[1:]
		if visited[next.url] {
			continue
		}
		visited[next.url] = true

		result, err := e.fetcher.Fetch(ctx, next.url, opts)
		if err != nil {
			fetchFailures++
			jobLogger.Warn().
				Err(err).
				Str("url", next.url).
				Msg("Crawl fetch failed, skipping page")
			continue
		}

		pages = append(pages, map[string]interface{}{
			"url":        result.URL,
			"finalUrl":   result.FinalURL,
			"markdown":   result.Markdown,
			"depth":      next.depth,
			"method":     result.Method,
			"httpStatus": result.HTTPStatus,
		})

		if next.depth >= maxDepth {
			continue
		}
		budget := maxLinks - linksFound
		if budget <= 0 {
			continue
		}
		kept := filter.Filter(result.Links, budget)
		linksFound += len(kept)
		for _, link := range kept {
			if !visited[link] {
				frontier = append(frontier, crawlTarget{url: link, depth: next.depth + 1})
			}
		}
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("crawl fetched no pages from %s (%d failures)", job.URL, fetchFailures)
	}

	jobLogger.Info().
		Str("job_id", job.ID).
		Int("pages", len(pages)).
		Int("links", linksFound).
		Int("failures", fetchFailures).
		Dur("duration", time.Since(startTime)).
		Msg("Crawl completed")

	var note string
	if ctx.Err() != nil {
		note = "crawl cut short by time budget"
	}

	return &ExecutionResult{
		Data: map[string]interface{}{
			"pages": pages,
			"crawl_summary": map[string]interface{}{
				"pages_fetched":  len(pages),
				"links_found":    linksFound,
				"fetch_failures": fetchFailures,
				"duration_ms":    time.Since(startTime).Milliseconds(),
			},
		},
		Note: note,
	}, nil
}

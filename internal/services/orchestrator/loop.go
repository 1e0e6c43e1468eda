// -----------------------------------------------------------------------
// Orchestration loop - Model-driven multi-page extraction per job
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// cleanupReserve is carved off the process budget so a final status
// write always has room, even when the loop runs to the wire.
const cleanupReserve = 30 * time.Second

// Stop reasons recorded in the result summary.
const (
	stopTimeBudget       = "time_budget_exhausted"
	stopMaxPages         = "max_pages_reached"
	stopMaxLinks         = "max_links_reached"
	stopMaxDepth         = "max_depth_reached"
	stopModelRecommended = "model_recommended_stop"
	stopNoMoreURLs       = "pagination_exhausted"
	stopFetchFailed      = "fetch_failed"
)

// Outcome is the terminal verdict of one orchestration run. Result is
// non-nil whenever any data was extracted; Partial marks a run the
// deadline cut short, with Note carrying the advisory error text.
type Outcome struct {
	Result  map[string]interface{}
	Partial bool
	Note    string
}

// Orchestrator drives the decide/fetch/extract/paginate loop for one
// autonomous extraction job. One instance is shared across workers; all
// run state lives in the per-call State.
type Orchestrator struct {
	config  *common.OrchestratorConfig
	fetcher interfaces.FetchService
	llm     interfaces.LLMService
	jobs    interfaces.JobService
	logger  arbor.ILogger
	agents  *agentPool
	synth   *synthesizer
}

// NewOrchestrator wires the loop against the fetcher, model router and
// job lifecycle manager.
func NewOrchestrator(config *common.OrchestratorConfig, fetcher interfaces.FetchService, llm interfaces.LLMService, jobs interfaces.JobService, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		config:  config,
		fetcher: fetcher,
		llm:     llm,
		jobs:    jobs,
		logger:  logger,
		agents:  newAgentPool(&config.Agent, fetcher, llm, logger),
		synth:   newSynthesizer(&config.Synthesis, llm, logger),
	}
}

// Run executes the orchestration loop for one job and returns the
// outcome. Data extracted before the deadline always survives: a run cut
// short with data comes back Partial, only a dataless run errors.
func (o *Orchestrator) Run(ctx context.Context, job *models.Job) (*Outcome, error) {
	start := time.Now()
	deadline := o.jobDeadline(ctx, job, start)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	jobLogger := o.logger.WithCorrelationId(job.ID)
	state := newState(job, start, deadline)
	filter := NewLinkFilter(job.URL, job.Params.LinkPatterns, job.Params.ExcludePatterns, jobLogger)
	maxPages, maxLinks, maxDepth := o.effectiveLimits(job.Params)

	jobLogger.Info().
		Str("job_id", job.ID).
		Str("url", job.URL).
		Int("max_pages", maxPages).
		Int("max_links", maxLinks).
		Int("max_depth", maxDepth).
		Str("deadline", deadline.Format(time.RFC3339)).
		Msg("Starting orchestration loop")

	for {
		if stop := o.checkStop(state, maxPages, maxLinks, maxDepth); stop != "" {
			state.StopReason = stop
			jobLogger.Info().
				Str("job_id", job.ID).
				Str("stop_reason", stop).
				Int("pages", state.TotalPagesProcessed).
				Msg("Stop condition reached")
			break
		}

		decision := o.decide(runCtx, state)
		o.jobs.AppendLog(runCtx, job.ID, "info", fmt.Sprintf(
			"page %d decision: strategy=%s agents=%d stop=%v confidence=%.2f %s",
			state.CurrentPage, decision.Strategy, len(decision.ExtractionTargets),
			decision.ShouldStop(), decision.Confidence, decision.Reasoning))

		if decision.ShouldStop() {
			if state.ItemCount() > 0 {
				state.StopReason = stopModelRecommended
				jobLogger.Info().
					Str("job_id", job.ID).
					Int("items", state.ItemCount()).
					Msg("Model recommended stop with data in hand")
				break
			}
			// Never finish empty-handed on a stop call: extract the
			// current page first and let the next iteration decide.
			decision = models.FallbackDecision(state.CurrentURL)
			decision.Reasoning = "stop recommended before any extraction, extracting current page first"
			jobLogger.Info().
				Str("job_id", job.ID).
				Str("url", state.CurrentURL).
				Msg("Stop recommended with no data, forcing single-page extraction")
		}

		if err := o.processPage(runCtx, state, decision, filter, maxLinks); err != nil {
			o.jobs.AppendLog(runCtx, job.ID, "warn", fmt.Sprintf(
				"page %d (%s) failed: %v", state.CurrentPage, state.CurrentURL, err))
			jobLogger.Warn().
				Str("job_id", job.ID).
				Str("url", state.CurrentURL).
				Err(err).
				Msg("Iteration failed, advancing to next pagination URL")

			// The decision's pagination info survives the failure; a
			// queued next page keeps the run alive.
			o.queuePagination(state, decision, jobLogger)
			if !o.advance(state) {
				state.StopReason = stopFetchFailed
				break
			}
			continue
		}

		o.queuePagination(state, decision, jobLogger)

		if !o.advance(state) {
			state.StopReason = stopNoMoreURLs
			break
		}

		o.iterationPause(runCtx)
	}

	synthesis := ""
	if state.ItemCount() > 0 {
		synthesis = o.synth.Synthesize(runCtx, state.ExtractedData, job.Params, deadline)
	}

	jobLogger.Info().
		Str("job_id", job.ID).
		Int("pages", state.TotalPagesProcessed).
		Int("links", state.TotalLinksFound).
		Int("items", state.ItemCount()).
		Str("stop_reason", state.StopReason).
		Int64("duration_ms", state.DurationMillis()).
		Msg("Orchestration loop finished")

	return o.buildOutcome(state, synthesis)
}

// jobDeadline computes start + min(per-job timeout, process remaining −
// cleanup reserve). The reserve keeps the final status write inside the
// process budget.
func (o *Orchestrator) jobDeadline(ctx context.Context, job *models.Job, start time.Time) time.Time {
	budget := common.DurationOr(o.config.DefaultTimeout, 5*time.Minute)
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(ctxDeadline) - cleanupReserve; remaining < budget {
			budget = remaining
		}
	}
	return job.Deadline(start, budget)
}

func (o *Orchestrator) shutdownGuard() time.Duration {
	return common.DurationOr(o.config.ShutdownGuard, 60*time.Second)
}

// effectiveLimits resolves per-job limits against configured defaults.
func (o *Orchestrator) effectiveLimits(params models.JobParams) (maxPages, maxLinks, maxDepth int) {
	maxPages = params.MaxPages
	if maxPages <= 0 {
		maxPages = o.config.MaxPages
	}
	maxLinks = params.MaxLinks
	if maxLinks <= 0 {
		maxLinks = o.config.MaxLinks
	}
	maxDepth = params.MaxDepth
	if maxDepth <= 0 {
		maxDepth = o.config.MaxDepth
	}
	return maxPages, maxLinks, maxDepth
}

// checkStop evaluates the stop set. Limit checks only bite once a page
// has been processed, so the first page is never skipped.
func (o *Orchestrator) checkStop(state *State, maxPages, maxLinks, maxDepth int) string {
	if state.Remaining() < o.shutdownGuard() {
		return stopTimeBudget
	}
	if state.TotalPagesProcessed == 0 {
		return ""
	}
	if maxPages > 0 && state.TotalPagesProcessed >= maxPages {
		return stopMaxPages
	}
	if maxLinks > 0 && state.TotalLinksFound >= maxLinks {
		return stopMaxLinks
	}
	if maxDepth > 0 && state.CurrentPage > maxDepth {
		return stopMaxDepth
	}
	return ""
}

// processPage runs one full iteration against the current URL: fetch,
// link discovery, agent extraction. Agent-level failures are recorded in
// the results; only a failed page fetch fails the iteration.
func (o *Orchestrator) processPage(ctx context.Context, state *State, decision *models.Decision, filter *LinkFilter, maxLinks int) error {
	url := state.CurrentURL
	state.MarkProcessed(url)

	fetched, err := o.fetcher.Fetch(ctx, url, models.FetchOptions{
		WaitForSelector: state.Job.Params.WaitForSelector,
	})
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	state.LastFetch = fetched

	linkBudget := maxLinks - state.TotalLinksFound
	if linkBudget > 0 {
		links := filter.Filter(fetched.Links, linkBudget)
		state.DiscoveredLinks = links
		state.TotalLinksFound += len(links)
	} else {
		state.DiscoveredLinks = nil
	}

	targets := o.dedupeTargets(state, decision.ExtractionTargets)
	for i := range targets {
		// Agents targeting the current page reuse this iteration's fetch.
		if targets[i].TargetURL == url {
			targets[i].Page = fetched
		}
	}
	results := o.agents.RunAgents(ctx, targets, state.Job.Params)
	state.ExtractedData = append(state.ExtractedData, results...)
	state.TotalPagesProcessed++

	return nil
}

// dedupeTargets drops targets already extracted this run, keeping the
// current page so the iteration always produces at least one result.
// Kept targets are marked processed before dispatch.
func (o *Orchestrator) dedupeTargets(state *State, targets []models.ExtractionTarget) []models.ExtractionTarget {
	kept := make([]models.ExtractionTarget, 0, len(targets))
	for _, target := range targets {
		if target.TargetURL != state.CurrentURL && state.Processed(target.TargetURL) {
			continue
		}
		state.MarkProcessed(target.TargetURL)
		kept = append(kept, target)
	}
	if len(kept) == 0 {
		kept = append(kept, models.ExtractionTarget{
			AgentID:   "agent-0",
			TargetURL: state.CurrentURL,
			Priority:  1,
		})
	}
	return kept
}

// queuePagination records the decision's next-page URL on the
// append-only trail.
func (o *Orchestrator) queuePagination(state *State, decision *models.Decision, jobLogger arbor.ILogger) {
	if !decision.Pagination.HasNext || decision.Pagination.NextPageURL == "" {
		return
	}
	if state.PushPaginationURL(decision.Pagination.NextPageURL) {
		jobLogger.Debug().
			Str("job_id", state.Job.ID).
			Str("next_url", decision.Pagination.NextPageURL).
			Str("type", decision.Pagination.Type).
			Msg("Queued pagination URL")
	}
}

// advance moves the loop to the next queued pagination URL, reporting
// false when the trail is exhausted.
func (o *Orchestrator) advance(state *State) bool {
	next, ok := state.NextPaginationURL()
	if !ok {
		return false
	}
	state.CurrentURL = next
	state.CurrentPage++
	return true
}

// iterationPause sleeps the politeness window between iterations,
// waking early on context cancellation.
func (o *Orchestrator) iterationPause(ctx context.Context) {
	shortest := common.DurationOr(o.config.IterationDelayMin, time.Second)
	longest := common.DurationOr(o.config.IterationDelayMax, 2*time.Second)
	delay := shortest
	if longest > shortest {
		delay = shortest + time.Duration(rand.Int63n(int64(longest-shortest)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// buildOutcome converts final run state into the job verdict: data
// completes the job, with the timeout-fallback flag when the run was cut
// short; no data fails it.
func (o *Orchestrator) buildOutcome(state *State, synthesis string) (*Outcome, error) {
	cutShort := state.StopReason == stopTimeBudget || state.Remaining() <= 0

	if len(state.ExtractedData) == 0 || state.ItemCount() == 0 {
		reason := state.StopReason
		if reason == "" {
			reason = stopNoMoreURLs
		}
		return nil, fmt.Errorf("no data extracted after %d page(s): %s", state.TotalPagesProcessed, reason)
	}

	result := map[string]interface{}{
		"pages": state.ExtractedData,
		"orchestrator_summary": map[string]interface{}{
			"pages_processed": state.TotalPagesProcessed,
			"links_found":     state.TotalLinksFound,
			"duration_ms":     state.DurationMillis(),
			"stop_reason":     state.StopReason,
		},
		"synthesis": synthesis,
	}

	outcome := &Outcome{Result: result}
	if cutShort {
		result["_timeout_fallback"] = true
		outcome.Partial = true
		outcome.Note = fmt.Sprintf("time budget exhausted after %d page(s), returning partial data", state.TotalPagesProcessed)
	}
	return outcome, nil
}

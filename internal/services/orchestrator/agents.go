// -----------------------------------------------------------------------
// Agent pool - Bounded parallel extraction over decided targets
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// agentContentLimit caps how much page markdown one extraction call sees.
const agentContentLimit = 30000

// exhaustiveMarkers are the prompt phrases that ask for everything; a
// thin first pass on such a prompt earns one higher-tier retry.
var exhaustiveMarkers = []string{" all ", " every ", " entire ", "complete list"}

// agentPool fans decided extraction targets across bounded parallel
// agents. Each agent fetches its page (unless the target carries one)
// and runs one extraction call; failures stay per-target and never sink
// the batch.
type agentPool struct {
	config  *common.AgentConfig
	fetcher interfaces.FetchService
	llm     interfaces.LLMService
	logger  arbor.ILogger
}

func newAgentPool(config *common.AgentConfig, fetcher interfaces.FetchService, llm interfaces.LLMService, logger arbor.ILogger) *agentPool {
	return &agentPool{
		config:  config,
		fetcher: fetcher,
		llm:     llm,
		logger:  logger,
	}
}

func (p *agentPool) concurrency() int {
	if p.config.Concurrency > 0 {
		return p.config.Concurrency
	}
	return 5
}

func (p *agentPool) agentTimeout() time.Duration {
	return common.DurationOr(p.config.Timeout, 20*time.Second)
}

func (p *agentPool) retryThreshold() int {
	if p.config.RetryThreshold > 0 {
		return p.config.RetryThreshold
	}
	return 3
}

// RunAgents processes targets with bounded parallelism. Dispatch is FIFO
// by priority descending; results come back merged in deterministic
// order (priority desc, ties by agent ID) regardless of which goroutine
// finished first.
func (p *agentPool) RunAgents(ctx context.Context, targets []models.ExtractionTarget, params models.JobParams) []models.AgentResult {
	if len(targets) == 0 {
		return nil
	}

	ordered := make([]models.ExtractionTarget, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].AgentID < ordered[j].AgentID
	})

	workers := p.concurrency()
	if len(ordered) < workers {
		workers = len(ordered)
	}

	p.logger.Debug().
		Int("targets", len(ordered)).
		Int("workers", workers).
		Dur("agent_timeout", p.agentTimeout()).
		Msg("Dispatching extraction agents")

	// Slots are handed out in priority order over a channel, so the
	// highest-priority targets start first; each goroutine writes to its
	// own slot, keeping the merged order deterministic.
	results := make([]models.AgentResult, len(ordered))
	slots := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range slots {
				results[slot] = p.runAgent(ctx, ordered[slot], params)
			}
		}()
	}
	for i := range ordered {
		slots <- i
	}
	close(slots)
	wg.Wait()

	return results
}

// runAgent handles one target: fetch, extract, and the optional
// exhaustiveness retry. The agent's own deadline stays strictly inside
// the batch deadline.
func (p *agentPool) runAgent(ctx context.Context, target models.ExtractionTarget, params models.JobParams) models.AgentResult {
	result := models.AgentResult{
		AgentID:  target.AgentID,
		URL:      target.TargetURL,
		Priority: target.Priority,
	}

	agentCtx, cancel := context.WithTimeout(ctx, p.agentTimeout())
	defer cancel()

	start := time.Now()

	fetched := target.Page
	if fetched == nil {
		var err error
		fetched, err = p.fetcher.Fetch(agentCtx, target.TargetURL, models.FetchOptions{
			WaitForSelector: params.WaitForSelector,
		})
		if err != nil {
			result.Error = fmt.Sprintf("fetch failed: %v", err)
			p.logger.Warn().
				Str("agent_id", target.AgentID).
				Str("url", target.TargetURL).
				Err(err).
				Msg("Agent fetch failed")
			return result
		}
	}

	extracted, err := p.extract(agentCtx, fetched, target, params, false)
	if err != nil {
		result.Error = fmt.Sprintf("extraction failed: %v", err)
		p.logger.Warn().
			Str("agent_id", target.AgentID).
			Str("url", target.TargetURL).
			Err(err).
			Msg("Agent extraction failed")
		return result
	}
	result.ExtractedData = extracted

	// A thin result against an "all/every" prompt earns one exhaustive
	// retry at a higher tier before we settle.
	if result.ItemCount() < p.retryThreshold() && wantsExhaustive(params.ExtractionInstructions) {
		if agentCtx.Err() == nil {
			p.logger.Debug().
				Str("agent_id", target.AgentID).
				Int("items", result.ItemCount()).
				Msg("Thin result on exhaustive prompt, retrying at higher tier")

			if retried, rerr := p.extract(agentCtx, fetched, target, params, true); rerr == nil {
				retriedResult := models.AgentResult{ExtractedData: retried}
				if retriedResult.ItemCount() > result.ItemCount() {
					result.ExtractedData = retried
				}
			}
		}
	}

	result.Metadata = map[string]interface{}{
		"fetchMethod": fetched.Method,
		"httpStatus":  fetched.HTTPStatus,
		"elapsed":     time.Since(start).Milliseconds(),
	}
	if title, ok := fetched.Metadata["title"].(string); ok {
		result.Metadata["title"] = title
	}

	return result
}

// extract runs one extraction completion over fetched page content.
// Exhaustive mode escalates the tier and hardens the instruction.
func (p *agentPool) extract(ctx context.Context, fetched *models.FetchResult, target models.ExtractionTarget, params models.JobParams, exhaustive bool) (interface{}, error) {
	content := fetched.Markdown
	if content == "" {
		content = fetched.HTML
	}
	if len(content) > agentContentLimit {
		content = content[:agentContentLimit] + "\n[truncated]"
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("page has no extractable content")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Extract from this page: %s\n\n", params.ExtractionInstructions)
	if target.Focus != "" {
		fmt.Fprintf(&prompt, "Focus: %s\n\n", target.Focus)
	}
	if exhaustive {
		prompt.WriteString("Extract EVERY matching item on the page. Do not stop at the first few; scan the entire content.\n\n")
	}
	fmt.Fprintf(&prompt, "Page URL: %s\n\nPage content:\n%s", fetched.FinalURL, content)

	route := models.RouteRequest{
		Complexity:     0.5,
		OutputFormat:   models.OutputFormatJSON,
		OutputSchema:   params.OutputSchema,
		TierPreference: models.TierMid,
	}
	if len(params.OutputSchema) > 0 {
		route.OutputFormat = models.OutputFormatJSONSchema
	}
	if exhaustive {
		route.TierPreference = models.TierHighest
		route.Complexity = 0.85
	}

	text, _, err := p.llm.CompleteWithFallback(ctx, route, interfaces.CompletionRequest{
		System:    "You are a precise extraction agent. Respond with only the extracted data as JSON.",
		Prompt:    prompt.String(),
		Schema:    params.OutputSchema,
		Operation: "extract",
	})
	if err != nil {
		return nil, err
	}

	payload := extractJSONPayload(text)
	if payload == "" {
		return nil, fmt.Errorf("no JSON in extraction response")
	}

	var data interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("invalid extraction JSON: %w", err)
	}
	return data, nil
}

// extractJSONPayload pulls the outermost JSON value, object or array,
// out of a possibly fenced or chatty response.
func extractJSONPayload(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if end := strings.LastIndex(cleaned, "```"); end >= 0 {
			cleaned = cleaned[:end]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	objStart := strings.Index(cleaned, "{")
	arrStart := strings.Index(cleaned, "[")

	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		if end := strings.LastIndex(cleaned, "]"); end > arrStart {
			return cleaned[arrStart : end+1]
		}
	}
	if objStart >= 0 {
		if end := strings.LastIndex(cleaned, "}"); end > objStart {
			return cleaned[objStart : end+1]
		}
	}
	return ""
}

// wantsExhaustive reports whether the instructions ask for a complete
// sweep rather than a sample.
func wantsExhaustive(instructions string) bool {
	padded := " " + strings.ToLower(instructions) + " "
	for _, marker := range exhaustiveMarkers {
		if strings.Contains(padded, marker) {
			return true
		}
	}
	return false
}

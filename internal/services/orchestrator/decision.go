// -----------------------------------------------------------------------
// Planning - Decision prompt, model call and tolerant JSON parsing
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// decisionTimeout bounds one planning call. A slow planner falls back to
// the hard-coded single-page decision rather than eating the job budget.
const decisionTimeout = 45 * time.Second

// contentPreviewLimit caps how much page markdown rides in the prompt.
const contentPreviewLimit = 4000

// linkSampleLimit caps how many discovered links the prompt lists.
const linkSampleLimit = 40

const decisionSystem = `You are the planning step of a web extraction orchestrator.
Given the current page and run state, decide the next move. Respond with a single JSON object:
{
  "strategy": "single_page" | "multi_agent" | "pagination" | "stop",
  "reasoning": "one sentence",
  "agentsNeeded": <int>,
  "extractionTargets": [{"agentId": "agent-0", "targetUrl": "...", "focus": "...", "priority": <int, higher first>}],
  "pagination": {"hasNext": <bool>, "nextPageUrl": "...", "type": "numbered|infinite|load_more|link", "estimatedTotalPages": <int>},
  "stopRecommendation": <bool>,
  "confidence": <0..1>
}
Pick "stop" only when the extraction goal is met. Prefer "multi_agent" when several listed pages each carry goal data.`

// decide runs one planning call at the highest tier. Any failure: model
// error, timeout, unparseable output, collapses to the fallback
// single-page decision so the loop always has a next move.
func (o *Orchestrator) decide(ctx context.Context, state *State) *models.Decision {
	prompt := buildDecisionPrompt(state)

	decideCtx, cancel := context.WithTimeout(ctx, decisionTimeout)
	defer cancel()

	text, _, err := o.llm.CompleteWithFallback(decideCtx, models.RouteRequest{
		Complexity:        0.8,
		AccuracyTarget:    0.9,
		ReasoningRequired: true,
		OutputFormat:      models.OutputFormatJSON,
		TierPreference:    models.TierHighest,
	}, interfaces.CompletionRequest{
		System:    decisionSystem,
		Prompt:    prompt,
		Operation: "decide",
	})
	if err != nil {
		o.logger.Warn().
			Str("job_id", state.Job.ID).
			Str("url", state.CurrentURL).
			Err(err).
			Msg("Planning call failed, using single-page fallback")
		return models.FallbackDecision(state.CurrentURL)
	}

	decision, err := parseDecision(text)
	if err != nil {
		o.logger.Warn().
			Str("job_id", state.Job.ID).
			Str("url", state.CurrentURL).
			Err(err).
			Msg("Planning response unparseable, using single-page fallback")
		return models.FallbackDecision(state.CurrentURL)
	}

	normalizeDecision(decision, state)
	return decision
}

// buildDecisionPrompt assembles the planning context: goal, run summary,
// current page preview and a sample of discovered links.
func buildDecisionPrompt(state *State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Extraction goal: %s\n\n", state.Job.Params.ExtractionInstructions)
	fmt.Fprintf(&b, "Current URL: %s\n\n", state.CurrentURL)
	fmt.Fprintf(&b, "Run state:\n%s\n", state.Summary())

	limits := state.Job.Params
	fmt.Fprintf(&b, "Limits: maxPages=%d maxLinks=%d maxDepth=%d\n\n", limits.MaxPages, limits.MaxLinks, limits.MaxDepth)

	if state.LastFetch != nil && state.LastFetch.Markdown != "" {
		preview := state.LastFetch.Markdown
		if len(preview) > contentPreviewLimit {
			preview = preview[:contentPreviewLimit] + "\n[truncated]"
		}
		fmt.Fprintf(&b, "Current page content:\n%s\n\n", preview)
	}

	if len(state.DiscoveredLinks) > 0 {
		sample := state.DiscoveredLinks
		if len(sample) > linkSampleLimit {
			sample = sample[:linkSampleLimit]
		}
		b.WriteString("Discovered links:\n")
		for _, link := range sample {
			fmt.Fprintf(&b, "- %s\n", link)
		}
		b.WriteString("\n")
	}

	if len(state.Job.Params.StopPatterns) > 0 {
		fmt.Fprintf(&b, "Stop when content matches any of: %s\n", strings.Join(state.Job.Params.StopPatterns, ", "))
	}

	b.WriteString("Decide the next move.")
	return b.String()
}

// parseDecision unmarshals the model's answer, tolerating markdown fences
// and prose around the JSON object.
func parseDecision(text string) (*models.Decision, error) {
	payload := extractJSONPayload(text)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in planning response")
	}

	var decision models.Decision
	if err := json.Unmarshal([]byte(payload), &decision); err != nil {
		return nil, fmt.Errorf("invalid decision JSON: %w", err)
	}

	switch decision.Strategy {
	case models.StrategySinglePage, models.StrategyMultiAgent, models.StrategyPagination, models.StrategyStop:
	default:
		return nil, fmt.Errorf("unknown strategy %q", decision.Strategy)
	}

	return &decision, nil
}

// normalizeDecision fills gaps a sloppy model answer leaves: missing
// agent IDs, absent targets for extraction strategies, runaway agent
// counts.
func normalizeDecision(decision *models.Decision, state *State) {
	if decision.Strategy == models.StrategyStop {
		return
	}

	if len(decision.ExtractionTargets) == 0 {
		decision.ExtractionTargets = []models.ExtractionTarget{
			{AgentID: "agent-0", TargetURL: state.CurrentURL, Priority: 1},
		}
	}

	for i := range decision.ExtractionTargets {
		if decision.ExtractionTargets[i].AgentID == "" {
			decision.ExtractionTargets[i].AgentID = fmt.Sprintf("agent-%d", i)
		}
		if decision.ExtractionTargets[i].TargetURL == "" {
			decision.ExtractionTargets[i].TargetURL = state.CurrentURL
		}
	}

	if decision.AgentsNeeded < len(decision.ExtractionTargets) {
		decision.AgentsNeeded = len(decision.ExtractionTargets)
	}
}

package models

// Strategies the planning step may pick for one loop iteration
const (
	StrategySinglePage = "single_page"
	StrategyMultiAgent = "multi_agent"
	StrategyPagination = "pagination"
	StrategyStop       = "stop"
)

// Pagination describes the "is there a next page" portion of a decision
type Pagination struct {
	HasNext             bool   `json:"hasNext"`
	NextPageURL         string `json:"nextPageUrl,omitempty"`
	Type                string `json:"type,omitempty"` // numbered|infinite|load_more|link
	EstimatedTotalPages int    `json:"estimatedTotalPages,omitempty"`
}

// Decision is the model's answer to "what next" for one loop iteration.
// Parsed from a JSON-object completion; on parse failure the loop falls
// back to a single-page decision targeting the current URL.
type Decision struct {
	Strategy           string             `json:"strategy"` // single_page|multi_agent|pagination|stop
	Reasoning          string             `json:"reasoning,omitempty"`
	AgentsNeeded       int                `json:"agentsNeeded,omitempty"`
	ExtractionTargets  []ExtractionTarget `json:"extractionTargets,omitempty"`
	Pagination         Pagination         `json:"pagination"`
	StopRecommendation bool               `json:"stopRecommendation"`
	Confidence         float64            `json:"confidence"`
}

// FallbackDecision is the hard-coded single-page decision used when the
// planning call fails or times out.
func FallbackDecision(currentURL string) *Decision {
	return &Decision{
		Strategy:  StrategySinglePage,
		Reasoning: "planning unavailable, extracting current page",
		ExtractionTargets: []ExtractionTarget{
			{AgentID: "agent-0", TargetURL: currentURL, Priority: 1},
		},
		Confidence: 0.0,
	}
}

// ShouldStop reports whether the decision ends the loop
func (d *Decision) ShouldStop() bool {
	return d.Strategy == StrategyStop || d.StopRecommendation
}

// ExtractionTarget is one agent's assignment within a batch. Page, when
// set, is the already-fetched content for TargetURL and the agent skips
// its own fetch.
type ExtractionTarget struct {
	AgentID   string       `json:"agentId"`
	TargetURL string       `json:"targetUrl"`
	Focus     string       `json:"focus,omitempty"`
	Priority  int          `json:"priority"` // higher runs and merges first
	Page      *FetchResult `json:"-"`
}

// AgentResult is what one extraction agent hands back. ExtractedData is
// whatever JSON the model produced: an object, or an array of items.
type AgentResult struct {
	AgentID       string                 `json:"agentId"`
	URL           string                 `json:"url"`
	ExtractedData interface{}            `json:"extractedData,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Priority      int                    `json:"priority"`
	Error         string                 `json:"error,omitempty"`
}

// ItemCount returns the number of extracted items. Arrays count their
// elements, an object with an "items" array counts those, and any other
// non-empty payload counts as one.
func (r *AgentResult) ItemCount() int {
	switch data := r.ExtractedData.(type) {
	case nil:
		return 0
	case []interface{}:
		return len(data)
	case map[string]interface{}:
		if items, ok := data["items"].([]interface{}); ok {
			return len(items)
		}
		if len(data) > 0 {
			return 1
		}
		return 0
	default:
		return 1
	}
}

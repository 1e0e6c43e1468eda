package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

func newTestAgentPool(llm *mockLLMService, fetcher *mockFetchService) *agentPool {
	config := &common.AgentConfig{
		Concurrency:    2,
		Timeout:        "5s",
		RetryThreshold: 3,
	}
	return newAgentPool(config, fetcher, llm, arbor.NewLogger())
}

func TestRunAgentsMergeOrder(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	pool := newTestAgentPool(llm, fetcher)

	targets := []models.ExtractionTarget{
		{AgentID: "agent-z", TargetURL: "https://shop.example/z", Priority: 1},
		{AgentID: "agent-b", TargetURL: "https://shop.example/b", Priority: 3},
		{AgentID: "agent-m", TargetURL: "https://shop.example/m", Priority: 2},
		{AgentID: "agent-a", TargetURL: "https://shop.example/a", Priority: 3},
	}

	results := pool.RunAgents(context.Background(), targets, models.JobParams{
		ExtractionInstructions: "Get widgets",
	})

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	wantOrder := []string{"agent-a", "agent-b", "agent-m", "agent-z"}
	for i, want := range wantOrder {
		if results[i].AgentID != want {
			t.Errorf("results[%d].AgentID = %s, want %s", i, results[i].AgentID, want)
		}
	}
}

func TestRunAgentsPerAgentErrorIsolation(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	pool := newTestAgentPool(llm, fetcher)

	broken := "https://shop.example/broken"
	fetcher.fetchFunc = func(ctx context.Context, url string, opts models.FetchOptions) (*models.FetchResult, error) {
		if url == broken {
			return nil, &models.FetchError{Class: models.FetchErrNetwork, URL: url, Err: fmt.Errorf("connection refused")}
		}
		return testFetchPage(url), nil
	}
	llm.completeFunc = func(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, error) {
		return `[{"name": "Widget"}]`, nil
	}

	results := pool.RunAgents(context.Background(), []models.ExtractionTarget{
		{AgentID: "agent-0", TargetURL: broken, Priority: 2},
		{AgentID: "agent-1", TargetURL: "https://shop.example/ok", Priority: 1},
	}, models.JobParams{ExtractionInstructions: "Get widgets"})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Error == "" {
		t.Error("broken target should carry an error")
	}
	if results[1].Error != "" {
		t.Errorf("healthy target unexpectedly errored: %s", results[1].Error)
	}
	if results[1].ItemCount() != 1 {
		t.Errorf("healthy target ItemCount = %d, want 1", results[1].ItemCount())
	}
}

func TestRunAgentsExhaustiveRetryKeepsLargerResult(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	pool := newTestAgentPool(llm, fetcher)

	extractCalls := 0
	llm.completeFunc = func(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, error) {
		extractCalls++
		if extractCalls == 1 {
			return `[{"name": "A"}]`, nil
		}
		return `[{"name": "A"}, {"name": "B"}, {"name": "C"}, {"name": "D"}, {"name": "E"}]`, nil
	}

	results := pool.RunAgents(context.Background(), []models.ExtractionTarget{
		{AgentID: "agent-0", TargetURL: testSeedURL, Priority: 1},
	}, models.JobParams{ExtractionInstructions: "Extract all products"})

	if extractCalls != 2 {
		t.Fatalf("extract calls = %d, want a retry", extractCalls)
	}
	if results[0].ItemCount() != 5 {
		t.Errorf("ItemCount = %d, want the larger retry result", results[0].ItemCount())
	}

	// The retry escalates the tier.
	llm.mu.Lock()
	retryRoute := llm.routes[len(llm.routes)-1]
	llm.mu.Unlock()
	if retryRoute.TierPreference != models.TierHighest {
		t.Errorf("retry tier = %s, want %s", retryRoute.TierPreference, models.TierHighest)
	}
}

func TestRunAgentsNoRetryWithoutExhaustivePrompt(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	pool := newTestAgentPool(llm, fetcher)

	llm.completeFunc = func(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, error) {
		return `[{"name": "A"}]`, nil
	}

	pool.RunAgents(context.Background(), []models.ExtractionTarget{
		{AgentID: "agent-0", TargetURL: testSeedURL, Priority: 1},
	}, models.JobParams{ExtractionInstructions: "Get the latest widget"})

	if got := llm.operationCount("extract"); got != 1 {
		t.Errorf("extract calls = %d, want 1 (no exhaustive retry)", got)
	}
}

func TestRunAgentsEmptyTargets(t *testing.T) {
	pool := newTestAgentPool(&mockLLMService{}, &mockFetchService{})
	if results := pool.RunAgents(context.Background(), nil, models.JobParams{}); results != nil {
		t.Errorf("expected nil results for empty targets, got %v", results)
	}
}

func TestExtractJSONPayload(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"plain object", `{"a": 1}`, `{"a": 1}`},
		{"fenced object", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around object", `Here you go: {"a": 1} hope that helps`, `{"a": 1}`},
		{"array", `[1, 2, 3]`, `[1, 2, 3]`},
		{"array before object", `[1, 2] and {"a": 1}`, `[1, 2]`},
		{"no json", "sorry, I cannot do that", ""},
		{"fenced array", "```\n[{\"a\": 1}]\n```", `[{"a": 1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSONPayload(tt.text); got != tt.want {
				t.Errorf("extractJSONPayload(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestWantsExhaustive(t *testing.T) {
	tests := []struct {
		instructions string
		want         bool
	}{
		{"Extract all products with prices", true},
		{"Every article title on the page", true},
		{"Get the complete list of stores", true},
		{"Scan the entire catalog", true},
		{"Get the tallest building", false},
		{"Get overall sentiment", false},
		{"Get the latest news item", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := wantsExhaustive(tt.instructions); got != tt.want {
			t.Errorf("wantsExhaustive(%q) = %v, want %v", tt.instructions, got, tt.want)
		}
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// Mock implementations

type mockLLMService struct {
	completeFunc func(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, error)

	mu         sync.Mutex
	operations []string
	routes     []models.RouteRequest
}

func (m *mockLLMService) CompleteWithFallback(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	m.mu.Lock()
	m.operations = append(m.operations, req.Operation)
	m.routes = append(m.routes, route)
	m.mu.Unlock()

	if m.completeFunc != nil {
		text, err := m.completeFunc(ctx, route, req)
		return text, &models.Usage{}, err
	}
	return "{}", &models.Usage{}, nil
}

func (m *mockLLMService) operationCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, name := range m.operations {
		if name == op {
			count++
		}
	}
	return count
}

func (m *mockLLMService) Route(req models.RouteRequest) models.ModelSelection {
	return models.ModelSelection{Tier: models.TierMid}
}

func (m *mockLLMService) Complete(ctx context.Context, sel models.ModelSelection, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	return "", nil, nil
}

func (m *mockLLMService) ProbeTier(ctx context.Context, tier models.ModelTier) models.TierHealth {
	return models.TierHealth{Available: true}
}

func (m *mockLLMService) SpendMonthUSD() float64 { return 0 }
func (m *mockLLMService) Close() error           { return nil }

type mockFetchService struct {
	fetchFunc func(ctx context.Context, url string, opts models.FetchOptions) (*models.FetchResult, error)

	mu      sync.Mutex
	fetched []string
}

func (m *mockFetchService) Fetch(ctx context.Context, url string, opts models.FetchOptions) (*models.FetchResult, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, url)
	m.mu.Unlock()

	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, url, opts)
	}
	return testFetchPage(url), nil
}

func (m *mockFetchService) fetchedURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	urls := make([]string, len(m.fetched))
	copy(urls, m.fetched)
	return urls
}

func (m *mockFetchService) CacheStats() map[string]int64 { return nil }
func (m *mockFetchService) Close() error                 { return nil }

type mockJobService struct {
	mu         sync.Mutex
	logEntries []string
}

func (m *mockJobService) AppendLog(ctx context.Context, jobID, level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logEntries = append(m.logEntries, message)
}

func (m *mockJobService) logCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logEntries)
}

func (m *mockJobService) CreateJob(ctx context.Context, jobType models.JobType, url string, params models.JobParams) (*models.Job, error) {
	return nil, nil
}
func (m *mockJobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return nil, nil
}
func (m *mockJobService) ListJobs(ctx context.Context, filter models.JobFilter) (*models.JobPage, error) {
	return nil, nil
}
func (m *mockJobService) UpdateJob(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	return nil, nil
}
func (m *mockJobService) StartJob(ctx context.Context, id string) (*models.Job, error) {
	return nil, nil
}
func (m *mockJobService) CompleteJob(ctx context.Context, id string, result map[string]interface{}) error {
	return nil
}
func (m *mockJobService) CompleteJobWithNote(ctx context.Context, id string, result map[string]interface{}, note string) error {
	return nil
}
func (m *mockJobService) FailJob(ctx context.Context, id string, reason string) error    { return nil }
func (m *mockJobService) TimeoutJob(ctx context.Context, id string, reason string) error { return nil }
func (m *mockJobService) CancelJob(ctx context.Context, id string) error                 { return nil }
func (m *mockJobService) DeleteJob(ctx context.Context, id string) error                 { return nil }
func (m *mockJobService) Heartbeat(ctx context.Context, id string) error                 { return nil }

// Test helpers

const testSeedURL = "https://shop.example/widgets"

func testFetchPage(url string) *models.FetchResult {
	return &models.FetchResult{
		URL:        url,
		FinalURL:   url,
		HTML:       "<html><body><h1>Widgets</h1></body></html>",
		Markdown:   "# Widgets\n\nWidget A, Widget B, Widget C",
		Links:      []string{"https://shop.example/widgets/a", "https://shop.example/widgets/b"},
		Method:     models.FetchMethodGet,
		HTTPStatus: 200,
		Metadata:   map[string]interface{}{"title": "Widgets"},
	}
}

func decisionJSON(strategy string, stop bool, nextURL string) string {
	pagination := `"pagination": {"hasNext": false}`
	if nextURL != "" {
		pagination = fmt.Sprintf(`"pagination": {"hasNext": true, "nextPageUrl": %q, "type": "numbered"}`, nextURL)
	}
	return fmt.Sprintf(`{"strategy": %q, "reasoning": "test plan", "agentsNeeded": 1, "extractionTargets": [], %s, "stopRecommendation": %v, "confidence": 0.9}`,
		strategy, pagination, stop)
}

// scriptLLM wires a mock that answers decide calls from the script in
// order (repeating the last entry) and returns fixed extraction and
// synthesis payloads.
func scriptLLM(llm *mockLLMService, decisions ...string) {
	decideCalls := 0
	llm.completeFunc = func(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, error) {
		switch req.Operation {
		case "decide":
			idx := decideCalls
			if idx >= len(decisions) {
				idx = len(decisions) - 1
			}
			decideCalls++
			return decisions[idx], nil
		case "extract":
			return `[{"name": "Widget A"}, {"name": "Widget B"}, {"name": "Widget C"}]`, nil
		case "synthesize":
			return "Three widgets were extracted.", nil
		}
		return "{}", nil
	}
}

func newTestOrchestrator(llm *mockLLMService, fetcher *mockFetchService, jobs *mockJobService) *Orchestrator {
	config := &common.OrchestratorConfig{
		MaxPages:          10,
		MaxLinks:          100,
		MaxDepth:          10,
		DefaultTimeout:    "2m",
		IterationDelayMin: "1ms",
		IterationDelayMax: "2ms",
		ShutdownGuard:     "50ms",
		Agent: common.AgentConfig{
			Concurrency:    2,
			Timeout:        "5s",
			RetryThreshold: 3,
		},
		Synthesis: common.SynthesisConfig{
			MinTime: "1ms",
		},
	}
	return NewOrchestrator(config, fetcher, llm, jobs, arbor.NewLogger())
}

func newTestJob(params models.JobParams) *models.Job {
	return models.NewJob("job_test", models.JobTypeAutonomousExtract, testSeedURL, params)
}

func summaryField(t *testing.T, result map[string]interface{}, key string) interface{} {
	t.Helper()
	summary, ok := result["orchestrator_summary"].(map[string]interface{})
	if !ok {
		t.Fatalf("result has no orchestrator_summary: %v", result)
	}
	return summary[key]
}

// Tests

func TestRunSinglePageCompletes(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	jobs := &mockJobService{}
	scriptLLM(llm, decisionJSON(models.StrategySinglePage, false, ""))

	o := newTestOrchestrator(llm, fetcher, jobs)
	outcome, err := o.Run(context.Background(), newTestJob(models.JobParams{
		ExtractionInstructions: "Get widget names",
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Partial {
		t.Error("expected a full completion, got partial")
	}

	if got := summaryField(t, outcome.Result, "pages_processed"); got != 1 {
		t.Errorf("pages_processed = %v, want 1", got)
	}
	if got := summaryField(t, outcome.Result, "stop_reason"); got != stopNoMoreURLs {
		t.Errorf("stop_reason = %v, want %s", got, stopNoMoreURLs)
	}

	pages, ok := outcome.Result["pages"].([]models.AgentResult)
	if !ok || len(pages) == 0 {
		t.Fatalf("expected extracted pages, got %v", outcome.Result["pages"])
	}
	if pages[0].ItemCount() != 3 {
		t.Errorf("ItemCount = %d, want 3", pages[0].ItemCount())
	}

	if synthesis, _ := outcome.Result["synthesis"].(string); !strings.Contains(synthesis, "widgets") {
		t.Errorf("unexpected synthesis text: %q", synthesis)
	}
	if jobs.logCount() == 0 {
		t.Error("expected decision log entries on the job")
	}
}

func TestRunFollowsPaginationUntilMaxPages(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	jobs := &mockJobService{}

	decideCalls := 0
	llm.completeFunc = func(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, error) {
		switch req.Operation {
		case "decide":
			decideCalls++
			next := fmt.Sprintf("https://shop.example/widgets?page=%d", decideCalls+1)
			return decisionJSON(models.StrategyPagination, false, next), nil
		case "extract":
			return `[{"name": "Widget"}]`, nil
		}
		return "done", nil
	}

	o := newTestOrchestrator(llm, fetcher, jobs)
	outcome, err := o.Run(context.Background(), newTestJob(models.JobParams{
		ExtractionInstructions: "Get widgets",
		MaxPages:               3,
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := summaryField(t, outcome.Result, "pages_processed"); got != 3 {
		t.Errorf("pages_processed = %v, want 3", got)
	}
	if got := summaryField(t, outcome.Result, "stop_reason"); got != stopMaxPages {
		t.Errorf("stop_reason = %v, want %s", got, stopMaxPages)
	}
	if urls := fetcher.fetchedURLs(); len(urls) != 3 {
		t.Errorf("fetched %d URLs, want 3: %v", len(urls), urls)
	}
}

func TestRunModelStopWithDataBreaks(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	jobs := &mockJobService{}
	scriptLLM(llm,
		decisionJSON(models.StrategyPagination, false, "https://shop.example/widgets?page=2"),
		decisionJSON(models.StrategyStop, true, ""),
	)

	o := newTestOrchestrator(llm, fetcher, jobs)
	outcome, err := o.Run(context.Background(), newTestJob(models.JobParams{
		ExtractionInstructions: "Get widgets",
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := summaryField(t, outcome.Result, "stop_reason"); got != stopModelRecommended {
		t.Errorf("stop_reason = %v, want %s", got, stopModelRecommended)
	}
	if got := summaryField(t, outcome.Result, "pages_processed"); got != 1 {
		t.Errorf("pages_processed = %v, want 1", got)
	}
	// The second page was queued but never fetched.
	if urls := fetcher.fetchedURLs(); len(urls) != 1 || urls[0] != testSeedURL {
		t.Errorf("fetched = %v, want only the seed", urls)
	}
}

func TestRunStopWithoutDataForcesExtraction(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	jobs := &mockJobService{}
	scriptLLM(llm, decisionJSON(models.StrategyStop, true, ""))

	o := newTestOrchestrator(llm, fetcher, jobs)
	outcome, err := o.Run(context.Background(), newTestJob(models.JobParams{
		ExtractionInstructions: "Get widgets",
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// An immediate stop decision must not produce an empty completion:
	// the seed page is still fetched and extracted.
	if urls := fetcher.fetchedURLs(); len(urls) != 1 {
		t.Fatalf("fetched = %v, want the seed page", urls)
	}
	if got := summaryField(t, outcome.Result, "pages_processed"); got != 1 {
		t.Errorf("pages_processed = %v, want 1", got)
	}
}

func TestRunFetchFailureAdvancesToQueuedPagination(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	jobs := &mockJobService{}

	page2 := "https://shop.example/widgets?page=2"
	page3 := "https://shop.example/widgets?page=3"
	scriptLLM(llm,
		decisionJSON(models.StrategyPagination, false, page2),
		decisionJSON(models.StrategyPagination, false, page3),
		decisionJSON(models.StrategySinglePage, false, ""),
	)

	fetcher.fetchFunc = func(ctx context.Context, url string, opts models.FetchOptions) (*models.FetchResult, error) {
		if url == page2 {
			return nil, &models.FetchError{Class: models.FetchErrUnavailable, URL: url, HTTPStatus: 503}
		}
		return testFetchPage(url), nil
	}

	o := newTestOrchestrator(llm, fetcher, jobs)
	outcome, err := o.Run(context.Background(), newTestJob(models.JobParams{
		ExtractionInstructions: "Get widgets",
	}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Page 2 failed, but its decision had already named page 3, so the
	// run advances there instead of dying.
	urls := fetcher.fetchedURLs()
	if len(urls) != 3 || urls[1] != page2 || urls[2] != page3 {
		t.Fatalf("fetched = %v, want seed, page2, page3", urls)
	}
	if got := summaryField(t, outcome.Result, "pages_processed"); got != 2 {
		t.Errorf("pages_processed = %v, want 2 (page 2 failed)", got)
	}
}

func TestRunNoDataExtractedFails(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	jobs := &mockJobService{}

	llm.completeFunc = func(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, error) {
		switch req.Operation {
		case "decide":
			return decisionJSON(models.StrategySinglePage, false, ""), nil
		case "extract":
			return "", fmt.Errorf("model unavailable")
		}
		return "", nil
	}

	o := newTestOrchestrator(llm, fetcher, jobs)
	outcome, err := o.Run(context.Background(), newTestJob(models.JobParams{
		ExtractionInstructions: "Get widgets",
	}))
	if err == nil {
		t.Fatalf("expected failure, got outcome %+v", outcome)
	}
	if !strings.Contains(err.Error(), "no data extracted") {
		t.Errorf("unexpected error: %v", err)
	}
	if llm.operationCount("synthesize") != 0 {
		t.Error("synthesis should not run with nothing extracted")
	}
}

func TestRunDeadlineProducesPartialCompletion(t *testing.T) {
	llm := &mockLLMService{}
	fetcher := &mockFetchService{}
	jobs := &mockJobService{}
	scriptLLM(llm, decisionJSON(models.StrategyPagination, false, "https://shop.example/widgets?page=2"))

	fetcher.fetchFunc = func(ctx context.Context, url string, opts models.FetchOptions) (*models.FetchResult, error) {
		time.Sleep(250 * time.Millisecond)
		return testFetchPage(url), nil
	}

	o := newTestOrchestrator(llm, fetcher, jobs)
	o.config.Synthesis.MinTime = "1s"

	outcome, err := o.Run(context.Background(), newTestJob(models.JobParams{
		ExtractionInstructions: "Get widgets",
		Timeout:                300, // ms
	}))
	if err != nil {
		t.Fatalf("expected partial completion, got error: %v", err)
	}

	if !outcome.Partial {
		t.Fatal("expected Partial outcome")
	}
	if outcome.Note == "" {
		t.Error("partial outcome should carry an advisory note")
	}
	if flagged, _ := outcome.Result["_timeout_fallback"].(bool); !flagged {
		t.Error("result should carry _timeout_fallback")
	}
	if synthesis, _ := outcome.Result["synthesis"].(string); synthesis != SynthesisSkipped {
		t.Errorf("synthesis = %q, want skip sentinel", synthesis)
	}
	if got := summaryField(t, outcome.Result, "pages_processed"); got != 1 {
		t.Errorf("pages_processed = %v, want 1", got)
	}
}

func TestJobDeadlineRespectsProcessBudget(t *testing.T) {
	o := newTestOrchestrator(&mockLLMService{}, &mockFetchService{}, &mockJobService{})
	start := time.Now()

	// Per-job timeout larger than the process budget: the process wins,
	// minus the cleanup reserve.
	ctx, cancel := context.WithDeadline(context.Background(), start.Add(2*time.Minute))
	defer cancel()
	job := newTestJob(models.JobParams{Timeout: (10 * time.Minute).Milliseconds()})

	deadline := o.jobDeadline(ctx, job, start)
	want := start.Add(2*time.Minute - cleanupReserve)
	if diff := deadline.Sub(want); diff < -time.Second || diff > time.Second {
		t.Errorf("deadline = %v, want ~%v", deadline, want)
	}

	// Per-job timeout smaller than the process budget: the job wins.
	job = newTestJob(models.JobParams{Timeout: (1 * time.Minute).Milliseconds()})
	deadline = o.jobDeadline(ctx, job, start)
	want = start.Add(1 * time.Minute)
	if diff := deadline.Sub(want); diff < -time.Second || diff > time.Second {
		t.Errorf("deadline = %v, want ~%v", deadline, want)
	}
}

func TestCheckStopLimits(t *testing.T) {
	o := newTestOrchestrator(&mockLLMService{}, &mockFetchService{}, &mockJobService{})
	farDeadline := time.Now().Add(time.Hour)

	tests := []struct {
		name        string
		pages       int
		links       int
		currentPage int
		remaining   time.Duration
		want        string
	}{
		{"fresh run continues", 0, 0, 1, time.Hour, ""},
		{"first page immune to limits", 0, 500, 100, time.Hour, ""},
		{"time guard", 2, 0, 3, 10 * time.Millisecond, stopTimeBudget},
		{"max pages", 3, 0, 4, time.Hour, stopMaxPages},
		{"max links", 1, 100, 2, time.Hour, stopMaxLinks},
		{"max depth", 1, 0, 6, time.Hour, stopMaxDepth},
		{"under all limits", 2, 50, 3, time.Hour, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newState(newTestJob(models.JobParams{}), time.Now(), farDeadline)
			state.TotalPagesProcessed = tt.pages
			state.TotalLinksFound = tt.links
			state.CurrentPage = tt.currentPage
			state.Deadline = time.Now().Add(tt.remaining)

			if got := o.checkStop(state, 3, 100, 5); got != tt.want {
				t.Errorf("checkStop = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDedupeTargets(t *testing.T) {
	o := newTestOrchestrator(&mockLLMService{}, &mockFetchService{}, &mockJobService{})
	state := newState(newTestJob(models.JobParams{}), time.Now(), time.Now().Add(time.Hour))
	state.MarkProcessed("https://shop.example/seen")

	targets := []models.ExtractionTarget{
		{AgentID: "agent-0", TargetURL: testSeedURL, Priority: 2},
		{AgentID: "agent-1", TargetURL: "https://shop.example/seen", Priority: 1},
		{AgentID: "agent-2", TargetURL: "https://shop.example/new", Priority: 1},
	}

	kept := o.dedupeTargets(state, targets)
	if len(kept) != 2 {
		t.Fatalf("kept %d targets, want 2: %v", len(kept), kept)
	}
	if kept[0].TargetURL != testSeedURL || kept[1].TargetURL != "https://shop.example/new" {
		t.Errorf("unexpected targets kept: %v", kept)
	}

	// All-duplicate batches still cover the current page.
	kept = o.dedupeTargets(state, []models.ExtractionTarget{
		{AgentID: "agent-0", TargetURL: "https://shop.example/seen", Priority: 1},
	})
	if len(kept) != 1 || kept[0].TargetURL != testSeedURL {
		t.Errorf("expected synthesized current-page target, got %v", kept)
	}
}

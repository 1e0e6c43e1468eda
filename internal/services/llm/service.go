package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"google.golang.org/genai"
)

// Service executes completions across the tiered providers. Anthropic
// serves the mid and highest tiers, Gemini the lowest; the router decides
// which tier a request lands on.
type Service struct {
	config *common.LLMConfig
	router *Router
	retry  *RetryConfig
	ledger *UsageLedger
	logger arbor.ILogger

	claudeClient anthropic.Client
	claudeReady  bool
	geminiClient *genai.Client

	spendMu    sync.Mutex
	spendUSD   float64
	spendMonth string
}

// NewService creates the LLM service and initializes provider clients.
// A missing API key leaves that provider unconfigured rather than failing
// startup; calls routed to it error and probes report it unavailable.
// The ledger may be nil, which disables persistent usage records.
func NewService(config *common.LLMConfig, features *common.FeatureFlags, ledger *UsageLedger, logger arbor.ILogger) (interfaces.LLMService, error) {
	s := &Service{
		config: config,
		router: NewRouter(config, features, logger),
		retry:  NewDefaultRetryConfig(),
		ledger: ledger,
		logger: logger,
	}

	// Rehydrate month-to-date spend so the budget alarm survives restarts
	if ledger != nil {
		if spend, err := ledger.MonthSpendUSD(currentMonth()); err == nil {
			s.spendMonth = currentMonth()
			s.spendUSD = spend
		}
	}

	if config.AnthropicAPIKey != "" {
		s.claudeClient = anthropic.NewClient(
			option.WithAPIKey(config.AnthropicAPIKey),
		)
		s.claudeReady = true
	}

	if config.GeminiAPIKey != "" {
		client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:  config.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		s.geminiClient = client
	}

	logger.Info().
		Bool("anthropic_configured", s.claudeReady).
		Bool("gemini_configured", s.geminiClient != nil).
		Float64("budget_monthly_usd", config.BudgetMonthlyUSD).
		Msg("LLM service initialized")

	return s, nil
}

// Route selects a tier and request configuration for a descriptor
func (s *Service) Route(req models.RouteRequest) models.ModelSelection {
	return s.router.Route(req)
}

// Complete runs one completion against the selected model with retry on
// transient provider errors.
func (s *Service) Complete(ctx context.Context, sel models.ModelSelection, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	start := time.Now()

	var text string
	var usage *models.Usage
	var err error

	switch sel.Provider {
	case "gemini":
		text, usage, err = s.completeGemini(ctx, sel, req)
	case "claude", "anthropic":
		text, usage, err = s.completeClaude(ctx, sel, req)
	default:
		return "", nil, fmt.Errorf("unknown provider %q for tier %s", sel.Provider, sel.Tier)
	}

	if usage != nil {
		usage.CostUSD = sel.EstimateCost(usage.InputTokens, usage.OutputTokens)
		s.recordSpend(usage.CostUSD)
	}
	if s.ledger != nil {
		s.ledger.Record(sel, req.Operation, usage, time.Since(start), err)
	}
	if err != nil {
		return "", nil, err
	}

	s.logger.Debug().
		Str("tier", string(sel.Tier)).
		Str("model", sel.Model).
		Int("response_length", len(text)).
		Dur("duration", time.Since(start)).
		Msg("Completion finished")

	return text, usage, nil
}

// CompleteWithFallback routes the request, then walks the tier fallback
// chain when a tier fails outright.
func (s *Service) CompleteWithFallback(ctx context.Context, route models.RouteRequest, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	sel := s.router.Route(route)

	text, usage, err := s.Complete(ctx, sel, req)
	if err == nil {
		return text, usage, nil
	}
	if ctx.Err() != nil {
		return "", nil, err
	}

	firstErr := err
	for _, tier := range sel.FallbackChain {
		s.logger.Warn().
			Str("failed_tier", string(sel.Tier)).
			Str("fallback_tier", string(tier)).
			Err(err).
			Msg("Falling back to next tier")

		fallbackRoute := route
		fallbackRoute.TierPreference = tier
		fallbackSel := s.router.Route(fallbackRoute)

		text, usage, err = s.Complete(ctx, fallbackSel, req)
		if err == nil {
			return text, usage, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	return "", nil, fmt.Errorf("all tiers failed, first error: %w", firstErr)
}

// ProbeTier sends one synthetic prompt to a tier and reports health
func (s *Service) ProbeTier(ctx context.Context, tier models.ModelTier) models.TierHealth {
	sel := s.router.Route(models.RouteRequest{
		TierPreference: tier,
		OutputFormat:   models.OutputFormatText,
	})
	sel.MaxTokens = 16

	health := models.TierHealth{
		Provider: sel.Provider,
		Model:    sel.Model,
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	text, _, err := s.completeOnce(probeCtx, sel, interfaces.CompletionRequest{Prompt: "ping"})
	health.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		health.Error = err.Error()
		return health
	}
	if strings.TrimSpace(text) == "" {
		health.Error = "probe returned empty response"
		return health
	}

	health.Available = true
	return health
}

// SpendMonthUSD returns the month-to-date accumulated spend
func (s *Service) SpendMonthUSD() float64 {
	s.spendMu.Lock()
	defer s.spendMu.Unlock()
	if s.spendMonth != currentMonth() {
		return 0
	}
	return s.spendUSD
}

// Close releases provider clients
func (s *Service) Close() error {
	s.claudeClient = anthropic.Client{}
	s.claudeReady = false
	s.geminiClient = nil
	return nil
}

func (s *Service) recordSpend(cost float64) {
	s.spendMu.Lock()
	defer s.spendMu.Unlock()

	month := currentMonth()
	if s.spendMonth != month {
		s.spendMonth = month
		s.spendUSD = 0
	}
	s.spendUSD += cost
}

func currentMonth() string {
	return time.Now().UTC().Format("2006-01")
}

// completeOnce runs a single attempt without the retry loop, for probes
func (s *Service) completeOnce(ctx context.Context, sel models.ModelSelection, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	switch sel.Provider {
	case "gemini":
		return s.callGemini(ctx, sel, req)
	default:
		return s.callClaude(ctx, sel, req)
	}
}

// completeClaude generates content using the Anthropic API
func (s *Service) completeClaude(ctx context.Context, sel models.ModelSelection, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	var text string
	var usage *models.Usage
	var apiErr error

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		text, usage, apiErr = s.callClaude(ctx, sel, req)
		if apiErr == nil {
			break
		}
		if attempt == s.retry.MaxRetries {
			break
		}

		backoff := time.Duration(attempt+1) * 2 * time.Second
		if IsRateLimitError(apiErr) {
			backoff = s.retry.CalculateBackoff(attempt, ExtractRetryDelay(apiErr))
		}

		s.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(apiErr).
			Msg("Retrying Anthropic API call")

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if apiErr != nil {
		return "", nil, fmt.Errorf("Anthropic API call failed after %d retries: %w", s.retry.MaxRetries, apiErr)
	}
	return text, usage, nil
}

func (s *Service) callClaude(ctx context.Context, sel models.ModelSelection, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	if !s.claudeReady {
		return "", nil, fmt.Errorf("anthropic provider is not configured")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(sel.Model),
		MaxTokens: int64(sel.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	if sel.UseTemperature && sel.Temperature > 0 {
		params.Temperature = anthropic.Float(sel.Temperature)
	}

	systemText := req.System
	// Anthropic has no native schema-constrained mode; JSON discipline
	// rides on the system prompt instead.
	if sel.ResponseFormat == models.ResponseFormatJSON || sel.ResponseFormat == models.ResponseFormatStrict {
		instruction := "Respond with a single valid JSON object and nothing else."
		if len(req.Schema) > 0 {
			if schemaJSON, err := json.Marshal(req.Schema); err == nil {
				instruction = fmt.Sprintf("Respond with a single valid JSON object matching this schema and nothing else:\n%s", schemaJSON)
			}
		}
		if systemText != "" {
			systemText += "\n\n" + instruction
		} else {
			systemText = instruction
		}
	}
	if systemText != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemText},
		}
	}

	resp, err := s.claudeClient.Messages.New(ctx, params)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", nil, fmt.Errorf("empty response from Anthropic API")
	}

	usage := &models.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	return text.String(), usage, nil
}

// completeGemini generates content using the Gemini API
func (s *Service) completeGemini(ctx context.Context, sel models.ModelSelection, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	var text string
	var usage *models.Usage
	var apiErr error

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		text, usage, apiErr = s.callGemini(ctx, sel, req)
		if apiErr == nil {
			break
		}
		if attempt == s.retry.MaxRetries {
			break
		}

		var backoff time.Duration
		if IsRateLimitError(apiErr) {
			backoff = s.retry.CalculateBackoff(attempt, ExtractRetryDelay(apiErr))
		} else {
			backoff = time.Duration(attempt+1) * 2 * time.Second
		}

		s.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(apiErr).
			Msg("Retrying Gemini API call")

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if apiErr != nil {
		return "", nil, fmt.Errorf("Gemini API call failed after %d retries: %w", s.retry.MaxRetries, apiErr)
	}
	return text, usage, nil
}

func (s *Service) callGemini(ctx context.Context, sel models.ModelSelection, req interfaces.CompletionRequest) (string, *models.Usage, error) {
	if s.geminiClient == nil {
		return "", nil, fmt.Errorf("gemini provider is not configured")
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(sel.MaxTokens),
	}
	if sel.UseTemperature {
		config.Temperature = genai.Ptr(float32(sel.Temperature))
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	switch sel.ResponseFormat {
	case models.ResponseFormatStrict:
		genaiSchema, err := convertToGenaiSchema(req.Schema)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to convert output schema")
			config.ResponseMIMEType = "application/json"
		} else if genaiSchema != nil {
			config.ResponseMIMEType = "application/json"
			config.ResponseSchema = genaiSchema
		} else {
			config.ResponseMIMEType = "application/json"
		}
	case models.ResponseFormatJSON:
		config.ResponseMIMEType = "application/json"
	}

	resp, err := s.geminiClient.Models.GenerateContent(ctx, sel.Model, contents, config)
	if err != nil {
		return "", nil, err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", nil, fmt.Errorf("empty response from Gemini API")
	}

	responseText := resp.Text()
	if responseText == "" {
		return "", nil, fmt.Errorf("empty text in Gemini response")
	}

	usage := &models.Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return responseText, usage, nil
}

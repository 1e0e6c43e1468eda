package interfaces

import (
	"context"

	"github.com/ternarybob/atlas/internal/models"
)

// CompletionRequest is one model call. Schema is honored only when the
// selection's response format is strict; System may be empty. Operation
// names the caller's purpose (decide, extract, synthesize, probe) for the
// usage ledger.
type CompletionRequest struct {
	System    string
	Prompt    string
	Schema    map[string]interface{}
	Operation string
}

// LLMService routes requests across model tiers and executes completions.
//
// The router owns temperature legality: callers never set temperature,
// they receive a selection whose parameters the chosen model accepts.
// Tier-specific failures (rate limit, refusal, unavailable) walk the
// selection's fallback chain.
type LLMService interface {
	// Route selects a tier and request configuration for a descriptor
	Route(req models.RouteRequest) models.ModelSelection

	// Complete runs one completion against the selected model
	Complete(ctx context.Context, sel models.ModelSelection, req CompletionRequest) (string, *models.Usage, error)

	// CompleteWithFallback routes, then walks the fallback chain until a
	// tier succeeds or the chain is exhausted.
	CompleteWithFallback(ctx context.Context, route models.RouteRequest, req CompletionRequest) (string, *models.Usage, error)

	// ProbeTier sends one synthetic prompt to a tier and reports health
	ProbeTier(ctx context.Context, tier models.ModelTier) models.TierHealth

	// SpendMonthUSD returns the month-to-date accumulated spend
	SpendMonthUSD() float64

	// Close releases provider clients
	Close() error
}

package llm

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/models"
)

// budgetEpsilon is the per-request budget under which the cheap tier is
// forced for simple work.
const budgetEpsilon = 0.01

// Router picks an inference tier from a request descriptor and owns all
// per-tier parameter legality: a caller never sets temperature or a
// response format a tier rejects, the router strips or downgrades them.
type Router struct {
	config   *common.LLMConfig
	features *common.FeatureFlags
	logger   arbor.ILogger
}

// NewRouter creates a model router over the configured tier table
func NewRouter(config *common.LLMConfig, features *common.FeatureFlags, logger arbor.ILogger) *Router {
	return &Router{
		config:   config,
		features: features,
		logger:   logger,
	}
}

// Route selects a tier and builds the full request configuration
func (r *Router) Route(req models.RouteRequest) models.ModelSelection {
	tier := r.selectTier(req)
	sel := r.selectionFor(tier, req)

	r.logger.Debug().
		Str("tier", string(sel.Tier)).
		Str("model", sel.Model).
		Str("response_format", sel.ResponseFormat).
		Float64("complexity", req.Complexity).
		Float64("accuracy_target", req.AccuracyTarget).
		Msg("Routed model request")

	return sel
}

func (r *Router) selectTier(req models.RouteRequest) models.ModelTier {
	// An explicit caller pin wins, probes and agent retries rely on it
	if req.TierPreference.IsValid() {
		return req.TierPreference
	}
	if r.features != nil && r.features.PinMidTier {
		return models.TierMid
	}

	if req.AccuracyTarget >= 0.95 || req.Complexity >= 0.8 {
		return models.TierHighest
	}
	if req.Budget < budgetEpsilon && req.Complexity < 0.3 {
		return models.TierLowest
	}
	return models.TierMid
}

func (r *Router) selectionFor(tier models.ModelTier, req models.RouteRequest) models.ModelSelection {
	cfg := r.tierConfig(tier)

	model := cfg.Model
	if tier == models.TierHighest && r.features != nil && r.features.PreviewModels && r.config.PreviewModel != "" {
		model = r.config.PreviewModel
	}

	verbosity := ""
	if req.ReasoningRequired {
		verbosity = "high"
	}

	return models.ModelSelection{
		Tier:            tier,
		Provider:        cfg.Provider,
		Model:           model,
		MaxTokens:       cfg.MaxTokens,
		Temperature:     cfg.Temperature,
		UseTemperature:  cfg.SupportsTemperature,
		ResponseFormat:  r.responseFormat(cfg, req),
		Verbosity:       verbosity,
		FallbackChain:   FallbackChain(tier),
		InputPricePerM:  cfg.InputPrice,
		OutputPricePerM: cfg.OutputPrice,
	}
}

// responseFormat applies the structured-output policy. A schema asks for
// strict generation, downgraded to JSON-object mode on tiers that cannot
// enforce one.
func (r *Router) responseFormat(cfg common.TierConfig, req models.RouteRequest) string {
	wantsSchema := len(req.OutputSchema) > 0 || req.OutputFormat == models.OutputFormatJSONSchema
	if wantsSchema {
		if cfg.SupportsSchema {
			return models.ResponseFormatStrict
		}
		return models.ResponseFormatJSON
	}
	if req.OutputFormat == models.OutputFormatJSON {
		return models.ResponseFormatJSON
	}
	return models.ResponseFormatText
}

func (r *Router) tierConfig(tier models.ModelTier) common.TierConfig {
	switch tier {
	case models.TierLowest:
		return r.config.Lowest
	case models.TierHighest:
		return r.config.Highest
	default:
		return r.config.Mid
	}
}

// FallbackChain returns the ordered next-best tiers tried on tier-specific
// failures such as rate limits or model unavailability. The lowest tier
// falls back upward because its provider differs from the mid tier's.
func FallbackChain(tier models.ModelTier) []models.ModelTier {
	switch tier {
	case models.TierHighest:
		return []models.ModelTier{models.TierMid, models.TierLowest}
	case models.TierMid:
		return []models.ModelTier{models.TierLowest}
	case models.TierLowest:
		return []models.ModelTier{models.TierMid}
	default:
		return nil
	}
}

// -----------------------------------------------------------------------
// Model routing - Tier selection request and decision types
// -----------------------------------------------------------------------

package models

// ModelTier names one rung of the price/capability ladder
type ModelTier string

const (
	TierLowest  ModelTier = "lowest"
	TierMid     ModelTier = "mid"
	TierHighest ModelTier = "highest"
)

// IsValid returns true for a recognized tier name
func (t ModelTier) IsValid() bool {
	switch t {
	case TierLowest, TierMid, TierHighest:
		return true
	}
	return false
}

// Output format requested by the caller
const (
	OutputFormatText       = "text"
	OutputFormatJSON       = "json"
	OutputFormatJSONSchema = "json-schema"
)

// Response format policies the router hands back
const (
	ResponseFormatText   = "text"
	ResponseFormatJSON   = "json"
	ResponseFormatStrict = "strict" // schema-enforced structured output
)

// RouteRequest describes one model call for tier selection
type RouteRequest struct {
	Complexity        float64                `json:"complexity"`     // 0..1
	Budget            float64                `json:"budget"`         // max cost per request, USD
	AccuracyTarget    float64                `json:"accuracyTarget"` // 0..1
	ReasoningRequired bool                   `json:"reasoningRequired"`
	OutputFormat      string                 `json:"outputFormat"` // text|json|json-schema
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	TierPreference    ModelTier              `json:"tierPreference,omitempty"` // pins the tier when set
}

// ModelSelection is the router's decision: the tier plus the request
// parameters the selected model legally accepts. Temperature legality is
// owned here; callers never set temperature themselves.
type ModelSelection struct {
	Tier            ModelTier   `json:"tier"`
	Provider        string      `json:"provider"`
	Model           string      `json:"model"`
	MaxTokens       int         `json:"maxTokens"`
	Temperature     float64     `json:"temperature"`
	UseTemperature  bool        `json:"useTemperature"` // false when the model rejects the parameter
	ResponseFormat  string      `json:"responseFormat"` // text|json|strict
	Verbosity       string      `json:"verbosity,omitempty"`
	FallbackChain   []ModelTier `json:"fallbackChain,omitempty"`
	InputPricePerM  float64     `json:"inputPricePerM"`
	OutputPricePerM float64     `json:"outputPricePerM"`
}

// EstimateCost prices a call in USD from token counts: (tokens/1M) * price
func (s *ModelSelection) EstimateCost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1_000_000*s.InputPricePerM +
		float64(outputTokens)/1_000_000*s.OutputPricePerM
}

// Usage reports the token consumption of one completed model call
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

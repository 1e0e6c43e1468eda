package models

// TierHealth is the probe outcome for one model tier
type TierHealth struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StoreHealth is the persistence probe outcome
type StoreHealth struct {
	Reachable bool   `json:"reachable"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// HealthReport is the service health snapshot served on /health
type HealthReport struct {
	Status         string                `json:"status"` // healthy|degraded
	Version        string                `json:"version"`
	UptimeSeconds  int64                 `json:"uptimeSeconds"`
	HeapAllocBytes uint64                `json:"heapAllocBytes"`
	Goroutines     int                   `json:"goroutines"`
	Store          StoreHealth           `json:"store"`
	QueueDepth     int                   `json:"queueDepth"`
	Tiers          map[string]TierHealth `json:"tiers,omitempty"`
	BudgetAlarm    bool                  `json:"budgetAlarm"`
	SpendMonthUSD  float64               `json:"spendMonthUsd"`
	Timestamp      int64                 `json:"timestamp"`
}

// SweepSummary counts the outcomes of one monitor pass
type SweepSummary struct {
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Orphaned  int `json:"orphaned"`
	Expired   int `json:"expired"`
}

package llm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// UsageRecord is one completed model call, persisted for spend telemetry
type UsageRecord struct {
	ID           string `badgerhold:"key"`
	Month        string `badgerholdIndex:"Month"` // 2006-01, UTC
	Timestamp    int64
	Tier         string
	Model        string
	Operation    string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	DurationMs   int64
	Success      bool
	Error        string
}

// UsageLedger persists per-call usage records. Month-to-date spend feeds
// the budget alarm and survives process restarts.
type UsageLedger struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewUsageLedger creates a usage ledger over the shared store
func NewUsageLedger(store *badgerhold.Store, logger arbor.ILogger) *UsageLedger {
	return &UsageLedger{store: store, logger: logger}
}

// Record writes one call's usage. Failures are logged, never surfaced;
// a completion must not fail because its bookkeeping did.
func (l *UsageLedger) Record(sel models.ModelSelection, operation string, usage *models.Usage, duration time.Duration, opErr error) {
	record := UsageRecord{
		ID:         uuid.New().String(),
		Month:      currentMonth(),
		Timestamp:  models.NowMillis(),
		Tier:       string(sel.Tier),
		Model:      sel.Model,
		Operation:  operation,
		DurationMs: duration.Milliseconds(),
		Success:    opErr == nil,
	}
	if usage != nil {
		record.InputTokens = usage.InputTokens
		record.OutputTokens = usage.OutputTokens
		record.CostUSD = usage.CostUSD
	}
	if opErr != nil {
		record.Error = opErr.Error()
	}

	if err := l.store.Insert(record.ID, &record); err != nil {
		l.logger.Warn().Err(err).Str("model", record.Model).Msg("Failed to persist usage record")
	}
}

// MonthSpendUSD sums the cost of all calls recorded for a month
func (l *UsageLedger) MonthSpendUSD(month string) (float64, error) {
	var records []UsageRecord
	if err := l.store.Find(&records, badgerhold.Where("Month").Eq(month)); err != nil {
		return 0, fmt.Errorf("failed to query usage records: %w", err)
	}

	total := 0.0
	for _, r := range records {
		total += r.CostUSD
	}
	return total, nil
}

// Recent returns the newest usage records, up to limit
func (l *UsageLedger) Recent(limit int) ([]UsageRecord, error) {
	var records []UsageRecord
	query := badgerhold.Where("Timestamp").Gt(int64(0)).SortBy("Timestamp").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := l.store.Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	return records, nil
}

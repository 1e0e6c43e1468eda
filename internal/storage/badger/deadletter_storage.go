package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// deadLetterRecord wraps a work item that exhausted its delivery
// attempts
type deadLetterRecord struct {
	JobID    string `badgerholdIndex:"JobID"`
	Item     *models.WorkItem
	Reason   string
	FailedAt int64 // Unix milliseconds
}

// DeadLetterStorage implements the DeadLetterStorage interface for
// Badger
type DeadLetterStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDeadLetterStorage creates a new DeadLetterStorage instance
func NewDeadLetterStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DeadLetterStorage {
	return &DeadLetterStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DeadLetterStorage) Store(ctx context.Context, item *models.WorkItem, reason string) error {
	record := &deadLetterRecord{
		JobID:    item.JobID,
		Item:     item,
		Reason:   reason,
		FailedAt: models.NowMillis(),
	}
	key := fmt.Sprintf("dlq_%s_%d", item.JobID, time.Now().UnixNano())

	if err := s.db.Store().Insert(key, record); err != nil {
		return fmt.Errorf("failed to store dead letter for job %s: %w", item.JobID, err)
	}

	s.logger.Warn().Str("job_id", item.JobID).Str("reason", reason).Msg("Work item moved to dead letter sink")
	return nil
}

func (s *DeadLetterStorage) List(ctx context.Context, limit int) ([]*models.WorkItem, error) {
	var records []deadLetterRecord
	query := badgerhold.Where("FailedAt").Gt(int64(0)).SortBy("FailedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	items := make([]*models.WorkItem, len(records))
	for i, r := range records {
		items[i] = r.Item
	}
	return items, nil
}

func (s *DeadLetterStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&deadLetterRecord{}, badgerhold.Where("FailedAt").Gt(int64(0)))
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return int(count), nil
}

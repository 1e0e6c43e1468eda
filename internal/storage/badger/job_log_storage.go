package badger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/atlas/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// logSequence breaks ties for log records appended within the same
// nanosecond
var logSequence uint64

// jobLogRecord is the stored form of one appended log entry. Logs live
// outside the job record so appends never rewrite the job itself.
type jobLogRecord struct {
	JobID string `badgerholdIndex:"JobID"`
	Seq   int64  // append time in nanoseconds
	Ord   uint64 // process-local tiebreak
	Entry models.JobLogEntry
}

// AppendLog stores one truncated log entry as its own sequenced record
func (s *JobStorage) AppendLog(ctx context.Context, id string, entry models.JobLogEntry) error {
	entry = entry.Truncate(s.logEntryCapBytes)

	ord := atomic.AddUint64(&logSequence, 1)
	record := &jobLogRecord{
		JobID: id,
		Seq:   time.Now().UnixNano(),
		Ord:   ord,
		Entry: entry,
	}
	key := fmt.Sprintf("%s_%d_%d", id, record.Seq, ord)

	if err := s.db.Store().Insert(key, record); err != nil {
		return fmt.Errorf("failed to append log for job %s: %w", id, err)
	}
	return nil
}

// GetLogs returns log entries in append order. A limit of 0 means all.
func (s *JobStorage) GetLogs(ctx context.Context, id string, limit int) ([]models.JobLogEntry, error) {
	var records []jobLogRecord
	query := badgerhold.Where("JobID").Eq(id).SortBy("Seq", "Ord")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to get logs for job %s: %w", id, err)
	}

	entries := make([]models.JobLogEntry, len(records))
	for i, r := range records {
		entries[i] = r.Entry
	}
	return entries, nil
}

// deleteLogs removes all log records for a job
func (s *JobStorage) deleteLogs(id string) error {
	return s.db.Store().DeleteMatching(&jobLogRecord{}, badgerhold.Where("JobID").Eq(id))
}

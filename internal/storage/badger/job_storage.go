// -----------------------------------------------------------------------
// Job Storage - Atomic job record persistence with schema migration
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// millisFloor separates second-resolution legacy timestamps from
// millisecond ones: any value below it predates 2001 when read as
// millis, so it must be seconds.
const millisFloor = int64(1_000_000_000_000)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db               *BadgerDB
	logger           arbor.ILogger
	storeCapBytes    int
	logEntryCapBytes int
	listPageSize     int
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger, config *common.JobsConfig) interfaces.JobStorage {
	return &JobStorage{
		db:               db,
		logger:           logger,
		storeCapBytes:    config.StoreCapBytes,
		logEntryCapBytes: config.LogEntryCapBytes,
		listPageSize:     config.ListPageSize,
	}
}

// Put atomically creates a job record. Insert fails on a taken key, so
// create and update can never interleave destructively.
func (s *JobStorage) Put(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	record := job.Clone()
	record.Logs = nil
	record.Result = s.sanitizeResult(record.Result)
	if record.SchemaVersion == "" {
		record.SchemaVersion = models.CurrentSchemaVersion
	}

	if err := s.db.Store().Insert(record.ID, record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return models.ErrJobAlreadyExists
		}
		return fmt.Errorf("failed to put job %s: %w", record.ID, err)
	}
	return nil
}

// Get returns the job with logs merged, or nil if absent. Stale schema
// versions are migrated in memory and rewritten in the background.
func (s *JobStorage) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	if migrateJob(&job) {
		s.scheduleRewrite(&job)
	}

	logs, err := s.GetLogs(ctx, id, 0)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to merge job logs on read")
	} else {
		job.Logs = logs
	}

	return &job, nil
}

// Update applies a patch inside one transaction: read, validate the
// status transition, write. Returns the updated record.
func (s *JobStorage) Update(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	var updated *models.Job
	bh := s.db.Store()

	err := bh.Badger().Update(func(txn *badgerdb.Txn) error {
		var job models.Job
		if err := bh.TxGet(txn, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return models.ErrJobNotFound
			}
			return fmt.Errorf("failed to read job %s for update: %w", id, err)
		}
		migrateJob(&job)

		if patch.Status != nil && *patch.Status != job.Status {
			if !job.Status.CanTransition(*patch.Status) {
				return &models.InvalidTransitionError{JobID: id, From: job.Status, To: *patch.Status}
			}
			job.Status = *patch.Status
		}
		if patch.Result != nil {
			job.Result = s.sanitizeResult(patch.Result)
		}
		if patch.Error != nil {
			job.Error = *patch.Error
		}
		if patch.Heartbeat != nil {
			job.Heartbeat = *patch.Heartbeat
		}
		job.Touch()
		job.Logs = nil

		if err := job.Validate(); err != nil {
			return err
		}
		if err := bh.TxUpdate(txn, id, &job); err != nil {
			return fmt.Errorf("failed to write job %s: %w", id, err)
		}
		updated = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List scans jobs newest first. Fetches one past the limit to report
// hasMore without a count query.
func (s *JobStorage) List(ctx context.Context, filter models.JobFilter) (*models.JobPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = s.listPageSize
	}

	var query *badgerhold.Query
	and := func(field string) *badgerhold.Criterion {
		if query == nil {
			return badgerhold.Where(field)
		}
		return query.And(field)
	}
	if filter.Status != "" {
		query = and("Status").Eq(filter.Status)
	}
	if filter.Type != "" {
		query = and("Type").Eq(filter.Type)
	}
	if filter.CreatedAfter > 0 {
		query = and("CreatedAt").Gt(filter.CreatedAfter)
	}
	if query == nil {
		query = badgerhold.Where("CreatedAt").Gt(int64(0))
	}
	query = query.SortBy("CreatedAt").Reverse()
	if filter.Offset > 0 {
		query = query.Skip(filter.Offset)
	}
	query = query.Limit(limit + 1)

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}

	page := &models.JobPage{Jobs: make([]*models.Job, len(jobs)), HasMore: hasMore}
	for i := range jobs {
		migrateJob(&jobs[i])
		page.Jobs[i] = &jobs[i]
	}
	return page, nil
}

// Delete tombstones the job and its logs
func (s *JobStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Job{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.ErrJobNotFound
		}
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}

	if err := s.deleteLogs(id); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to delete job logs")
	}
	return nil
}

// DeleteExpired evicts jobs whose retention TTL has passed
func (s *JobStorage) DeleteExpired(ctx context.Context) (int, error) {
	now := models.NowMillis()
	var expired []models.Job
	query := badgerhold.Where("ExpiresAt").Gt(int64(0)).And("ExpiresAt").Lt(now)
	if err := s.db.Store().Find(&expired, query); err != nil {
		return 0, fmt.Errorf("failed to scan expired jobs: %w", err)
	}

	deleted := 0
	for i := range expired {
		if err := s.Delete(ctx, expired[i].ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", expired[i].ID).Msg("Failed to evict expired job")
			continue
		}
		deleted++
	}
	return deleted, nil
}

// scheduleRewrite persists a migrated record off the read path
func (s *JobStorage) scheduleRewrite(job *models.Job) {
	clone := job.Clone()
	clone.Logs = nil
	go func() {
		if err := s.db.Store().Update(clone.ID, clone); err != nil {
			s.logger.Debug().Err(err).Str("job_id", clone.ID).Msg("Background schema rewrite failed")
		}
	}()
}

// sanitizeResult enforces the store's per-item cap. An oversize result
// is replaced by a truncation wrapper keeping as many top-level keys as
// fit, walked in sorted order so truncation is deterministic.
func (s *JobStorage) sanitizeResult(result map[string]interface{}) map[string]interface{} {
	if result == nil || s.storeCapBytes <= 0 {
		return result
	}
	raw, err := json.Marshal(result)
	if err != nil || len(raw) <= s.storeCapBytes {
		return result
	}

	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	budget := s.storeCapBytes * 3 / 4
	used := 0
	partial := make(map[string]interface{})
	for _, k := range keys {
		piece, err := json.Marshal(result[k])
		if err != nil {
			continue
		}
		if used+len(piece) > budget {
			continue
		}
		partial[k] = result[k]
		used += len(piece)
	}

	s.logger.Warn().Int("bytes", len(raw)).Int("cap", s.storeCapBytes).Msg("Result exceeds store cap, truncating")

	return map[string]interface{}{
		"_truncated": true,
		"_reason":    fmt.Sprintf("result of %d bytes exceeded the %d byte store cap", len(raw), s.storeCapBytes),
		"partial":    partial,
	}
}

// migrateJob upgrades a record read at an older schema version in
// memory. Returns true when the record changed and needs a rewrite.
// Migrating twice equals migrating once.
func migrateJob(job *models.Job) bool {
	if job.SchemaVersion == models.CurrentSchemaVersion {
		return false
	}

	// Early records carried second-resolution timestamps
	job.CreatedAt = secondsToMillis(job.CreatedAt)
	job.UpdatedAt = secondsToMillis(job.UpdatedAt)
	job.Heartbeat = secondsToMillis(job.Heartbeat)
	job.ExpiresAt = secondsToMillis(job.ExpiresAt)
	if job.UpdatedAt < job.CreatedAt {
		job.UpdatedAt = job.CreatedAt
	}

	// Early records tucked the failure description into the result
	if job.Error == "" && job.Result != nil {
		switch job.Status {
		case models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusTimeout:
			if legacy, ok := job.Result["_error"].(string); ok && legacy != "" {
				job.Error = legacy
				delete(job.Result, "_error")
				if len(job.Result) == 0 {
					job.Result = nil
				}
			}
		}
	}

	job.SchemaVersion = models.CurrentSchemaVersion
	return true
}

func secondsToMillis(ts int64) int64 {
	if ts > 0 && ts < millisFloor {
		return ts * 1000
	}
	return ts
}

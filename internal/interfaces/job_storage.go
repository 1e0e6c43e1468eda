package interfaces

import (
	"context"

	"github.com/ternarybob/atlas/internal/models"
)

// JobStorage - atomic persistence gateway for job records.
//
// Put is create-only and fails with models.ErrJobAlreadyExists on a taken
// ID. Update is a conditional write that validates status transitions
// against the job transition graph. Reads migrate stale schema versions
// in memory and schedule a background rewrite; callers only ever see the
// current format.
type JobStorage interface {
	// Put atomically creates a job. Fails with models.ErrJobAlreadyExists
	// if the ID is taken and a *models.ValidationError on a bad record.
	Put(ctx context.Context, job *models.Job) error

	// Get returns the job or nil if absent. Migrated reads are stable:
	// migrating twice equals migrating once.
	Get(ctx context.Context, id string) (*models.Job, error)

	// Update applies a patch to an existing job, bumping updatedAt.
	// Returns models.ErrJobNotFound if absent and
	// *models.InvalidTransitionError on a disallowed status change.
	Update(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error)

	// AppendLog atomically appends a log entry. Errors are returned for
	// observability but callers are expected to drop them.
	AppendLog(ctx context.Context, id string, entry models.JobLogEntry) error

	// GetLogs returns the job's log entries in append order
	GetLogs(ctx context.Context, id string, limit int) ([]models.JobLogEntry, error)

	// List scans jobs with optional predicates, newest first
	List(ctx context.Context, filter models.JobFilter) (*models.JobPage, error)

	// Delete tombstones a job and its logs
	Delete(ctx context.Context, id string) error

	// DeleteExpired evicts jobs past their retention window
	DeleteExpired(ctx context.Context) (int, error)
}

// DeadLetterStorage records work items that exhausted their delivery
// attempts
type DeadLetterStorage interface {
	Store(ctx context.Context, item *models.WorkItem, reason string) error
	List(ctx context.Context, limit int) ([]*models.WorkItem, error)
	Count(ctx context.Context) (int, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	DeadLetterStorage() DeadLetterStorage
	DB() interface{}
	Close() error
}

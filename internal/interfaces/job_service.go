package interfaces

import (
	"context"

	"github.com/ternarybob/atlas/internal/models"
)

// JobService is the job lifecycle manager: it owns the write path.
//
// CreateJob validates inputs, assigns a correlation ID, persists the
// canonical record, enqueues a work item and emits a broadcast event.
// Every mutation enforces the status transition graph before writing and
// publishes on success.
type JobService interface {
	// CreateJob builds, persists and enqueues a new pending job
	CreateJob(ctx context.Context, jobType models.JobType, url string, params models.JobParams) (*models.Job, error)

	// GetJob returns the canonical record with logs merged, nil if absent
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ListJobs scans jobs newest first
	ListJobs(ctx context.Context, filter models.JobFilter) (*models.JobPage, error)

	// UpdateJob applies a patch through transition validation
	UpdateJob(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error)

	// StartJob transitions a job to processing for the worker
	StartJob(ctx context.Context, id string) (*models.Job, error)

	// CompleteJob finishes a job with its result payload
	CompleteJob(ctx context.Context, id string, result map[string]interface{}) error

	// CompleteJobWithNote finishes a job while recording an advisory
	// error note (partial completion, monitor recovery).
	CompleteJobWithNote(ctx context.Context, id string, result map[string]interface{}, note string) error

	// FailJob marks a job failed with a reason
	FailJob(ctx context.Context, id string, reason string) error

	// TimeoutJob marks a job timed out with a reason
	TimeoutJob(ctx context.Context, id string, reason string) error

	// CancelJob cancels a pending or processing job
	CancelJob(ctx context.Context, id string) error

	// DeleteJob removes the record and its logs
	DeleteJob(ctx context.Context, id string) error

	// AppendLog attaches a log entry and broadcasts it. Append failures
	// are swallowed; logging never breaks extraction.
	AppendLog(ctx context.Context, jobID, level, message string)

	// Heartbeat stamps the job's liveness marker
	Heartbeat(ctx context.Context, id string) error
}

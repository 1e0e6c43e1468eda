// -----------------------------------------------------------------------
// Job Lifecycle Manager - Owns the canonical job write path
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"gopkg.in/yaml.v3"
)

// validate is the shared request validator; one instance serves every
// call.
var validate = validator.New()

// createRequest is the validation shape for one CreateJob call. Limits
// keep a single request from booking unbounded work.
type createRequest struct {
	Type         models.JobType `validate:"required"`
	URL          string         `validate:"required,url,max=2048"`
	Instructions string         `validate:"max=10000"`
	MaxPages     int            `validate:"min=0,max=500"`
	MaxLinks     int            `validate:"min=0,max=5000"`
	MaxDepth     int            `validate:"min=0,max=50"`
	Timeout      int64          `validate:"min=0"`
}

// service owns every write to the job store: create, transition, log
// append. Reads pass through with logs merged. Each successful write
// publishes a broadcast event.
type service struct {
	storage interfaces.JobStorage
	queue   interfaces.QueueService
	events  interfaces.EventService
	config  *common.JobsConfig
	logger  arbor.ILogger
}

// NewService creates the job lifecycle manager
func NewService(storage interfaces.JobStorage, queue interfaces.QueueService, events interfaces.EventService, config *common.JobsConfig, logger arbor.ILogger) interfaces.JobService {
	return &service{
		storage: storage,
		queue:   queue,
		events:  events,
		config:  config,
		logger:  logger,
	}
}

// CreateJob validates and normalizes the request, persists the canonical
// record, enqueues a work item and broadcasts the creation. An enqueue
// failure is not fatal: the job stays pending and the health monitor
// reclaims it.
func (s *service) CreateJob(ctx context.Context, jobType models.JobType, url string, params models.JobParams) (*models.Job, error) {
	start := time.Now()

	url = strings.TrimSpace(url)
	jobType, url, params = normalizeRequest(jobType, url, params)

	if err := validate.Struct(&createRequest{
		Type:         jobType,
		URL:          url,
		Instructions: params.ExtractionInstructions,
		MaxPages:     params.MaxPages,
		MaxLinks:     params.MaxLinks,
		MaxDepth:     params.MaxDepth,
		Timeout:      params.Timeout,
	}); err != nil {
		return nil, &models.ValidationError{Field: "request", Reason: err.Error()}
	}
	if params.Model != "" && !models.ModelTier(params.Model).IsValid() {
		return nil, &models.ValidationError{Field: "model", Reason: fmt.Sprintf("unknown tier %q", params.Model)}
	}

	job := models.NewJob(common.NewJobID(), jobType, url, params)
	job.CorrelationID = common.NewCorrelationID()
	if s.config.RetentionDays > 0 {
		job.ExpiresAt = job.CreatedAt + int64(s.config.RetentionDays)*24*int64(time.Hour/time.Millisecond)
	}

	if err := s.storage.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, models.NewWorkItem(job)); err != nil {
		s.logger.Warn().
			Str("job_id", job.ID).
			Err(err).
			Msg("Job persisted but enqueue failed, leaving pending for monitor reclaim")
	}

	s.events.PublishJobUpdate(job)
	s.AppendLog(ctx, job.ID, "info", fmt.Sprintf("job created: type=%s url=%s", job.Type, job.URL))

	s.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("url", job.URL).
		Str("correlation_id", job.CorrelationID).
		Dur("duration", time.Since(start)).
		Msg("Job created")

	return job, nil
}

// normalizeRequest applies the request conventions: a trailing /*
// wildcard seeds the base URL and switches on autonomous mode, and any
// autonomous flag promotes a plain extract to the orchestrated type.
func normalizeRequest(jobType models.JobType, url string, params models.JobParams) (models.JobType, string, models.JobParams) {
	if strings.HasSuffix(url, "/*") {
		url = strings.TrimSuffix(url, "*")
		params.Wildcard = true
		params.Autonomous = true
	}
	if jobType == models.JobTypeSyncExtract && (params.Autonomous || params.Agentic || params.Wildcard) {
		jobType = models.JobTypeAutonomousExtract
	}
	params.Model = strings.ToLower(strings.TrimSpace(params.Model))
	return jobType, url, params
}

// NormalizeOutputSchema accepts the schema however the caller sent it:
// a structured object, or YAML/JSON text (YAML parses both). Returns nil
// for an absent schema.
func NormalizeOutputSchema(raw interface{}) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		var schema map[string]interface{}
		if err := yaml.Unmarshal([]byte(v), &schema); err != nil {
			return nil, &models.ValidationError{Field: "outputSchema", Reason: fmt.Sprintf("not valid YAML or JSON: %v", err)}
		}
		return schema, nil
	default:
		return nil, &models.ValidationError{Field: "outputSchema", Reason: fmt.Sprintf("unsupported type %T", raw)}
	}
}

// GetJob returns the canonical record with logs merged, nil if absent
func (s *service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.storage.Get(ctx, id)
	if err != nil || job == nil {
		return job, err
	}

	logs, err := s.storage.GetLogs(ctx, id, 0)
	if err != nil {
		s.logger.Warn().Str("job_id", id).Err(err).Msg("Failed to merge job logs")
		return job, nil
	}
	job.Logs = logs
	return job, nil
}

// ListJobs scans jobs newest first, applying the configured page size
// when the caller left the limit unset.
func (s *service) ListJobs(ctx context.Context, filter models.JobFilter) (*models.JobPage, error) {
	start := time.Now()

	if filter.Limit <= 0 {
		filter.Limit = s.config.ListPageSize
	}

	page, err := s.storage.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Int("count", len(page.Jobs)).
		Bool("has_more", page.HasMore).
		Dur("duration", time.Since(start)).
		Msg("Listed jobs")

	return page, nil
}

// UpdateJob applies a patch through transition validation and publishes
// the new state.
func (s *service) UpdateJob(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	start := time.Now()

	job, err := s.storage.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.events.PublishJobUpdate(job)

	s.logger.Debug().
		Str("job_id", id).
		Str("status", string(job.Status)).
		Dur("duration", time.Since(start)).
		Msg("Job updated")

	return job, nil
}

// StartJob transitions a job to processing and stamps the first
// heartbeat.
func (s *service) StartJob(ctx context.Context, id string) (*models.Job, error) {
	status := models.JobStatusProcessing
	now := models.NowMillis()
	job, err := s.UpdateJob(ctx, id, models.JobPatch{Status: &status, Heartbeat: &now})
	if err != nil {
		return nil, err
	}
	s.AppendLog(ctx, id, "info", "job started")
	return job, nil
}

// CompleteJob finishes a job with its result payload
func (s *service) CompleteJob(ctx context.Context, id string, result map[string]interface{}) error {
	status := models.JobStatusCompleted
	_, err := s.UpdateJob(ctx, id, models.JobPatch{Status: &status, Result: result})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	s.AppendLog(ctx, id, "info", "job completed")
	return nil
}

// CompleteJobWithNote finishes a job while recording an advisory error
// note, used for partial completions and monitor recovery.
func (s *service) CompleteJobWithNote(ctx context.Context, id string, result map[string]interface{}, note string) error {
	status := models.JobStatusCompleted
	_, err := s.UpdateJob(ctx, id, models.JobPatch{Status: &status, Result: result, Error: &note})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	s.AppendLog(ctx, id, "warn", fmt.Sprintf("job completed with note: %s", note))
	return nil
}

// FailJob marks a job failed with a reason
func (s *service) FailJob(ctx context.Context, id string, reason string) error {
	status := models.JobStatusFailed
	_, err := s.UpdateJob(ctx, id, models.JobPatch{Status: &status, Error: &reason})
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	s.AppendLog(ctx, id, "error", fmt.Sprintf("job failed: %s", reason))
	return nil
}

// TimeoutJob marks a job timed out with a reason
func (s *service) TimeoutJob(ctx context.Context, id string, reason string) error {
	status := models.JobStatusTimeout
	_, err := s.UpdateJob(ctx, id, models.JobPatch{Status: &status, Error: &reason})
	if err != nil {
		return fmt.Errorf("failed to time out job %s: %w", id, err)
	}
	s.AppendLog(ctx, id, "error", fmt.Sprintf("job timed out: %s", reason))
	return nil
}

// CancelJob cancels a pending or processing job
func (s *service) CancelJob(ctx context.Context, id string) error {
	status := models.JobStatusCancelled
	reason := "cancelled by request"
	_, err := s.UpdateJob(ctx, id, models.JobPatch{Status: &status, Error: &reason})
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	s.AppendLog(ctx, id, "warn", "job cancelled")
	return nil
}

// DeleteJob removes the record and its logs
func (s *service) DeleteJob(ctx context.Context, id string) error {
	start := time.Now()

	if err := s.storage.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}

	s.logger.Info().
		Str("job_id", id).
		Dur("duration", time.Since(start)).
		Msg("Job deleted")

	return nil
}

// AppendLog attaches a log entry and broadcasts it. Failures are logged
// and swallowed; job logging never breaks extraction.
func (s *service) AppendLog(ctx context.Context, jobID, level, message string) {
	entry := models.NewJobLogEntry(level, message, jobID)
	if err := s.storage.AppendLog(ctx, jobID, entry); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to append job log")
		return
	}
	s.events.PublishLog(jobID, entry)
}

// Heartbeat stamps the job's liveness marker
func (s *service) Heartbeat(ctx context.Context, id string) error {
	now := models.NowMillis()
	_, err := s.storage.Update(ctx, id, models.JobPatch{Heartbeat: &now})
	return err
}

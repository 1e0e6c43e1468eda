// -----------------------------------------------------------------------
// Job - Canonical extraction job record
// -----------------------------------------------------------------------

package models

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"
)

// The store serializes records with gob, so every concrete type that
// travels inside Result, Params.OutputSchema or page metadata has to be
// registered before the first write.
func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register([]map[string]interface{}{}) // Used for crawl result pages
	gob.Register(map[string]string{})        // Used in page metadata (open_graph, meta, etc.)
	gob.Register([]string{})                 // Used for link lists and stop patterns
	gob.Register(time.Time{})                // Used in fetched page metadata
	gob.Register(AgentResult{})              // Used for orchestrator page results
	gob.Register([]AgentResult{})
}

// CurrentSchemaVersion tags the on-disk record format. Records carrying an
// older (or empty) version are migrated in memory at read time.
const CurrentSchemaVersion = "1.0.0"

// JobStatus represents the state of an extraction job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusTimeout    JobStatus = "timeout"
)

// JobType selects the worker executor for a job
type JobType string

const (
	JobTypeSyncExtract       JobType = "sync-extract"       // Single-page extraction
	JobTypeScrape            JobType = "scrape"             // Fetch and convert one page
	JobTypeCrawl             JobType = "crawl"              // Link-bounded multi-page crawl
	JobTypeAutonomousExtract JobType = "autonomous-extract" // Model-driven multi-page orchestration
)

// statusTransitions is the allowed transition graph. Completed is
// terminal; failed, cancelled and timeout may re-enter processing on
// retry.
var statusTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout},
	JobStatusFailed:     {JobStatusProcessing},
	JobStatusCancelled:  {JobStatusProcessing},
	JobStatusTimeout:    {JobStatusProcessing},
	JobStatusCompleted:  {},
}

// IsValid returns true for a recognized status value
func (s JobStatus) IsValid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// IsTerminal returns true if no transition leaves this status. Only
// completed qualifies; failed, cancelled and timeout remain retryable.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted
}

// CanTransition reports whether moving from s to next is allowed
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsValid returns true for a recognized job type
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeSyncExtract, JobTypeScrape, JobTypeCrawl, JobTypeAutonomousExtract:
		return true
	}
	return false
}

// JobParams is the frozen configuration snapshot taken at job creation.
// Workers read it; nothing mutates it after the job is persisted.
type JobParams struct {
	ExtractionInstructions string                 `json:"extractionInstructions,omitempty"`
	OutputSchema           map[string]interface{} `json:"outputSchema,omitempty"`
	MaxPages               int                    `json:"maxPages,omitempty"`
	MaxLinks               int                    `json:"maxLinks,omitempty"`
	MaxDepth               int                    `json:"maxDepth,omitempty"`
	Timeout                int64                  `json:"timeout,omitempty"` // per-job wall-clock budget in milliseconds
	StopPatterns           []string               `json:"stopPatterns,omitempty"`
	LinkPatterns           []string               `json:"linkPatterns,omitempty"`
	ExcludePatterns        []string               `json:"excludePatterns,omitempty"`
	WaitForSelector        string                 `json:"waitForSelector,omitempty"`
	Model                  string                 `json:"model,omitempty"` // tier preference: lowest|mid|highest
	Wildcard               bool                   `json:"wildcard,omitempty"`
	Autonomous             bool                   `json:"autonomous,omitempty"`
	Agentic                bool                   `json:"agentic,omitempty"`
}

// Job is the canonical extraction job record. Created once by the
// lifecycle manager, mutated only by the owning worker and the health
// monitor, evicted after the retention window via ExpiresAt.
//
// All timestamps are Unix milliseconds.
type Job struct {
	ID            string                 `json:"id" badgerhold:"key"`
	Type          JobType                `json:"type" badgerholdIndex:"Type"`
	Status        JobStatus              `json:"status" badgerholdIndex:"Status"`
	URL           string                 `json:"url"`
	Params        JobParams              `json:"params"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     int64                  `json:"createdAt"`
	UpdatedAt     int64                  `json:"updatedAt"`
	Heartbeat     int64                  `json:"heartbeat,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	SchemaVersion string                 `json:"schemaVersion"`
	ExpiresAt     int64                  `json:"expiresAt,omitempty"`

	// Logs live in their own sequenced records; the storage layer clears
	// this field before write and merges it back on read.
	Logs []JobLogEntry `json:"logs,omitempty"`
}

// NowMillis returns the current time as Unix milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewJob creates a pending job with timestamps and schema version set
func NewJob(id string, jobType JobType, url string, params JobParams) *Job {
	now := NowMillis()
	return &Job{
		ID:            id,
		Type:          jobType,
		Status:        JobStatusPending,
		URL:           url,
		Params:        params,
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: CurrentSchemaVersion,
	}
}

// Validate checks the canonical schema before write
func (j *Job) Validate() error {
	if j.ID == "" {
		return &ValidationError{Field: "id", Reason: "job ID is required"}
	}
	if !j.Type.IsValid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", j.Type)}
	}
	if !j.Status.IsValid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", j.Status)}
	}
	if j.URL == "" {
		return &ValidationError{Field: "url", Reason: "seed URL is required"}
	}
	if j.CreatedAt <= 0 {
		return &ValidationError{Field: "createdAt", Reason: "creation timestamp is required"}
	}
	if j.UpdatedAt < j.CreatedAt {
		return &ValidationError{Field: "updatedAt", Reason: "updatedAt precedes createdAt"}
	}
	if j.Status == JobStatusCompleted && j.Result == nil {
		return &ValidationError{Field: "result", Reason: "completed job requires a result"}
	}
	if (j.Status == JobStatusFailed || j.Status == JobStatusCancelled || j.Status == JobStatusTimeout) && j.Error == "" {
		return &ValidationError{Field: "error", Reason: fmt.Sprintf("status %s requires an error description", j.Status)}
	}
	return nil
}

// Deadline computes the job-level deadline from a start time: the
// smaller of the per-job timeout and the remaining process budget.
func (j *Job) Deadline(start time.Time, processRemaining time.Duration) time.Time {
	budget := processRemaining
	if j.Params.Timeout > 0 {
		perJob := time.Duration(j.Params.Timeout) * time.Millisecond
		if perJob < budget {
			budget = perJob
		}
	}
	return start.Add(budget)
}

// Touch bumps the update timestamp, keeping it monotonic
func (j *Job) Touch() {
	now := NowMillis()
	if now <= j.UpdatedAt {
		now = j.UpdatedAt + 1
	}
	j.UpdatedAt = now
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	clone := *j
	if j.Result != nil {
		clone.Result = make(map[string]interface{}, len(j.Result))
		for k, v := range j.Result {
			clone.Result[k] = v
		}
	}
	if j.Logs != nil {
		clone.Logs = make([]JobLogEntry, len(j.Logs))
		copy(clone.Logs, j.Logs)
	}
	if j.Params.OutputSchema != nil {
		clone.Params.OutputSchema = make(map[string]interface{}, len(j.Params.OutputSchema))
		for k, v := range j.Params.OutputSchema {
			clone.Params.OutputSchema[k] = v
		}
	}
	return &clone
}

// ToJSON serializes the job for transport
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job record
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// JobPatch carries the fields an update may change. Nil fields are left
// untouched.
type JobPatch struct {
	Status    *JobStatus
	Result    map[string]interface{}
	Error     *string
	Heartbeat *int64
}

// JobFilter narrows a list scan
type JobFilter struct {
	Status       JobStatus
	Type         JobType
	CreatedAfter int64 // Unix milliseconds, exclusive
	Limit        int
	Offset       int
}

// JobPage is one page of a list scan
type JobPage struct {
	Jobs    []*Job `json:"jobs"`
	HasMore bool   `json:"hasMore"`
}

// -----------------------------------------------------------------------
// Broadcast events - Real-time job status fan-out payloads
// -----------------------------------------------------------------------

package models

import "encoding/json"

// Broadcast event types
const (
	EventTypeJobUpdate = "job_update"
	EventTypeLog       = "log"
)

// BroadcastEvent is the wire payload pushed to subscribed clients on
// every job write and log append.
type BroadcastEvent struct {
	Type      string                 `json:"type"`
	JobID     string                 `json:"jobId"`
	Status    JobStatus              `json:"status,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Level     string                 `json:"level,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// NewJobUpdateEvent builds a job_update event from the job's current state
func NewJobUpdateEvent(job *Job) *BroadcastEvent {
	return &BroadcastEvent{
		Type:      EventTypeJobUpdate,
		JobID:     job.ID,
		Status:    job.Status,
		Result:    job.Result,
		Error:     job.Error,
		Timestamp: NowMillis(),
	}
}

// NewLogEvent builds a log event from an appended job log entry
func NewLogEvent(jobID string, entry JobLogEntry) *BroadcastEvent {
	return &BroadcastEvent{
		Type:      EventTypeLog,
		JobID:     jobID,
		Message:   entry.Message,
		Level:     entry.Level,
		Timestamp: entry.Timestamp,
	}
}

// ToJSON serializes the event once for fan-out
func (e *BroadcastEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Subscription tracks one broadcast client. Subscriptions carry a TTL so
// abandoned registrations age out even when no send ever fails.
type Subscription struct {
	ID        string `json:"id"`
	JobID     string `json:"jobId,omitempty"` // empty subscribes to all jobs
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the subscription has aged out
func (s *Subscription) Expired(nowMillis int64) bool {
	return s.ExpiresAt > 0 && nowMillis > s.ExpiresAt
}

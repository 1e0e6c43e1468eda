package models

// JobLogEntry is a single append-only log record attached to a job.
// Timestamp is Unix milliseconds.
type JobLogEntry struct {
	Timestamp     int64  `json:"timestamp"`
	Level         string `json:"level"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewJobLogEntry creates a log entry stamped with the current time
func NewJobLogEntry(level, message, correlationID string) JobLogEntry {
	return JobLogEntry{
		Timestamp:     NowMillis(),
		Level:         level,
		Message:       message,
		CorrelationID: correlationID,
	}
}

// Truncate caps the message length on write. Entries over the cap keep
// the head of the message plus an ellipsis marker.
func (e JobLogEntry) Truncate(maxBytes int) JobLogEntry {
	if maxBytes <= 0 || len(e.Message) <= maxBytes {
		return e
	}
	marker := "..."
	if maxBytes <= len(marker) {
		e.Message = e.Message[:maxBytes]
		return e
	}
	e.Message = e.Message[:maxBytes-len(marker)] + marker
	return e
}

package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix.
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewCorrelationID generates a request-scoped correlation ID with the
// "req_" prefix. It is propagated into job logs and outbound calls.
func NewCorrelationID() string {
	return "req_" + uuid.New().String()
}

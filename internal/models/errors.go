package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the job store write path
var (
	// ErrJobNotFound is returned when a job ID does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyExists is returned when a create hits a taken ID
	ErrJobAlreadyExists = errors.New("job already exists")
)

// ValidationError reports a canonical-schema violation on write
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a schema validation failure
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvalidTransitionError reports a status change the transition graph
// does not allow
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// IsInvalidTransition reports whether err is a transition-graph violation
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

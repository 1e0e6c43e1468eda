package interfaces

import "github.com/ternarybob/atlas/internal/models"

// ReportService renders a job record as a human-readable document
type ReportService interface {
	// HTML renders the job report as a standalone HTML page
	HTML(job *models.Job) ([]byte, error)

	// PDF renders the job report as a PDF document
	PDF(job *models.Job) ([]byte, error)
}

// -----------------------------------------------------------------------
// Report service - Renders job records as HTML and PDF documents
// -----------------------------------------------------------------------

package report

import (
	"bytes"
	"fmt"
	"html"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

// Service builds job reports. One markdown composition feeds both
// renderers: goldmark for the browser, an fpdf walk for download.
type Service struct {
	md     goldmark.Markdown
	logger arbor.ILogger
}

// NewService creates the report renderer
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.Table,
				extension.Strikethrough,
				extension.Linkify,
			),
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
		logger: logger,
	}
}

// HTML renders the job report as a standalone HTML page
func (s *Service) HTML(job *models.Job) ([]byte, error) {
	start := time.Now()
	source := composeMarkdown(job)

	var body bytes.Buffer
	if err := s.md.Convert([]byte(source), &body); err != nil {
		return nil, fmt.Errorf("failed to render report for job %s: %w", job.ID, err)
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>Job Report %s</title>\n", html.EscapeString(job.ID))
	page.WriteString("<style>\n" + reportStyle + "\n</style>\n</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")

	s.logger.Debug().
		Str("job_id", job.ID).
		Int("bytes", page.Len()).
		Dur("duration", time.Since(start)).
		Msg("Report rendered as HTML")

	return page.Bytes(), nil
}

// PDF renders the job report as a PDF document
func (s *Service) PDF(job *models.Job) ([]byte, error) {
	start := time.Now()
	source := composeMarkdown(job)

	data, err := s.renderPDF(source, fmt.Sprintf("Job Report %s", job.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to render report for job %s: %w", job.ID, err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Report rendered as PDF")

	return data, nil
}

// reportStyle keeps the HTML page readable without external assets
const reportStyle = `body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; max-width: 900px; margin: 2em auto; padding: 0 1em; color: #1a1a1a; }
h1 { border-bottom: 2px solid #e0e0e0; padding-bottom: 0.3em; }
h2 { margin-top: 1.6em; }
table { border-collapse: collapse; margin: 1em 0; }
th, td { border: 1px solid #d0d0d0; padding: 0.35em 0.7em; text-align: left; }
th { background: #f0f0f0; }
blockquote { border-left: 3px solid #d0a000; margin-left: 0; padding-left: 1em; color: #6a5a00; }
pre { background: #f6f6f6; border: 1px solid #e0e0e0; border-radius: 4px; padding: 0.8em; overflow-x: auto; font-size: 0.85em; }
code { font-family: "SF Mono", Consolas, monospace; }`

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/atlas/internal/models"
)

const (
	// maxResultBytes caps the rendered result payload per job
	maxResultBytes = 16 * 1024
	// maxLogLines caps the activity tail per job
	maxLogLines = 20
)

// formatJobCreated formats a job submission acknowledgement as markdown
func formatJobCreated(created *createJobResponse) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Job %s\n\n", created.JobID))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", created.Status))
	sb.WriteString(fmt.Sprintf("**Status URL:** %s\n\n", created.StatusURL))
	sb.WriteString("The job runs in the background. Poll get_job_status until the status is completed, then read the result.\n")
	return sb.String()
}

// formatJob formats a full job record as markdown
func formatJob(job *models.Job) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Job %s\n\n", job.ID))
	sb.WriteString(fmt.Sprintf("**Type:** %s\n", job.Type))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", job.Status))
	sb.WriteString(fmt.Sprintf("**URL:** %s\n", job.URL))
	sb.WriteString(fmt.Sprintf("**Created:** %s\n", formatMillis(job.CreatedAt)))
	sb.WriteString(fmt.Sprintf("**Updated:** %s\n\n", formatMillis(job.UpdatedAt)))

	if job.Error != "" {
		sb.WriteString(fmt.Sprintf("**Error:** %s\n\n", job.Error))
	}

	if job.Result != nil {
		resultJSON, err := json.MarshalIndent(job.Result, "", "  ")
		if err == nil {
			// Cap the payload so a large crawl does not flood the client
			if len(resultJSON) > maxResultBytes {
				resultJSON = append(resultJSON[:maxResultBytes], []byte("\n... (truncated)")...)
			}
			sb.WriteString("## Result\n\n```json\n")
			sb.Write(resultJSON)
			sb.WriteString("\n```\n\n")
		}
	}

	if len(job.Logs) > 0 {
		logs := job.Logs
		if len(logs) > maxLogLines {
			logs = logs[len(logs)-maxLogLines:]
		}
		sb.WriteString("## Recent Activity\n\n")
		for _, entry := range logs {
			stamp := time.UnixMilli(entry.Timestamp).UTC().Format("15:04:05")
			sb.WriteString(fmt.Sprintf("- %s [%s] %s\n", stamp, entry.Level, entry.Message))
		}
	}

	return sb.String()
}

// formatJobList formats a job listing as markdown
func formatJobList(page *listJobsResponse) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Jobs (%d)\n\n", page.Count))

	if len(page.Jobs) == 0 {
		sb.WriteString("No jobs found.\n")
		return sb.String()
	}

	for i, job := range page.Jobs {
		sb.WriteString(fmt.Sprintf("%d. **%s** %s / %s\n", i+1, job.ID, job.Type, job.Status))
		sb.WriteString(fmt.Sprintf("   URL: %s\n", job.URL))
		sb.WriteString(fmt.Sprintf("   Updated: %s\n\n", formatMillis(job.UpdatedAt)))
	}

	if page.HasMore {
		sb.WriteString("More jobs are available; raise the limit or add a filter.\n")
	}

	return sb.String()
}

// formatMillis renders a Unix-milliseconds timestamp as RFC3339 UTC
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

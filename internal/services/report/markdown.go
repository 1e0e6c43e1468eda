// -----------------------------------------------------------------------
// Report composition - Assembles the markdown source for a job report
// -----------------------------------------------------------------------

package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ternarybob/atlas/internal/models"
)

const (
	// maxSectionBytes caps free-text sections so an oversize scrape does
	// not balloon the report
	maxSectionBytes = 16 * 1024

	// maxDataBytes caps one page's extracted-data block
	maxDataBytes = 8 * 1024

	// maxLogLines bounds the trailing activity table
	maxLogLines = 25
)

// composeMarkdown builds the report source. Sections appear only when
// the job carries the matching data, so a pending job renders as a bare
// status sheet while a completed extraction gets synthesis, summaries
// and per-page data.
func composeMarkdown(job *models.Job) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Extraction Report: %s\n\n", job.ID)

	b.WriteString("| Field | Value |\n| --- | --- |\n")
	writeMetaRow(&b, "Type", string(job.Type))
	writeMetaRow(&b, "Status", string(job.Status))
	writeMetaRow(&b, "URL", job.URL)
	writeMetaRow(&b, "Created", formatMillis(job.CreatedAt))
	writeMetaRow(&b, "Updated", formatMillis(job.UpdatedAt))
	if job.Params.Model != "" {
		writeMetaRow(&b, "Model", job.Params.Model)
	}
	b.WriteString("\n")

	if job.Error != "" {
		b.WriteString("## Error\n\n")
		b.WriteString(job.Error)
		b.WriteString("\n\n")
	}

	result := job.Result
	if result == nil {
		return b.String()
	}

	// The store replaces an oversize result with a truncation wrapper;
	// surface the reason and report on whatever survived.
	if truncated, ok := result["_truncated"].(bool); ok && truncated {
		if reason, ok := result["_reason"].(string); ok {
			fmt.Fprintf(&b, "> Stored result was truncated: %s\n\n", reason)
		}
		partial, ok := result["partial"].(map[string]interface{})
		if !ok {
			return b.String()
		}
		result = partial
	}

	if fallback, ok := result["_timeout_fallback"].(bool); ok && fallback {
		b.WriteString("> Partial result assembled after the run hit its time budget.\n\n")
	}

	if synthesis, ok := result["synthesis"].(string); ok && synthesis != "" {
		b.WriteString("## Synthesis\n\n")
		b.WriteString(truncateText(synthesis, maxSectionBytes))
		b.WriteString("\n\n")
	}

	writeSummary(&b, "Run Summary", result["orchestrator_summary"])
	writeSummary(&b, "Crawl Summary", result["crawl_summary"])
	writePages(&b, result["pages"])

	// A scrape result is flat: its markdown is the whole payload
	if content, ok := result["markdown"].(string); ok && content != "" {
		b.WriteString("## Content\n\n")
		b.WriteString(truncateText(content, maxSectionBytes))
		b.WriteString("\n\n")
	}

	writeLogs(&b, job.Logs)

	return b.String()
}

// writeMetaRow emits one row of the header table
func writeMetaRow(b *strings.Builder, field, value string) {
	fmt.Fprintf(b, "| %s | %s |\n", field, escapeCell(value))
}

// writeSummary renders a summary map as a two-column table, keys sorted
// so the output is stable
func writeSummary(b *strings.Builder, title string, v interface{}) {
	summary, ok := v.(map[string]interface{})
	if !ok || len(summary) == 0 {
		return
	}

	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(b, "## %s\n\n", title)
	b.WriteString("| Metric | Value |\n| --- | --- |\n")
	for _, k := range keys {
		fmt.Fprintf(b, "| %s | %s |\n", escapeCell(k), escapeCell(fmt.Sprintf("%v", summary[k])))
	}
	b.WriteString("\n")
}

// reportPage is the renderer-neutral view of one result page. Pages
// arrive as typed agent results when read in-process and as generic
// maps after a serialization round trip, so both forms normalize here.
type reportPage struct {
	url      string
	data     interface{}
	markdown string
	err      string
}

func writePages(b *strings.Builder, v interface{}) {
	pages := normalizePages(v)
	if len(pages) == 0 {
		return
	}

	b.WriteString("## Pages\n\n")
	for i, page := range pages {
		title := page.url
		if title == "" {
			title = fmt.Sprintf("page %d", i+1)
		}
		fmt.Fprintf(b, "### %d. %s\n\n", i+1, escapeCell(title))

		if page.err != "" {
			fmt.Fprintf(b, "Extraction failed: %s\n\n", page.err)
			continue
		}
		if page.data != nil {
			writeDataBlock(b, page.data)
			continue
		}
		if page.markdown != "" {
			b.WriteString(truncateText(page.markdown, maxDataBytes))
			b.WriteString("\n\n")
		}
	}
}

func normalizePages(v interface{}) []reportPage {
	switch pages := v.(type) {
	case []models.AgentResult:
		out := make([]reportPage, 0, len(pages))
		for i := range pages {
			out = append(out, reportPage{
				url:  pages[i].URL,
				data: pages[i].ExtractedData,
				err:  pages[i].Error,
			})
		}
		return out
	case []map[string]interface{}:
		out := make([]reportPage, 0, len(pages))
		for _, m := range pages {
			out = append(out, pageFromMap(m))
		}
		return out
	case []interface{}:
		out := make([]reportPage, 0, len(pages))
		for _, item := range pages {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, pageFromMap(m))
			}
		}
		return out
	default:
		return nil
	}
}

func pageFromMap(m map[string]interface{}) reportPage {
	var page reportPage
	if s, ok := m["url"].(string); ok {
		page.url = s
	}
	if s, ok := m["error"].(string); ok {
		page.err = s
	}
	if s, ok := m["markdown"].(string); ok {
		page.markdown = s
	}
	page.data = m["extractedData"]
	return page
}

// writeDataBlock renders extracted data as a fenced JSON block
func writeDataBlock(b *strings.Builder, data interface{}) {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(b, "%v\n\n", data)
		return
	}
	b.WriteString("```json\n")
	b.WriteString(truncateText(string(raw), maxDataBytes))
	b.WriteString("\n```\n\n")
}

// writeLogs renders the trailing slice of the job's log entries
func writeLogs(b *strings.Builder, logs []models.JobLogEntry) {
	if len(logs) == 0 {
		return
	}
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}

	b.WriteString("## Recent Activity\n\n")
	b.WriteString("| Time | Level | Message |\n| --- | --- | --- |\n")
	for _, entry := range logs {
		fmt.Fprintf(b, "| %s | %s | %s |\n",
			time.UnixMilli(entry.Timestamp).UTC().Format("15:04:05"),
			entry.Level,
			escapeCell(entry.Message))
	}
	b.WriteString("\n")
}

// escapeCell keeps cell text from breaking table syntax
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// formatMillis renders a unix-millisecond timestamp, dash for zero
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// truncateText caps s at limit bytes, cutting on a rune boundary
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n\n(truncated)"
}

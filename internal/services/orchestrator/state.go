// -----------------------------------------------------------------------
// Orchestrator state - In-worker run state for one extraction job
// -----------------------------------------------------------------------

package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/atlas/internal/models"
)

// State tracks one run of the orchestration loop. It is owned by a
// single worker goroutine and never persisted; it dies with the run.
type State struct {
	Job        *models.Job
	CurrentURL string

	// CurrentPage counts loop iterations, which is the pagination depth.
	CurrentPage int

	// PaginationURLs is append-only: every next-page URL the model ever
	// surfaced, in discovery order. The cursor walks it; nothing is
	// removed.
	PaginationURLs []string
	paginationNext int

	// processedURLs elides duplicate extraction targets within the run.
	processedURLs map[string]bool

	// ExtractedData accumulates agent results in merged batch order.
	ExtractedData []models.AgentResult

	// DiscoveredLinks holds the filtered links from the latest fetch,
	// feeding the next planning prompt.
	DiscoveredLinks []string

	// LastFetch is the most recent page fetch, used for content previews
	// in planning prompts.
	LastFetch *models.FetchResult

	TotalPagesProcessed int
	TotalLinksFound     int

	StartTime  time.Time
	Deadline   time.Time
	StopReason string
}

func newState(job *models.Job, start time.Time, deadline time.Time) *State {
	return &State{
		Job:           job,
		CurrentURL:    job.URL,
		CurrentPage:   1,
		processedURLs: make(map[string]bool),
		StartTime:     start,
		Deadline:      deadline,
	}
}

// MarkProcessed records a URL as handled, reporting whether it was new.
func (s *State) MarkProcessed(url string) bool {
	if s.processedURLs[url] {
		return false
	}
	s.processedURLs[url] = true
	return true
}

// Processed reports whether a URL was already handled this run.
func (s *State) Processed(url string) bool {
	return s.processedURLs[url]
}

// PushPaginationURL appends a next-page URL. Duplicates of pages already
// queued or processed are dropped.
func (s *State) PushPaginationURL(url string) bool {
	if url == "" || s.processedURLs[url] {
		return false
	}
	for _, queued := range s.PaginationURLs {
		if queued == url {
			return false
		}
	}
	s.PaginationURLs = append(s.PaginationURLs, url)
	return true
}

// NextPaginationURL advances the cursor over the pagination queue.
func (s *State) NextPaginationURL() (string, bool) {
	for s.paginationNext < len(s.PaginationURLs) {
		url := s.PaginationURLs[s.paginationNext]
		s.paginationNext++
		if !s.processedURLs[url] {
			return url, true
		}
	}
	return "", false
}

// Remaining returns the time left before the job deadline.
func (s *State) Remaining() time.Duration {
	return time.Until(s.Deadline)
}

// ItemCount totals the items across all extracted agent results.
func (s *State) ItemCount() int {
	total := 0
	for i := range s.ExtractedData {
		total += s.ExtractedData[i].ItemCount()
	}
	return total
}

// DataSize returns the serialized size of the extracted data in bytes.
func (s *State) DataSize() int {
	if len(s.ExtractedData) == 0 {
		return 0
	}
	data, err := json.Marshal(s.ExtractedData)
	if err != nil {
		return 0
	}
	return len(data)
}

// Summary renders the compact run overview the planning prompt carries.
func (s *State) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "current page: %d\n", s.CurrentPage)
	fmt.Fprintf(&b, "pages processed: %d\n", s.TotalPagesProcessed)
	fmt.Fprintf(&b, "links found: %d\n", s.TotalLinksFound)
	fmt.Fprintf(&b, "items extracted: %d\n", s.ItemCount())
	fmt.Fprintf(&b, "time remaining: %s\n", s.Remaining().Round(time.Second))
	if len(s.PaginationURLs) > 0 {
		fmt.Fprintf(&b, "pagination trail: %s\n", strings.Join(s.PaginationURLs, ", "))
	}
	return b.String()
}

// DurationMillis is the elapsed wall-clock time of the run so far.
func (s *State) DurationMillis() int64 {
	return time.Since(s.StartTime).Milliseconds()
}

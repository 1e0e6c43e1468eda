// -----------------------------------------------------------------------
// Link filtering - Include/exclude patterns over discovered links
// -----------------------------------------------------------------------

package orchestrator

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
)

// LinkFilter narrows discovered links by the job's include/exclude
// patterns. With no include patterns the filter defaults to same-host
// links only; exclude patterns always win.
type LinkFilter struct {
	includeRegexes []*regexp.Regexp
	excludeRegexes []*regexp.Regexp
	seedHost       string
	logger         arbor.ILogger
}

func NewLinkFilter(seedURL string, includePatterns, excludePatterns []string, logger arbor.ILogger) *LinkFilter {
	filter := &LinkFilter{
		includeRegexes: make([]*regexp.Regexp, 0, len(includePatterns)),
		excludeRegexes: make([]*regexp.Regexp, 0, len(excludePatterns)),
		logger:         logger,
	}

	if parsed, err := url.Parse(seedURL); err == nil {
		filter.seedHost = strings.ToLower(parsed.Host)
	}

	for _, pattern := range includePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to compile include pattern")
			continue
		}
		filter.includeRegexes = append(filter.includeRegexes, re)
	}

	for _, pattern := range excludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to compile exclude pattern")
			continue
		}
		filter.excludeRegexes = append(filter.excludeRegexes, re)
	}

	return filter
}

// Keep reports whether a link survives the filter rules.
func (f *LinkFilter) Keep(link string) bool {
	for _, re := range f.excludeRegexes {
		if re.MatchString(link) {
			return false
		}
	}

	if len(f.includeRegexes) > 0 {
		for _, re := range f.includeRegexes {
			if re.MatchString(link) {
				return true
			}
		}
		return false
	}

	// No include patterns: stay on the seed host.
	if f.seedHost == "" {
		return true
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.ToLower(parsed.Host) == f.seedHost
}

// Filter applies the rules to a batch and caps the survivors.
func (f *LinkFilter) Filter(links []string, limit int) []string {
	var kept []string
	for _, link := range links {
		if !f.Keep(link) {
			continue
		}
		kept = append(kept, link)
		if limit > 0 && len(kept) >= limit {
			break
		}
	}
	return kept
}

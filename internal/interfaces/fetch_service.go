package interfaces

import (
	"context"

	"github.com/ternarybob/atlas/internal/models"
)

// FetchService retrieves page content through an escalation ladder:
// HEAD probe, direct GET, headless browser render, rotated-header retry,
// fixed-delay retry. The first rung yielding non-trivial content wins.
//
// Failures come back as *models.FetchError with a class and retry hint.
// Results are cached by hash(url, opts) with a TTL.
type FetchService interface {
	Fetch(ctx context.Context, url string, opts models.FetchOptions) (*models.FetchResult, error)

	// CacheStats reports hits, misses and current entry count
	CacheStats() map[string]int64

	// Close tears down the browser pool and cache
	Close() error
}

// -----------------------------------------------------------------------
// Fetch cache - TTL-bounded LRU over fetch results
// -----------------------------------------------------------------------

package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/models"
)

// resultCache stores fetch results keyed by a hash of the URL and the
// options that shaped the fetch. Two calls for the same URL with
// different wait selectors are distinct entries.
type resultCache struct {
	lru    *expirable.LRU[string, *models.FetchResult]
	hits   atomic.Int64
	misses atomic.Int64
}

func newResultCache(config *common.CacheConfig) *resultCache {
	size := config.Size
	if size <= 0 {
		size = 100
	}
	ttl := common.DurationOr(config.TTL, time.Hour)

	return &resultCache{
		lru: expirable.NewLRU[string, *models.FetchResult](size, nil, ttl),
	}
}

// cacheKey hashes the URL together with the option fields that change
// what the fetch returns. Header overrides are included because they can
// alter server responses; BypassCache is not, it only skips the lookup.
func cacheKey(url string, opts models.FetchOptions) string {
	keyed := struct {
		URL             string            `json:"url"`
		WaitForSelector string            `json:"waitForSelector,omitempty"`
		RenderDelay     time.Duration     `json:"renderDelay,omitempty"`
		ForceBrowser    bool              `json:"forceBrowser,omitempty"`
		SkipBrowser     bool              `json:"skipBrowser,omitempty"`
		Headers         map[string]string `json:"headers,omitempty"`
	}{
		URL:             url,
		WaitForSelector: opts.WaitForSelector,
		RenderDelay:     opts.RenderDelay,
		ForceBrowser:    opts.ForceBrowser,
		SkipBrowser:     opts.SkipBrowser,
		Headers:         opts.Headers,
	}

	data, _ := json.Marshal(keyed)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *resultCache) Get(key string) (*models.FetchResult, bool) {
	result, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
		return result, true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *resultCache) Put(key string, result *models.FetchResult) {
	c.lru.Add(key, result)
}

func (c *resultCache) Stats() map[string]int64 {
	return map[string]int64{
		"hits":    c.hits.Load(),
		"misses":  c.misses.Load(),
		"entries": int64(c.lru.Len()),
	}
}

func (c *resultCache) Purge() {
	c.lru.Purge()
}

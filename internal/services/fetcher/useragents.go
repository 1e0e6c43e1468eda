// -----------------------------------------------------------------------
// User agent rotation - Browser header profiles for fetch retries
// -----------------------------------------------------------------------

package fetcher

import (
	"math/rand"
	"sync"
)

// userAgents is a short list of current desktop browser identities.
// Rotation draws from this list; keep it small and plausible rather
// than exhaustive.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// headerProfiles pairs each rotation with Accept-Language variants so a
// rotated retry changes more than just the UA string.
var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.8,de;q=0.5",
	"en-AU,en;q=0.9",
}

// agentRotator hands out user agents, avoiding immediate repeats.
type agentRotator struct {
	mu       sync.Mutex
	fixed    string
	rotate   bool
	lastIdx  int
	randFunc func(n int) int
}

func newAgentRotator(fixed string, rotate bool) *agentRotator {
	return &agentRotator{
		fixed:    fixed,
		rotate:   rotate,
		lastIdx:  -1,
		randFunc: rand.Intn,
	}
}

// Next returns the user agent for the upcoming request. When rotation is
// disabled the configured fixed agent is returned every time.
func (r *agentRotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.rotate {
		if r.fixed != "" {
			return r.fixed
		}
		return userAgents[0]
	}

	idx := r.randFunc(len(userAgents))
	if idx == r.lastIdx {
		idx = (idx + 1) % len(userAgents)
	}
	r.lastIdx = idx
	return userAgents[idx]
}

// AcceptLanguage returns a language header to pair with a rotated agent.
func (r *agentRotator) AcceptLanguage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return acceptLanguages[r.randFunc(len(acceptLanguages))]
}

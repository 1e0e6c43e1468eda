package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// probeCacheTTL bounds how often a tier takes a synthetic prompt; the
// health endpoint may be polled far more often than providers should be.
const probeCacheTTL = 5 * time.Minute

var probedTiers = []models.ModelTier{
	models.TierLowest,
	models.TierMid,
	models.TierHighest,
}

type probeEntry struct {
	health models.TierHealth
	at     time.Time
}

// tierProber rate-limits synthetic prompt probes with a per-tier cache
type tierProber struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache map[models.ModelTier]probeEntry
}

func newTierProber(ttl time.Duration) *tierProber {
	return &tierProber{
		ttl:   ttl,
		cache: make(map[models.ModelTier]probeEntry),
	}
}

// probe returns tier health keyed by tier name, serving cached results
// inside the TTL and refreshing expired ones sequentially. A refresh
// failure is itself a result: the error rides the cached entry until the
// next window.
func (p *tierProber) probe(ctx context.Context, llm interfaces.LLMService, logger arbor.ILogger) map[string]models.TierHealth {
	out := make(map[string]models.TierHealth, len(probedTiers))

	for _, tier := range probedTiers {
		p.mu.Lock()
		entry, ok := p.cache[tier]
		fresh := ok && time.Since(entry.at) < p.ttl
		p.mu.Unlock()

		if fresh {
			out[string(tier)] = entry.health
			continue
		}

		startTime := time.Now()
		health := llm.ProbeTier(ctx, tier)
		if !health.Available {
			logger.Warn().
				Str("tier", string(tier)).
				Str("error", health.Error).
				Msg("Tier probe failed")
		} else {
			logger.Debug().
				Str("tier", string(tier)).
				Dur("duration", time.Since(startTime)).
				Msg("Tier probe succeeded")
		}

		p.mu.Lock()
		p.cache[tier] = probeEntry{health: health, at: time.Now()}
		p.mu.Unlock()

		out[string(tier)] = health
	}

	return out
}

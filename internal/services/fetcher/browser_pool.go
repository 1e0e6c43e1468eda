// -----------------------------------------------------------------------
// Browser pool - Recycled headless Chrome contexts for page rendering
// -----------------------------------------------------------------------

package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
)

// browserInstance is one live Chrome context plus the handles needed to
// tear it down and the timestamp used for lifetime recycling.
type browserInstance struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	createdAt   time.Time
}

// browserPool keeps a small set of warm Chrome contexts and hands them
// out round-robin. Instances past their lifetime are recycled on the
// next checkout so memory from long renders does not accumulate.
type browserPool struct {
	mu          sync.Mutex
	instances   []*browserInstance
	size        int
	maxLifetime time.Duration
	headless    bool
	userAgent   string
	nextIndex   int
	initialized bool
	logger      arbor.ILogger
}

func newBrowserPool(config *common.BrowserConfig, userAgent string, logger arbor.ILogger) *browserPool {
	size := config.PoolSize
	if size <= 0 {
		size = 2
	}

	return &browserPool{
		size:        size,
		maxLifetime: common.DurationOr(config.MaxLifetime, 2*time.Minute),
		headless:    config.Headless,
		userAgent:   userAgent,
		logger:      logger,
	}
}

// Init creates the pool instances. Partial success is tolerated: the
// pool shrinks to however many browsers came up, failing only when none
// did.
func (p *browserPool) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return fmt.Errorf("browser pool already initialized")
	}

	p.logger.Info().
		Int("pool_size", p.size).
		Bool("headless", p.headless).
		Dur("max_lifetime", p.maxLifetime).
		Msg("Initializing browser pool")

	created := 0
	var lastErr error
	for i := 0; i < p.size; i++ {
		inst, err := p.createInstance()
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("browser_index", i).Msg("Failed to create browser instance")
			continue
		}
		p.instances = append(p.instances, inst)
		created++
	}

	if created == 0 {
		return fmt.Errorf("failed to create any browser instances, last error: %w", lastErr)
	}

	if created < p.size {
		p.logger.Warn().
			Int("requested", p.size).
			Int("created", created).
			Msg("Created fewer browser instances than requested")
		p.size = created
	}

	p.initialized = true
	p.logger.Info().Int("browsers_created", created).Msg("Browser pool initialized")
	return nil
}

// createInstance starts one Chrome, verifies it responds, and returns it.
func (p *browserPool) createInstance() (*browserInstance, error) {
	start := time.Now()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), p.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser instance failed startup test: %w", err)
	}

	p.logger.Debug().Dur("startup_time", time.Since(start)).Msg("Browser instance created")

	return &browserInstance{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		createdAt:   time.Now(),
	}, nil
}

// allocatorOptions builds the Chrome launch flags. The stealth set
// matters: sites gate content on automation markers.
func (p *browserPool) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(p.userAgent),

		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("excludeSwitches", "enable-automation"),
		chromedp.Flag("useAutomationExtension", false),
		chromedp.Flag("no-sandbox", true),

		chromedp.WindowSize(1920, 1080),
	}

	if p.headless {
		// New headless mode is less detectable than the classic one.
		opts = append(opts, chromedp.Flag("headless", "new"))
	}

	return opts
}

// Get returns a browser context and a release func. An instance past
// its lifetime is torn down and replaced before checkout.
func (p *browserPool) Get() (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, nil, fmt.Errorf("browser pool not initialized")
	}
	if len(p.instances) == 0 {
		return nil, nil, fmt.Errorf("no browser instances available")
	}

	index := p.nextIndex % len(p.instances)
	p.nextIndex = (p.nextIndex + 1) % len(p.instances)

	inst := p.instances[index]

	if time.Since(inst.createdAt) > p.maxLifetime || inst.ctx.Err() != nil {
		p.logger.Debug().
			Int("browser_index", index).
			Dur("age", time.Since(inst.createdAt)).
			Msg("Recycling browser instance")

		inst.cancel()
		inst.allocCancel()

		fresh, err := p.createInstance()
		if err != nil {
			// Drop the dead slot so the next checkout skips it.
			p.instances = append(p.instances[:index], p.instances[index+1:]...)
			if len(p.instances) == 0 {
				return nil, nil, fmt.Errorf("failed to recycle last browser instance: %w", err)
			}
			return nil, nil, fmt.Errorf("failed to recycle browser instance: %w", err)
		}
		p.instances[index] = fresh
		inst = fresh
	}

	release := func() {
		p.logger.Debug().Int("browser_index", index).Msg("Browser context released")
	}

	return inst.ctx, release, nil
}

// Close tears down every instance, bounded by a 30s deadline so a hung
// Chrome cannot wedge shutdown.
func (p *browserPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	count := len(p.instances)
	p.logger.Info().Int("browser_count", count).Msg("Shutting down browser pool")

	done := make(chan struct{})
	go func() {
		for _, inst := range p.instances {
			inst.cancel()
			inst.allocCancel()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		p.logger.Warn().Int("browser_count", count).Msg("Browser pool shutdown timed out")
	}

	p.instances = nil
	p.nextIndex = 0
	p.initialized = false

	p.logger.Info().Int("browsers_shutdown", count).Msg("Browser pool shut down")
	return nil
}

// Stats reports pool occupancy for the health endpoint.
func (p *browserPool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return map[string]interface{}{
		"pool_size":        p.size,
		"active_instances": len(p.instances),
		"initialized":      p.initialized,
	}
}

// -----------------------------------------------------------------------
// Browser rendering - ChromeDP page render with resource blocking
// -----------------------------------------------------------------------

package fetcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/models"
)

// blockedURLPatterns stops the render from downloading bytes that do
// not change the DOM: images, media, fonts, and the usual analytics
// and ad endpoints.
var blockedURLPatterns = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.webp", "*.ico",
	"*.mp4", "*.webm", "*.mp3", "*.avi", "*.mov",
	"*.woff", "*.woff2", "*.ttf", "*.otf", "*.eot",
	"*google-analytics.com*", "*googletagmanager.com*",
	"*doubleclick.net*", "*googlesyndication.com*",
	"*facebook.net*", "*facebook.com/tr*",
	"*hotjar.com*", "*segment.io*", "*amplitude.com*",
	"*adservice.google.*", "*criteo.com*", "*taboola.com*",
}

// consentSelectors are the cookie-banner accept buttons worth one click
// attempt each. Selectors that match nothing are skipped silently.
var consentSelectors = []string{
	"#onetrust-accept-btn-handler",
	"button[id*='accept-cookies']",
	"button[id*='acceptCookies']",
	"button[aria-label*='Accept']",
	"button[title*='Accept all']",
	".cc-btn.cc-allow",
	".fc-button.fc-cta-consent",
	"#didomi-notice-agree-button",
	".cmpboxbtnyes",
}

// stealthJS hides the usual automation markers before any page script
// runs. Sites check these properties to gate content.
const stealthJS = `
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
	Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5], configurable: true });
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'], configurable: true });
	if (!window.chrome) { window.chrome = {}; }
	window.chrome.runtime = {};
	Object.defineProperty(screen, 'width', { get: () => 1920 });
	Object.defineProperty(screen, 'height', { get: () => 1080 });
	Object.defineProperty(screen, 'colorDepth', { get: () => 24 });
`

// consentClickJS clicks the first visible consent button in one browser
// round trip, returning how many matched.
const consentClickJS = `(() => {
	const selectors = %s;
	let clicked = 0;
	for (const sel of selectors) {
		try {
			const el = document.querySelector(sel);
			if (el && el.offsetParent !== null) { el.click(); clicked++; }
		} catch (e) {}
	}
	return clicked;
})()`

// renderResult carries the rendered DOM plus whatever the network
// listener observed along the way.
type renderResult struct {
	HTML          string
	Status        int
	JSONEndpoints []string
}

// renderPage drives one headless render: fresh tab, resource blocking,
// stealth injection, navigation, consent dismissal, the configured wait
// strategy, then DOM capture. The caller bounds it with ctx.
func renderPage(ctx context.Context, browserCtx context.Context, pageURL string, opts models.FetchOptions, renderWait time.Duration, logger arbor.ILogger) (*renderResult, error) {
	if err := browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser context cancelled: %w", err)
	}

	// Fresh tab per render so listeners and page state never leak
	// between fetches sharing a pooled browser.
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	renderCtx := tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}

	if err := chromedp.Run(renderCtx, network.Enable()); err != nil {
		return nil, fmt.Errorf("failed to enable network domain: %w", err)
	}

	if err := chromedp.Run(renderCtx, network.SetBlockedURLs(blockedURLPatterns)); err != nil {
		logger.Warn().Err(err).Msg("Failed to set blocked URL patterns")
	}

	// Observe responses for two purposes: harvesting JSON API endpoints
	// the page calls, and tracking quiet periods for the networkidle
	// wait strategy.
	var netMu sync.Mutex
	var jsonEndpoints []string
	seenEndpoints := make(map[string]bool)
	lastActivity := time.Now()

	chromedp.ListenTarget(renderCtx, func(ev interface{}) {
		switch evTyped := ev.(type) {
		case *network.EventRequestWillBeSent:
			netMu.Lock()
			lastActivity = time.Now()
			netMu.Unlock()
		case *network.EventResponseReceived:
			netMu.Lock()
			lastActivity = time.Now()
			mimeType := strings.ToLower(evTyped.Response.MimeType)
			respURL := evTyped.Response.URL
			if strings.Contains(mimeType, "application/json") && respURL != pageURL && !seenEndpoints[respURL] {
				seenEndpoints[respURL] = true
				jsonEndpoints = append(jsonEndpoints, respURL)
			}
			netMu.Unlock()
		}
	})

	var htmlContent string
	var statusCode int64 = 200

	err := chromedp.Run(renderCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthJS).Do(ctx)
			return err
		}),
		chromedp.EmulateViewport(1920, 1080),
		chromedp.Navigate(pageURL),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp navigation failed: %w", err)
	}

	dismissConsent(renderCtx, logger)

	if err := waitForContent(renderCtx, opts, renderWait, &netMu, &lastActivity); err != nil {
		logger.Warn().Err(err).Str("url", pageURL).Msg("Wait strategy did not complete, capturing DOM anyway")
	}

	err = chromedp.Run(renderCtx,
		chromedp.OuterHTML("html", &htmlContent),
		chromedp.Evaluate(`window.performance?.getEntriesByType?.('navigation')?.[0]?.responseStatus || 200`, &statusCode),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp DOM capture failed: %w", err)
	}

	if htmlContent == "" {
		return nil, fmt.Errorf("empty HTML content returned")
	}

	netMu.Lock()
	endpoints := append([]string(nil), jsonEndpoints...)
	netMu.Unlock()

	logger.Debug().
		Str("url", pageURL).
		Int("status_code", int(statusCode)).
		Int("html_length", len(htmlContent)).
		Int("json_endpoints", len(endpoints)).
		Msg("Page render completed")

	return &renderResult{
		HTML:          htmlContent,
		Status:        int(statusCode),
		JSONEndpoints: endpoints,
	}, nil
}

// dismissConsent tries the known cookie-banner buttons once. Failures
// are fine; most pages have no banner.
func dismissConsent(renderCtx context.Context, logger arbor.ILogger) {
	quoted := make([]string, len(consentSelectors))
	for i, sel := range consentSelectors {
		quoted[i] = fmt.Sprintf("%q", sel)
	}
	script := fmt.Sprintf(consentClickJS, "["+strings.Join(quoted, ",")+"]")

	clickCtx, cancel := context.WithTimeout(renderCtx, 2*time.Second)
	defer cancel()

	var clicked int
	if err := chromedp.Run(clickCtx, chromedp.Evaluate(script, &clicked)); err != nil {
		logger.Trace().Err(err).Msg("Consent dismissal evaluation failed")
		return
	}
	if clicked > 0 {
		logger.Debug().Int("clicked", clicked).Msg("Dismissed consent banner")
		// Give the page a beat to re-render after the banner drops.
		_ = chromedp.Run(clickCtx, chromedp.Sleep(300*time.Millisecond))
	}
}

// waitForContent applies the render wait strategy: an explicit selector
// when the caller named one, otherwise network idle, otherwise a fixed
// delay.
func waitForContent(renderCtx context.Context, opts models.FetchOptions, renderWait time.Duration, netMu *sync.Mutex, lastActivity *time.Time) error {
	if opts.WaitForSelector != "" {
		return chromedp.Run(renderCtx, chromedp.WaitVisible(opts.WaitForSelector, chromedp.ByQuery))
	}

	delay := renderWait
	if opts.RenderDelay > 0 {
		delay = opts.RenderDelay
		return chromedp.Run(renderCtx, chromedp.Sleep(delay))
	}

	// Network idle: quiet for 500ms, bounded by the render wait so a
	// chatty page cannot stall the ladder.
	idleDeadline := time.Now().Add(delay)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-renderCtx.Done():
			return renderCtx.Err()
		case <-ticker.C:
			netMu.Lock()
			quiet := time.Since(*lastActivity) > 500*time.Millisecond
			netMu.Unlock()
			if quiet || time.Now().After(idleDeadline) {
				return nil
			}
		}
	}
}

// -----------------------------------------------------------------------
// Fetch service - Escalation ladder from HEAD probe to delayed retries
// -----------------------------------------------------------------------

package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"golang.org/x/time/rate"
)

// Service fetches pages through an escalation ladder: HEAD probe, plain
// GET, headless render, rotated-header retry, fixed-delay retry. The
// first rung that yields non-trivial content wins; Method on the result
// records which rung that was.
type Service struct {
	config *common.FetcherConfig
	logger arbor.ILogger

	client *http.Client
	agents *agentRotator
	cache  *resultCache
	pool   *browserPool

	browserReady bool

	requestTimeout time.Duration
	renderWait     time.Duration
	politenessMin  time.Duration
	politenessMax  time.Duration

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService builds the fetcher. Browser startup failure is tolerated:
// the ladder still works on the HTTP rungs, it just cannot render
// JavaScript shells.
func NewService(config *common.FetcherConfig, logger arbor.ILogger) (interfaces.FetchService, error) {
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = userAgents[0]
	}

	s := &Service{
		config: config,
		logger: logger,
		client: &http.Client{
			// Per-attempt contexts bound each request; the client
			// timeout is a backstop against leaked readers.
			Timeout: common.DurationOr(config.RequestTimeout, 30*time.Second) + 10*time.Second,
		},
		agents:         newAgentRotator(config.UserAgent, config.UserAgentRotation),
		cache:          newResultCache(&config.Cache),
		pool:           newBrowserPool(&config.Browser, userAgent, logger),
		requestTimeout: common.DurationOr(config.RequestTimeout, 30*time.Second),
		renderWait:     common.DurationOr(config.Browser.RenderWait, 2*time.Second),
		politenessMin:  common.DurationOr(config.PolitenessMin, time.Second),
		politenessMax:  common.DurationOr(config.PolitenessMax, 2*time.Second),
		limiters:       make(map[string]*rate.Limiter),
	}

	if config.Browser.Enabled {
		if err := s.pool.Init(); err != nil {
			logger.Warn().Err(err).Msg("Browser pool failed to start, fetcher degraded to HTTP rungs")
		} else {
			s.browserReady = true
		}
	}

	logger.Info().
		Bool("browser_ready", s.browserReady).
		Dur("request_timeout", s.requestTimeout).
		Int("min_content_length", s.minContentLength()).
		Msg("Fetch service initialized")

	return s, nil
}

// Fetch runs one URL through the ladder. The caller's context deadline
// bounds the whole climb; each rung gets a shorter per-attempt deadline
// so one slow rung cannot consume the budget of those below it.
func (s *Service) Fetch(ctx context.Context, rawURL string, opts models.FetchOptions) (*models.FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, &models.FetchError{
			Class:     models.FetchErrNetwork,
			URL:       rawURL,
			Retryable: false,
			Err:       fmt.Errorf("invalid URL %q", rawURL),
		}
	}

	key := cacheKey(rawURL, opts)
	if !opts.BypassCache {
		if cached, ok := s.cache.Get(key); ok {
			hit := *cached
			hit.FromCache = true
			s.logger.Debug().Str("url", rawURL).Msg("Fetch served from cache")
			return &hit, nil
		}
	}

	if err := s.politeWait(ctx, parsed.Host); err != nil {
		return nil, &models.FetchError{
			Class:     models.FetchErrNetwork,
			URL:       rawURL,
			Retryable: true,
			Err:       err,
		}
	}

	start := time.Now()
	result, err := s.climb(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}

	result.URL = rawURL
	result.Elapsed = time.Since(start).Milliseconds()
	s.cache.Put(key, result)

	s.logger.Debug().
		Str("url", rawURL).
		Str("method", result.Method).
		Int("status", result.HTTPStatus).
		Int("markdown_length", len(result.Markdown)).
		Int("links", len(result.Links)).
		Int64("elapsed_ms", result.Elapsed).
		Msg("Fetch completed")

	return result, nil
}

// climb walks the rungs in order, carrying the last classified error
// forward so the caller sees the most recent failure when every rung
// misses.
func (s *Service) climb(ctx context.Context, rawURL string, opts models.FetchOptions) (*models.FetchResult, *models.FetchError) {
	var lastErr *models.FetchError
	rateLimited := false

	// Rung 1: HEAD probe. Content-type routes JSON and PDF bodies away
	// from the HTML path. Probe failures are advisory, never fatal.
	if !opts.ForceBrowser {
		contentType, headErr := s.headProbe(ctx, rawURL)
		if headErr == nil {
			switch {
			case strings.Contains(contentType, "application/json"):
				result, ferr := s.fetchJSONEndpoint(ctx, rawURL)
				if ferr == nil {
					return result, nil
				}
				lastErr = ferr
			case strings.Contains(contentType, "application/pdf"):
				result, ferr := s.fetchPDF(ctx, rawURL)
				if ferr == nil {
					return result, nil
				}
				lastErr = ferr
			}
		}

		// Rung 2: plain GET, accepted only when the body is big enough
		// and is not a JavaScript shell.
		result, ferr := s.plainGet(ctx, rawURL, s.defaultHeaders())
		if ferr == nil {
			return result, nil
		}
		lastErr = ferr
		if !ferr.Retryable && ferr.Class != models.FetchErrCaptcha {
			// 404s and friends: no rung below will conjure content.
			return nil, ferr
		}
		if ferr.Class == models.FetchErrRateLimited {
			rateLimited = true
		}
	}

	// Rung 3: headless render. Skipped when rate limited; a browser
	// fetch costs the target far more than the retry rungs do.
	if s.browserReady && !opts.SkipBrowser && !rateLimited {
		result, ferr := s.browserFetch(ctx, rawURL, opts)
		if ferr == nil {
			return result, nil
		}
		lastErr = ferr
		if ferr.Class == models.FetchErrCaptcha {
			// The render saw a challenge page. Plain HTTP retries below
			// will not pass what the browser could not.
			return nil, ferr
		}
	} else if opts.ForceBrowser {
		lastErr = &models.FetchError{
			Class:     models.FetchErrUnavailable,
			URL:       rawURL,
			Retryable: false,
			Err:       fmt.Errorf("browser fetch forced but browser is unavailable"),
		}
		return nil, lastErr
	}

	// A challenge page blocks the remaining rungs: rotated headers and
	// delays do not pass what a render could not.
	if lastErr != nil && lastErr.Class == models.FetchErrCaptcha {
		return nil, lastErr
	}

	// Rung 4: rotated-header retry after a 1-3s jitter.
	jitter := time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
	if err := s.sleep(ctx, jitter); err != nil {
		return nil, s.ctxError(rawURL, err, lastErr)
	}
	result, ferr := s.plainGet(ctx, rawURL, s.rotatedHeaders())
	if ferr == nil {
		result.Method = models.FetchMethodRotatedRetry
		return result, nil
	}
	lastErr = ferr

	// Rung 5: fixed-delay retry, honoring any Retry-After hint that
	// fits the remaining budget.
	delay := s.politenessMax
	if lastErr.RetryAfter > 0 && lastErr.RetryAfter < 30*time.Second {
		delay = lastErr.RetryAfter
	}
	if err := s.sleep(ctx, delay); err != nil {
		return nil, s.ctxError(rawURL, err, lastErr)
	}
	result, ferr = s.finalGet(ctx, rawURL)
	if ferr == nil {
		result.Method = models.FetchMethodFixedRetry
		return result, nil
	}

	return nil, ferr
}

// headProbe issues the content-type sniff. The return is the lowercase
// Content-Type header, empty when the probe failed or was refused.
func (s *Service) headProbe(ctx context.Context, rawURL string) (string, error) {
	attemptCtx, cancel := s.attemptContext(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", err
	}
	s.applyHeaders(req, s.defaultHeaders())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HEAD probe returned %d", resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	s.logger.Trace().Str("url", rawURL).Str("content_type", contentType).Msg("HEAD probe completed")
	return contentType, nil
}

// plainGet is rungs 2 and 4: a straight GET whose body must clear the
// minimum content bar and carry no JavaScript-shell sentinel.
func (s *Service) plainGet(ctx context.Context, rawURL string, headers map[string]string) (*models.FetchResult, *models.FetchError) {
	attemptCtx, cancel := s.attemptContext(ctx, s.requestTimeout)
	defer cancel()

	resp, body, ferr := s.doGet(attemptCtx, rawURL, headers)
	if ferr != nil {
		return nil, ferr
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(contentType, "application/json"):
		return s.buildJSONResult(rawURL, resp, body)
	case strings.Contains(contentType, "application/pdf"):
		return s.buildPDFResult(rawURL, resp, []byte(body))
	}

	if looksLikeChallenge(body) {
		return nil, &models.FetchError{
			Class:      models.FetchErrCaptcha,
			URL:        rawURL,
			HTTPStatus: resp.StatusCode,
			Retryable:  false,
			Err:        fmt.Errorf("challenge page detected"),
		}
	}

	if looksLikeShellPage(body, s.minContentLength()) {
		return nil, &models.FetchError{
			Class:      models.FetchErrNetwork,
			URL:        rawURL,
			HTTPStatus: resp.StatusCode,
			Retryable:  true,
			Err:        fmt.Errorf("body below content threshold or JavaScript shell"),
		}
	}

	return s.buildHTMLResult(rawURL, resp, body, models.FetchMethodGet, nil)
}

// finalGet is the last rung. It accepts whatever non-challenge content
// came back; a short page beats no page when every other rung missed.
func (s *Service) finalGet(ctx context.Context, rawURL string) (*models.FetchResult, *models.FetchError) {
	attemptCtx, cancel := s.attemptContext(ctx, s.requestTimeout)
	defer cancel()

	resp, body, ferr := s.doGet(attemptCtx, rawURL, s.defaultHeaders())
	if ferr != nil {
		return nil, ferr
	}

	if looksLikeChallenge(body) {
		return nil, &models.FetchError{
			Class:      models.FetchErrCaptcha,
			URL:        rawURL,
			HTTPStatus: resp.StatusCode,
			Retryable:  false,
			Err:        fmt.Errorf("challenge page detected"),
		}
	}
	if strings.TrimSpace(body) == "" {
		return nil, &models.FetchError{
			Class:      models.FetchErrNetwork,
			URL:        rawURL,
			HTTPStatus: resp.StatusCode,
			Retryable:  false,
			Err:        fmt.Errorf("empty body on final retry"),
		}
	}

	return s.buildHTMLResult(rawURL, resp, body, models.FetchMethodFixedRetry, nil)
}

// browserFetch is rung 3: a pooled Chrome render bounded by a deadline
// strictly inside the caller's.
func (s *Service) browserFetch(ctx context.Context, rawURL string, opts models.FetchOptions) (*models.FetchResult, *models.FetchError) {
	browserCtx, release, err := s.pool.Get()
	if err != nil {
		return nil, &models.FetchError{
			Class:     models.FetchErrUnavailable,
			URL:       rawURL,
			Retryable: true,
			Err:       fmt.Errorf("browser pool checkout failed: %w", err),
		}
	}
	defer release()

	attemptCtx, cancel := s.attemptContext(ctx, s.requestTimeout)
	defer cancel()

	rendered, err := renderPage(attemptCtx, browserCtx, rawURL, opts, s.renderWait, s.logger)
	if err != nil {
		return nil, &models.FetchError{
			Class:     models.FetchErrNetwork,
			URL:       rawURL,
			Retryable: true,
			Err:       fmt.Errorf("browser render failed: %w", err),
		}
	}

	if looksLikeChallenge(rendered.HTML) {
		return nil, &models.FetchError{
			Class:      models.FetchErrCaptcha,
			URL:        rawURL,
			HTTPStatus: rendered.Status,
			Retryable:  false,
			Err:        fmt.Errorf("challenge page survived browser render"),
		}
	}

	content, perr := processHTML(rendered.HTML, rawURL)
	if perr != nil {
		return nil, &models.FetchError{
			Class:     models.FetchErrNetwork,
			URL:       rawURL,
			Retryable: true,
			Err:       fmt.Errorf("failed to process rendered HTML: %w", perr),
		}
	}

	return &models.FetchResult{
		FinalURL:      rawURL,
		HTML:          rendered.HTML,
		Markdown:      content.Markdown,
		Metadata:      content.Metadata,
		Links:         content.Links,
		JSONLD:        content.JSONLD,
		JSONEndpoints: rendered.JSONEndpoints,
		Method:        models.FetchMethodBrowser,
		HTTPStatus:    rendered.Status,
		ContentType:   "text/html",
	}, nil
}

// fetchJSONEndpoint handles URLs the HEAD probe identified as JSON APIs:
// a direct GET plus decode, no HTML processing.
func (s *Service) fetchJSONEndpoint(ctx context.Context, rawURL string) (*models.FetchResult, *models.FetchError) {
	attemptCtx, cancel := s.attemptContext(ctx, s.requestTimeout)
	defer cancel()

	resp, body, ferr := s.doGet(attemptCtx, rawURL, s.defaultHeaders())
	if ferr != nil {
		return nil, ferr
	}
	return s.buildJSONResult(rawURL, resp, body)
}

// fetchPDF handles URLs the HEAD probe identified as PDF documents.
func (s *Service) fetchPDF(ctx context.Context, rawURL string) (*models.FetchResult, *models.FetchError) {
	attemptCtx, cancel := s.attemptContext(ctx, s.requestTimeout)
	defer cancel()

	resp, body, ferr := s.doGet(attemptCtx, rawURL, s.defaultHeaders())
	if ferr != nil {
		return nil, ferr
	}
	return s.buildPDFResult(rawURL, resp, []byte(body))
}

func (s *Service) buildJSONResult(rawURL string, resp *http.Response, body string) (*models.FetchResult, *models.FetchError) {
	var decoded interface{}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, &models.FetchError{
			Class:      models.FetchErrNetwork,
			URL:        rawURL,
			HTTPStatus: resp.StatusCode,
			Retryable:  true,
			Err:        fmt.Errorf("invalid JSON body: %w", err),
		}
	}

	// Pretty-print so downstream extraction sees structure, not a blob.
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		pretty = []byte(body)
	}

	return &models.FetchResult{
		FinalURL:    resp.Request.URL.String(),
		Markdown:    string(pretty),
		Metadata:    map[string]interface{}{"contentType": "application/json"},
		Method:      models.FetchMethodHead,
		HTTPStatus:  resp.StatusCode,
		ContentType: "application/json",
	}, nil
}

func (s *Service) buildPDFResult(rawURL string, resp *http.Response, body []byte) (*models.FetchResult, *models.FetchError) {
	text, pageCount, err := extractPDFText(body)
	if err != nil {
		return nil, &models.FetchError{
			Class:      models.FetchErrNetwork,
			URL:        rawURL,
			HTTPStatus: resp.StatusCode,
			Retryable:  false,
			Err:        fmt.Errorf("PDF extraction failed: %w", err),
		}
	}

	return &models.FetchResult{
		FinalURL: resp.Request.URL.String(),
		Markdown: text,
		Metadata: map[string]interface{}{
			"contentType": "application/pdf",
			"pageCount":   pageCount,
		},
		Method:      models.FetchMethodHead,
		HTTPStatus:  resp.StatusCode,
		ContentType: "application/pdf",
	}, nil
}

func (s *Service) buildHTMLResult(rawURL string, resp *http.Response, body, method string, extraEndpoints []string) (*models.FetchResult, *models.FetchError) {
	content, err := processHTML(body, rawURL)
	if err != nil {
		return nil, &models.FetchError{
			Class:      models.FetchErrNetwork,
			URL:        rawURL,
			HTTPStatus: resp.StatusCode,
			Retryable:  true,
			Err:        fmt.Errorf("failed to process HTML: %w", err),
		}
	}

	return &models.FetchResult{
		FinalURL:      resp.Request.URL.String(),
		HTML:          body,
		Markdown:      content.Markdown,
		Metadata:      content.Metadata,
		Links:         content.Links,
		JSONLD:        content.JSONLD,
		JSONEndpoints: extraEndpoints,
		Method:        method,
		HTTPStatus:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// doGet performs one GET and classifies any failure. The body comes
// back as a string capped at MaxBodySize.
func (s *Service) doGet(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, string, *models.FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", &models.FetchError{
			Class:     models.FetchErrNetwork,
			URL:       rawURL,
			Retryable: false,
			Err:       err,
		}
	}
	s.applyHeaders(req, headers)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", &models.FetchError{
			Class:     models.FetchErrNetwork,
			URL:       rawURL,
			Retryable: true,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	if ferr := s.classifyStatus(rawURL, resp); ferr != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", ferr
	}

	maxBody := s.config.MaxBodySize
	if maxBody <= 0 {
		maxBody = 10 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBody)))
	if err != nil {
		return nil, "", &models.FetchError{
			Class:      models.FetchErrNetwork,
			URL:        rawURL,
			HTTPStatus: resp.StatusCode,
			Retryable:  true,
			Err:        fmt.Errorf("failed to read body: %w", err),
		}
	}

	return resp, string(body), nil
}

// classifyStatus maps HTTP status codes to fetch error classes with
// retry hints. 2xx returns nil.
func (s *Service) classifyStatus(rawURL string, resp *http.Response) *models.FetchError {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &models.FetchError{
			Class:      models.FetchErrRateLimited,
			URL:        rawURL,
			HTTPStatus: status,
			Retryable:  true,
			RetryAfter: retryAfterHint(resp.Header),
		}
	case status == http.StatusForbidden:
		return &models.FetchError{
			Class:      models.FetchErrForbidden,
			URL:        rawURL,
			HTTPStatus: status,
			Retryable:  true,
		}
	case status >= 500:
		return &models.FetchError{
			Class:      models.FetchErrUnavailable,
			URL:        rawURL,
			HTTPStatus: status,
			Retryable:  true,
			RetryAfter: retryAfterHint(resp.Header),
		}
	default:
		return &models.FetchError{
			Class:      models.FetchErrNetwork,
			URL:        rawURL,
			HTTPStatus: status,
			Retryable:  false,
		}
	}
}

// retryAfterHint parses Retry-After as either delta-seconds or an HTTP
// date. Zero means the server gave no usable hint.
func retryAfterHint(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func (s *Service) defaultHeaders() map[string]string {
	ua := s.config.UserAgent
	if ua == "" {
		ua = userAgents[0]
	}
	return map[string]string{
		"User-Agent":      ua,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
	}
}

// rotatedHeaders builds the retry profile: a different user agent paired
// with a matching language header and the usual browser extras.
func (s *Service) rotatedHeaders() map[string]string {
	return map[string]string{
		"User-Agent":                s.agents.Next(),
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language":           s.agents.AcceptLanguage(),
		"Cache-Control":             "no-cache",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Upgrade-Insecure-Requests": "1",
	}
}

func (s *Service) applyHeaders(req *http.Request, headers map[string]string) {
	for name, value := range headers {
		req.Header.Set(name, value)
	}
}

// attemptContext bounds one rung. When the caller carries a deadline the
// attempt stays strictly inside it, reserving a slice for the rungs
// still below.
func (s *Service) attemptContext(ctx context.Context, want time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		reserve := 2 * time.Second
		if remaining-reserve < want {
			want = remaining - reserve
		}
		if want < time.Second {
			want = time.Second
		}
	}
	return context.WithTimeout(ctx, want)
}

// politeWait enforces the per-host request spacing. Each host gets its
// own limiter so one slow crawl cannot starve fetches elsewhere.
func (s *Service) politeWait(ctx context.Context, host string) error {
	s.limitMu.Lock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.politenessMin), 1)
		s.limiters[host] = limiter
	}
	s.limitMu.Unlock()

	return limiter.Wait(ctx)
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ctxError wraps a context cancellation, preferring the last classified
// error so callers see why the ladder was climbing at all.
func (s *Service) ctxError(rawURL string, err error, lastErr *models.FetchError) *models.FetchError {
	if lastErr != nil {
		return lastErr
	}
	return &models.FetchError{
		Class:     models.FetchErrNetwork,
		URL:       rawURL,
		Retryable: false,
		Err:       err,
	}
}

func (s *Service) minContentLength() int {
	if s.config.MinContentLength > 0 {
		return s.config.MinContentLength
	}
	return 512
}

// CacheStats reports fetch cache hits, misses and entry count.
func (s *Service) CacheStats() map[string]int64 {
	return s.cache.Stats()
}

// Close tears down the browser pool and clears the cache.
func (s *Service) Close() error {
	s.cache.Purge()
	if s.browserReady {
		return s.pool.Close()
	}
	return nil
}

package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/models"
)

var testPage = `<!DOCTYPE html>
<html lang="en">
<head>
	<title>Widget Catalog</title>
	<meta name="description" content="All the widgets">
	<script type="application/ld+json">{"@type":"Product","name":"Widget"}</script>
</head>
<body>
<main>
	<h1>Widgets</h1>
	<p>` + loremFiller + `</p>
	<a href="/widgets/1">Widget one</a>
	<a href="/widgets/2">Widget two</a>
	<a href="mailto:sales@example.com">Contact</a>
	<a href="/catalog.pdf">Download</a>
</main>
</body>
</html>`

// loremFiller pads the test page past the minimum content threshold.
var loremFiller = strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20)

func newTestFetcher(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(&common.FetcherConfig{
		RequestTimeout:   "5s",
		MinContentLength: 256,
		PolitenessMin:    "1ms",
		PolitenessMax:    "10ms",
		Cache:            common.CacheConfig{Size: 10, TTL: "1h"},
		Browser:          common.BrowserConfig{Enabled: false},
	}, arbor.NewLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc.(*Service)
}

func TestFetchPlainGet(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	svc := newTestFetcher(t)

	result, err := svc.Fetch(context.Background(), server.URL, models.FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if result.Method != models.FetchMethodGet {
		t.Errorf("got method %q, want %q", result.Method, models.FetchMethodGet)
	}
	if result.HTTPStatus != http.StatusOK {
		t.Errorf("got status %d, want 200", result.HTTPStatus)
	}
	if !strings.Contains(result.Markdown, "Widgets") {
		t.Errorf("markdown missing page content: %q", result.Markdown)
	}
	if title, _ := result.Metadata["title"].(string); title != "Widget Catalog" {
		t.Errorf("got title %q, want Widget Catalog", title)
	}
	if len(result.JSONLD) != 1 {
		t.Errorf("got %d JSON-LD blocks, want 1", len(result.JSONLD))
	}

	// mailto and .pdf links are filtered, the two widget pages remain
	if len(result.Links) != 2 {
		t.Fatalf("got links %v, want the two widget pages", result.Links)
	}
	for _, link := range result.Links {
		if !strings.HasPrefix(link, server.URL+"/widgets/") {
			t.Errorf("unexpected link %q", link)
		}
	}
}

func TestFetchJSONEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(`{"items":[{"name":"widget","price":9.5}],"total":1}`))
	}))
	defer server.Close()

	svc := newTestFetcher(t)

	result, err := svc.Fetch(context.Background(), server.URL, models.FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if result.Method != models.FetchMethodHead {
		t.Errorf("got method %q, want %q", result.Method, models.FetchMethodHead)
	}
	if result.ContentType != "application/json" {
		t.Errorf("got content type %q, want application/json", result.ContentType)
	}
	if !strings.Contains(result.Markdown, `"widget"`) {
		t.Errorf("decoded JSON missing from markdown: %q", result.Markdown)
	}
	// Decode indents the payload so structure is visible downstream
	if !strings.Contains(result.Markdown, "\n") {
		t.Error("JSON body was not pretty-printed")
	}
}

func TestFetchShellPageFallsThroughToRetry(t *testing.T) {
	var gets atomic.Int64
	shell := `<html><body>Please enable JavaScript to continue.</body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.Method != http.MethodGet {
			return
		}
		if gets.Add(1) < 3 {
			w.Write([]byte(shell))
			return
		}
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	svc := newTestFetcher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := svc.Fetch(ctx, server.URL, models.FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Browser disabled, so the shell response walks GET -> rotated
	// retry -> fixed retry before the real page appears.
	if result.Method != models.FetchMethodFixedRetry {
		t.Errorf("got method %q, want %q", result.Method, models.FetchMethodFixedRetry)
	}
	if got := gets.Load(); got != 3 {
		t.Errorf("got %d GET requests, want 3", got)
	}
}

func TestFetchNotFoundAbortsLadder(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	svc := newTestFetcher(t)

	_, err := svc.Fetch(context.Background(), server.URL, models.FetchOptions{})
	if err == nil {
		t.Fatal("expected error for 404")
	}

	ferr, ok := err.(*models.FetchError)
	if !ok {
		t.Fatalf("got %T, want *models.FetchError", err)
	}
	if ferr.Class != models.FetchErrNetwork {
		t.Errorf("got class %q, want %q", ferr.Class, models.FetchErrNetwork)
	}
	if ferr.Retryable {
		t.Error("404 should not be retryable")
	}
	if ferr.HTTPStatus != http.StatusNotFound {
		t.Errorf("got status %d, want 404", ferr.HTTPStatus)
	}

	// HEAD probe + one GET; no retry rungs for a hard 404
	if got := requests.Load(); got > 2 {
		t.Errorf("got %d requests, ladder should have stopped after the GET", got)
	}
}

func TestFetchChallengePageClassifiedCaptcha(t *testing.T) {
	var gets atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		body := `<html><body><h1>Verify you are human</h1>` + loremFiller + `</body></html>`
		w.Write([]byte(body))
	}))
	defer server.Close()

	svc := newTestFetcher(t)

	_, err := svc.Fetch(context.Background(), server.URL, models.FetchOptions{})
	if err == nil {
		t.Fatal("expected captcha error")
	}

	ferr, ok := err.(*models.FetchError)
	if !ok {
		t.Fatalf("got %T, want *models.FetchError", err)
	}
	if ferr.Class != models.FetchErrCaptcha {
		t.Errorf("got class %q, want %q", ferr.Class, models.FetchErrCaptcha)
	}
	if ferr.Retryable {
		t.Error("captcha should not be retryable")
	}

	// With no browser available the retry rungs are skipped
	if got := gets.Load(); got != 1 {
		t.Errorf("got %d GET requests, want 1", got)
	}
}

func TestFetchRateLimitClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	svc := newTestFetcher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := svc.Fetch(ctx, server.URL, models.FetchOptions{})
	if err == nil {
		t.Fatal("expected rate limit error")
	}

	ferr, ok := err.(*models.FetchError)
	if !ok {
		t.Fatalf("got %T, want *models.FetchError", err)
	}
	if ferr.Class != models.FetchErrRateLimited {
		t.Errorf("got class %q, want %q", ferr.Class, models.FetchErrRateLimited)
	}
	if !ferr.Retryable {
		t.Error("rate limit should be retryable")
	}
	if ferr.RetryAfter != time.Second {
		t.Errorf("got retry-after %v, want 1s", ferr.RetryAfter)
	}
}

func TestFetchCacheHit(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	svc := newTestFetcher(t)

	first, err := svc.Fetch(context.Background(), server.URL, models.FetchOptions{})
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if first.FromCache {
		t.Error("first fetch should not be from cache")
	}

	afterFirst := requests.Load()

	second, err := svc.Fetch(context.Background(), server.URL, models.FetchOptions{})
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if !second.FromCache {
		t.Error("second fetch should be served from cache")
	}
	if second.Markdown != first.Markdown {
		t.Error("cached result differs from original")
	}
	if got := requests.Load(); got != afterFirst {
		t.Errorf("cache hit still issued %d extra requests", got-afterFirst)
	}

	stats := svc.CacheStats()
	if stats["hits"] != 1 {
		t.Errorf("got %d cache hits, want 1", stats["hits"])
	}

	// Bypass skips the lookup and refetches
	third, err := svc.Fetch(context.Background(), server.URL, models.FetchOptions{BypassCache: true})
	if err != nil {
		t.Fatalf("bypass fetch failed: %v", err)
	}
	if third.FromCache {
		t.Error("bypass fetch must not come from cache")
	}
	if requests.Load() == afterFirst {
		t.Error("bypass fetch should have hit the server")
	}
}

func TestFetchInvalidURL(t *testing.T) {
	svc := newTestFetcher(t)

	for _, raw := range []string{"", "ftp://example.com/file", "not a url", "//missing-scheme"} {
		_, err := svc.Fetch(context.Background(), raw, models.FetchOptions{})
		if err == nil {
			t.Errorf("Fetch(%q) succeeded, want error", raw)
			continue
		}
		ferr, ok := err.(*models.FetchError)
		if !ok {
			t.Errorf("Fetch(%q): got %T, want *models.FetchError", raw, err)
			continue
		}
		if ferr.Retryable {
			t.Errorf("Fetch(%q): invalid URL must not be retryable", raw)
		}
	}
}

func TestRetryAfterHint(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"seconds", "30", 30 * time.Second},
		{"missing", "", 0},
		{"garbage", "soon", 0},
		{"negative", "-5", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.value != "" {
				header.Set("Retry-After", tt.value)
			}
			if got := retryAfterHint(header); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("http date", func(t *testing.T) {
		header := http.Header{}
		header.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
		got := retryAfterHint(header)
		if got < 80*time.Second || got > 91*time.Second {
			t.Errorf("got %v, want about 90s", got)
		}
	})
}

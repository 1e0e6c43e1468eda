// -----------------------------------------------------------------------
// Fetch types - Page fetcher contract and error classification
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// FetchErrorClass buckets fetch failures for retry decisions
type FetchErrorClass string

const (
	FetchErrRateLimited FetchErrorClass = "rateLimited" // 429
	FetchErrForbidden   FetchErrorClass = "forbidden"   // 403
	FetchErrUnavailable FetchErrorClass = "unavailable" // 5xx
	FetchErrCaptcha     FetchErrorClass = "captcha"     // challenge page detected
	FetchErrNetwork     FetchErrorClass = "network"     // transport failure
)

// FetchError is a classified fetch failure carrying a retry hint
type FetchError struct {
	Class      FetchErrorClass
	URL        string
	HTTPStatus int
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s failed (%s): %v", e.URL, e.Class, e.Err)
	}
	return fmt.Sprintf("fetch %s failed (%s): status %d", e.URL, e.Class, e.HTTPStatus)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetch methods, recorded on the result so callers can see which rung of
// the escalation ladder produced the content.
const (
	FetchMethodHead         = "head"
	FetchMethodGet          = "get"
	FetchMethodBrowser      = "browser"
	FetchMethodRotatedRetry = "rotated_retry"
	FetchMethodFixedRetry   = "fixed_retry"
	FetchMethodCache        = "cache"
)

// FetchOptions steer one fetch call
type FetchOptions struct {
	WaitForSelector string            `json:"waitForSelector,omitempty"`
	RenderDelay     time.Duration     `json:"renderDelay,omitempty"`
	ForceBrowser    bool              `json:"forceBrowser,omitempty"`
	SkipBrowser     bool              `json:"skipBrowser,omitempty"`
	BypassCache     bool              `json:"bypassCache,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// FetchResult is the fetcher's contract output
type FetchResult struct {
	URL           string                 `json:"url"`
	FinalURL      string                 `json:"finalUrl,omitempty"`
	HTML          string                 `json:"html,omitempty"`
	Markdown      string                 `json:"markdown,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Links         []string               `json:"links,omitempty"`
	Method        string                 `json:"method"`
	HTTPStatus    int                    `json:"httpStatus"`
	ContentType   string                 `json:"contentType,omitempty"`
	JSONLD        []interface{}          `json:"jsonLd,omitempty"`
	JSONEndpoints []string               `json:"jsonEndpoints,omitempty"`
	FromCache     bool                   `json:"fromCache"`
	Elapsed       int64                  `json:"elapsed"` // milliseconds
}

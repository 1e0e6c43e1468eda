// -----------------------------------------------------------------------
// Content processing - HTML to markdown, metadata and link harvesting
// -----------------------------------------------------------------------

package fetcher

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var (
	spaceRegex   = regexp.MustCompile(`[ \t]+`)
	newlineRegex = regexp.MustCompile(`\n{3,}`)
)

// jsSentinels are phrases that mark a shell page waiting on JavaScript.
// A direct GET response containing one of these is rejected so the
// ladder escalates to the browser.
var jsSentinels = []string{
	"requires javascript",
	"please enable javascript",
	"javascript is required",
	"javascript is disabled",
	"enable javascript to continue",
	"you need to enable javascript",
	"<noscript>",
}

// captchaSentinels mark challenge pages that no amount of retrying with
// plain HTTP will get past.
var captchaSentinels = []string{
	"captcha",
	"cf-challenge",
	"challenge-platform",
	"are you a robot",
	"verify you are human",
	"attention required! | cloudflare",
	"ddos protection by",
}

// skipExtensions are file downloads that link discovery ignores.
var skipExtensions = []string{
	".pdf", ".zip", ".tar", ".gz", ".rar", ".7z",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico",
	".mp3", ".mp4", ".avi", ".mov", ".wmv", ".webm",
	".exe", ".dmg", ".pkg", ".deb", ".rpm",
	".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
}

// pageContent is the processed form of one fetched page.
type pageContent struct {
	Title    string
	Markdown string
	Metadata map[string]interface{}
	Links    []string
	JSONLD   []interface{}
}

// processHTML parses rendered HTML and extracts markdown, metadata,
// JSON-LD blocks and resolved links in one pass.
func processHTML(html, pageURL string) (*pageContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	content := &pageContent{
		Metadata: extractMetadata(doc),
		Links:    extractLinks(doc, pageURL),
		JSONLD:   extractJSONLD(doc),
	}

	if title, ok := content.Metadata["title"].(string); ok {
		content.Title = title
	}

	content.Markdown = convertToMarkdown(doc, pageURL)

	return content, nil
}

// extractMetadata pulls title, description, canonical URL and the
// standard og:/twitter: properties from the document head.
func extractMetadata(doc *goquery.Document) map[string]interface{} {
	metadata := make(map[string]interface{})

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		metadata["title"] = title
	}

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, hasContent := s.Attr("content")
		if !hasContent || content == "" {
			return
		}

		if name, ok := s.Attr("name"); ok {
			switch strings.ToLower(name) {
			case "description":
				metadata["description"] = content
			case "keywords":
				metadata["keywords"] = content
			case "author":
				metadata["author"] = content
			case "robots":
				metadata["robots"] = content
			}
			if strings.HasPrefix(strings.ToLower(name), "twitter:") {
				metadata[strings.ToLower(name)] = content
			}
		}

		if property, ok := s.Attr("property"); ok {
			if strings.HasPrefix(strings.ToLower(property), "og:") {
				metadata[strings.ToLower(property)] = content
			}
		}
	})

	if lang, ok := doc.Find("html").Attr("lang"); ok && lang != "" {
		metadata["language"] = lang
	}

	if canonical, ok := doc.Find("link[rel='canonical']").Attr("href"); ok && canonical != "" {
		metadata["canonical"] = canonical
	}

	return metadata
}

// extractJSONLD collects script[type=application/ld+json] payloads.
// Both single objects and arrays appear in the wild; arrays are
// flattened into the result.
func extractJSONLD(doc *goquery.Document) []interface{} {
	var blocks []interface{}

	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}

		var parsed interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return
		}

		switch v := parsed.(type) {
		case []interface{}:
			blocks = append(blocks, v...)
		default:
			blocks = append(blocks, v)
		}
	})

	return blocks
}

// extractLinks resolves every anchor against the page URL, normalizes
// the result and deduplicates. Non-navigable schemes and file
// downloads are skipped.
func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}

		lower := strings.ToLower(href)
		for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:", "ftp:"} {
			if strings.HasPrefix(lower, prefix) {
				return
			}
		}

		parsed, err := url.Parse(href)
		if err != nil {
			return
		}

		resolved := base.ResolveReference(parsed)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}

		resolved.Scheme = strings.ToLower(resolved.Scheme)
		resolved.Host = strings.ToLower(resolved.Host)
		resolved.Fragment = ""

		normalized := resolved.String()

		lowerPath := strings.ToLower(resolved.Path)
		for _, ext := range skipExtensions {
			if strings.HasSuffix(lowerPath, ext) {
				return
			}
		}

		if !seen[normalized] {
			seen[normalized] = true
			links = append(links, normalized)
		}
	})

	return links
}

// convertToMarkdown converts the main content region to markdown,
// preferring main/article containers when present.
func convertToMarkdown(doc *goquery.Document, pageURL string) string {
	selection := doc.Find("main, article, [role='main']").First()
	if selection.Length() == 0 {
		selection = doc.Find("body").First()
	}
	if selection.Length() == 0 {
		return ""
	}

	selection.Find("script, style, noscript, iframe, nav, footer, header[role='banner']").Remove()

	html, err := selection.Html()
	if err != nil {
		return ""
	}

	converter := md.NewConverter(pageURL, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return ""
	}

	return cleanWhitespace(markdown)
}

// cleanWhitespace collapses runs of spaces and limits blank lines to one.
func cleanWhitespace(text string) string {
	text = spaceRegex.ReplaceAllString(text, " ")
	text = newlineRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// looksLikeShellPage reports whether the body is a JavaScript shell that
// needs a browser render. Bodies over the probe window are considered
// real content regardless of sentinels in script tags.
func looksLikeShellPage(body string, minLength int) bool {
	if len(body) < minLength {
		return true
	}

	probe := body
	if len(probe) > 4096 {
		probe = probe[:4096]
	}
	lower := strings.ToLower(probe)

	for _, sentinel := range jsSentinels {
		if strings.Contains(lower, sentinel) {
			// A noscript tag alone is common; only treat it as a shell
			// signal when the page carries little visible text.
			if sentinel == "<noscript>" && len(body) > 4*minLength {
				continue
			}
			return true
		}
	}

	return false
}

// looksLikeChallenge reports whether the body is a bot-detection
// challenge page.
func looksLikeChallenge(body string) bool {
	probe := body
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	lower := strings.ToLower(probe)

	for _, sentinel := range captchaSentinels {
		if strings.Contains(lower, sentinel) {
			return true
		}
	}
	return false
}

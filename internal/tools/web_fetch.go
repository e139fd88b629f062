package tools

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars = 50000
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "covey/1.0 (+https://github.com/coveyhq/covey)"
)

// WebFetchTool fetches a URL and returns its textual content. Responses
// are capped at maxChars with a truncated flag; binary content is refused.
type WebFetchTool struct {
	maxChars     int
	allowPrivate bool
	client       *http.Client
}

func NewWebFetchTool(maxChars int, allowPrivate bool) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &WebFetchTool{
		maxChars:     maxChars,
		allowPrivate: allowPrivate,
		client:       &http.Client{Timeout: fetchTimeout},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch an HTTP or HTTPS URL and return its text content"
}
func (t *WebFetchTool) Risk() RiskLevel { return RiskReadOnly }

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"max_chars": map[string]any{
				"type":        "number",
				"description": "Maximum characters to return; truncates when exceeded",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResultf("invalid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResultf("unsupported scheme %q", parsed.Scheme)
	}
	if !t.allowPrivate && isPrivateHost(parsed.Hostname()) {
		return ErrorResult("refusing to fetch private or loopback addresses")
	}

	maxChars := t.maxChars
	if mc, ok := args["max_chars"].(float64); ok && mc >= 100 {
		maxChars = int(mc)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return ErrorResultf("create request: %v", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html, application/json, text/plain, */*")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResultf("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !isTextual(contentType) {
		return ErrorResultf("unsupported content type %q", contentType)
	}

	// Read one byte past the cap to detect truncation.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars)+1))
	if err != nil {
		return ErrorResultf("read body: %v", err)
	}

	truncated := false
	if len(body) > maxChars {
		body = body[:maxChars]
		truncated = true
	}

	content := string(body)
	if strings.Contains(contentType, "text/html") {
		content = stripHTML(content)
	}

	return JSONResult(map[string]any{
		"url":       rawURL,
		"status":    resp.StatusCode,
		"content":   content,
		"truncated": truncated,
	})
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "javascript")
}

// isPrivateHost blocks the common SSRF targets. DNS rebinding is out of
// scope; the tool runs with the user's own network access anyway.
func isPrivateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

var (
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</\s*(script|style|noscript)\s*>`)
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// stripHTML yields a crude text rendering: scripts and styles dropped,
// tags removed, whitespace collapsed.
func stripHTML(s string) string {
	s = htmlScriptRe.ReplaceAllString(s, " ")
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(s, "\n\n"))
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	defaultFetchMaxChars = 8000
	maxFetchRedirects    = 3
)

// WebFetchTool downloads a public web page and returns its readable text.
type WebFetchTool struct {
	maxChars int
	client   *http.Client
	cache    *webCache

	// checkURL guards every request and redirect; nil allows everything.
	checkURL func(ctx context.Context, raw string) error
}

// NewWebFetchTool returns a fetcher that refuses non-public addresses.
// maxChars <= 0 uses the default.
func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	t := &WebFetchTool{
		maxChars: maxChars,
		cache:    newWebCache(webCacheCapacity, webCacheTTL),
		checkURL: checkPublicURL,
	}
	t.client = &http.Client{
		Timeout: webTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxFetchRedirects {
				return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
			}
			if t.checkURL != nil {
				if err := t.checkURL(req.Context(), req.URL.String()); err != nil {
					return fmt.Errorf("redirect to %s: %w", req.URL.Host, err)
				}
			}
			return nil
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a public http(s) URL and return its readable text (HTML is stripped, JSON pretty-printed)."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	raw, _ := args["url"].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrorResult("url is required")
	}
	if t.checkURL != nil {
		if err := t.checkURL(ctx, raw); err != nil {
			return ErrorResult(fmt.Sprintf("refusing to fetch %s: %v", raw, err))
		}
	}
	if cached, ok := t.cache.get(raw); ok {
		slog.Debug("web_fetch cache hit", "url", raw)
		return NewResult(cached)
	}

	out, err := t.fetch(ctx, raw)
	if err != nil {
		return ErrorResult("fetch failed: " + truncate(err.Error(), 500)).WithError(err)
	}
	t.cache.set(raw, out)
	return NewResult(out)
}

func (t *WebFetchTool) fetch(ctx context.Context, raw string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	// HTML carries a lot of markup per character of text.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxChars)*8))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	var title, text string
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "application/json"):
		text = prettyJSON(body)
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		title = htmlTitle(string(body))
		text = htmlToText(string(body))
	case strings.HasPrefix(ct, "text/"), ct == "":
		text = string(body)
	default:
		return "", fmt.Errorf("unsupported content type %q", ct)
	}

	truncated := false
	if utf8.RuneCountInString(text) > t.maxChars {
		text = string([]rune(text)[:t.maxChars])
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", resp.Request.URL)
	if title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", title)
	}
	if truncated {
		fmt.Fprintf(&sb, "Truncated: first %d characters\n", t.maxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return wrapExternal(resp.Request.URL.String(), sb.String()), nil
}

func prettyJSON(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(out)
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10

	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
	ddgSearchEndpoint   = "https://html.duckduckgo.com/html/"
)

// SearchBackend is one web search service.
type SearchBackend interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]SearchHit, error)
}

// SearchHit is a single search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearchTool answers current-events questions in the group. Backends are
// tried in order; the first that succeeds wins.
type WebSearchTool struct {
	backends []SearchBackend
	cache    *webCache
}

// NewWebSearchTool uses Brave when braveKey is set, then DuckDuckGo.
func NewWebSearchTool(braveKey string) *WebSearchTool {
	client := &http.Client{Timeout: webTimeout}
	var backends []SearchBackend
	if braveKey != "" {
		backends = append(backends, &BraveSearch{APIKey: braveKey, Endpoint: braveSearchEndpoint, Client: client})
	}
	backends = append(backends, &DuckDuckGoSearch{Endpoint: ddgSearchEndpoint, Client: client})
	return NewWebSearchToolWith(backends...)
}

// NewWebSearchToolWith builds the tool over explicit backends.
func NewWebSearchToolWith(backends ...SearchBackend) *WebSearchTool {
	return &WebSearchTool{backends: backends, cache: newWebCache(webCacheCapacity, webCacheTTL)}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs and snippets."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results (1-10, default 5).",
				"minimum":     1,
				"maximum":     maxSearchCount,
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrorResult("query is required")
	}
	count := defaultSearchCount
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		count = int(c)
	}

	key := fmt.Sprintf("%s:%d", query, count)
	if cached, ok := t.cache.get(key); ok {
		slog.Debug("web_search cache hit", "query", query)
		return NewResult(cached)
	}

	var lastErr error
	for _, b := range t.backends {
		hits, err := b.Search(ctx, query, count)
		if err != nil {
			slog.Warn("web_search backend failed", "backend", b.Name(), "error", err)
			lastErr = err
			continue
		}
		out := wrapExternal("web_search", formatHits(query, hits, b.Name()))
		t.cache.set(key, out)
		return NewResult(out)
	}
	if lastErr != nil {
		return ErrorResult(fmt.Sprintf("all search backends failed: %v", lastErr))
	}
	return ErrorResult("no search backend configured")
}

func formatHits(query string, hits []SearchHit, backend string) string {
	if len(hits) == 0 {
		return "No results found for: " + query
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, backend)
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", h.Snippet)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BraveSearch queries the Brave Search API.
type BraveSearch struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

func (b *BraveSearch) Name() string { return "brave" }

func (b *BraveSearch) Search(ctx context.Context, query string, count int) ([]SearchHit, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprint(count))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.APIKey)

	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	hits := make([]SearchHit, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		hits = append(hits, SearchHit{Title: r.Title, URL: r.URL, Snippet: htmlToText(r.Description)})
	}
	return hits, nil
}

// DuckDuckGoSearch scrapes the DuckDuckGo HTML endpoint. No key required.
type DuckDuckGoSearch struct {
	Endpoint string
	Client   *http.Client
}

func (d *DuckDuckGoSearch) Name() string { return "duckduckgo" }

var (
	ddgLinkRe    = regexp.MustCompile(`(?s)<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`(?s)<a class="result__snippet[^"]*"[^>]*>(.*?)</a>`)
)

func (d *DuckDuckGoSearch) Search(ctx context.Context, query string, count int) ([]SearchHit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseDDG(string(body), count), nil
}

func parseDDG(page string, count int) []SearchHit {
	links := ddgLinkRe.FindAllStringSubmatch(page, count)
	snippets := ddgSnippetRe.FindAllStringSubmatch(page, count)

	hits := make([]SearchHit, 0, len(links))
	for i, m := range links {
		h := SearchHit{Title: htmlToText(m[2]), URL: ddgTarget(m[1])}
		if i < len(snippets) {
			h.Snippet = htmlToText(snippets[i][1])
		}
		hits = append(hits, h)
	}
	return hits
}

// ddgTarget unwraps DuckDuckGo's redirect links (/l/?uddg=<target>&...).
func ddgTarget(href string) string {
	href = entityReplacer.Replace(href)
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

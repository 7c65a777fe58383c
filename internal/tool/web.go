package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"omnichat/internal/domain"
	"omnichat/internal/security"
)

const (
	webTimeout        = 15 * time.Second
	defaultFetchBytes = 100 * 1024
	fetchMaxOutput    = 10000
	webUserAgent      = "omnichat/0.3"
	ddgEndpoint       = "https://api.duckduckgo.com/"
)

// WebConfig configures web_search and web_fetch.
type WebConfig struct {
	SearchEndpoint string // DuckDuckGo Instant Answer compatible; default api.duckduckgo.com
	MaxFetchBytes  int64
	// AllowPrivate lets web_fetch reach loopback and private networks.
	AllowPrivate bool
}

// WebTools returns the web search and fetch tools sharing one client.
func WebTools(cfg WebConfig) []domain.Tool {
	if cfg.SearchEndpoint == "" {
		cfg.SearchEndpoint = ddgEndpoint
	}
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = defaultFetchBytes
	}
	client := newWebClient(cfg.AllowPrivate)
	return []domain.Tool{
		&WebSearchTool{client: client, endpoint: cfg.SearchEndpoint},
		&WebFetchTool{client: client, maxBytes: cfg.MaxFetchBytes},
	}
}

func newWebClient(allowPrivate bool) *http.Client {
	if allowPrivate {
		return &http.Client{Timeout: webTimeout}
	}
	return security.PublicHTTPClient(webTimeout)
}

// WebSearchTool queries a DuckDuckGo Instant Answer endpoint.
type WebSearchTool struct {
	client   *http.Client
	endpoint string
}

func (t *WebSearchTool) Name() string                  { return "web_search" }
func (t *WebSearchTool) Category() domain.ToolCategory { return domain.CategoryGeneral }
func (t *WebSearchTool) Description() string {
	return "Search the web for information. Returns a short summary of instant-answer results."
}
func (t *WebSearchTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"query": {Type: "string", Description: "Search query"},
		},
		[]string{"query"},
	)
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := ArgsString(args, "query")
	if query == "" {
		return "", fmt.Errorf("missing argument: query")
	}

	q := url.Values{"q": {query}, "format": {"json"}, "no_html": {"1"}, "skip_disambig": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	var ddg ddgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ddg); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	var results []string
	if ddg.Abstract != "" {
		results = append(results, fmt.Sprintf("## %s\n%s\nSource: %s", ddg.Heading, ddg.Abstract, ddg.AbstractURL))
	}
	if ddg.Answer != "" {
		results = append(results, "Answer: "+ddg.Answer)
	}
	for i, topic := range ddg.RelatedTopics {
		if i >= 5 {
			break
		}
		if topic.Text != "" {
			results = append(results, "- "+topic.Text)
		}
	}
	if len(results) == 0 {
		return fmt.Sprintf("No instant results found for: %s. Try a more specific query.", query), nil
	}
	return strings.Join(results, "\n\n"), nil
}

// WebFetchTool downloads a page and returns its text with markup removed.
type WebFetchTool struct {
	client   *http.Client
	maxBytes int64
}

func (t *WebFetchTool) Name() string                  { return "web_fetch" }
func (t *WebFetchTool) Category() domain.ToolCategory { return domain.CategoryGeneral }
func (t *WebFetchTool) Description() string {
	return "Fetch a web page by URL and return its text content with HTML stripped."
}
func (t *WebFetchTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"url": {Type: "string", Description: "Full http:// or https:// URL"},
		},
		[]string{"url"},
	)
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL := ArgsString(args, "url")
	if rawURL == "" {
		return "", fmt.Errorf("missing argument: url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	text, err := htmlToText(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	if cut, truncated := truncateRunes(text, fetchMaxOutput); truncated {
		text = cut + "\n... (truncated)"
	}
	return text, nil
}

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "figcaption": true,
	"footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true,
	"li": true, "main": true, "nav": true, "ol": true, "p": true,
	"pre": true, "section": true, "table": true, "td": true, "th": true,
	"title": true, "tr": true, "ul": true,
}

// htmlToText renders the readable text of a page, one block per line.
func htmlToText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, template, iframe, svg").Remove()

	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			name := goquery.NodeName(c)
			if name == "#text" {
				b.WriteString(c.Text())
				return
			}
			block := blockElements[name]
			if block {
				b.WriteByte('\n')
			}
			walk(c)
			if block {
				b.WriteByte('\n')
			}
		})
	}
	walk(doc.Selection)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}

type ddgResponse struct {
	Abstract      string     `json:"Abstract"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	Answer        string     `json:"Answer"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

type ddgTopic struct {
	Text     string `json:"Text"`
	FirstURL string `json:"FirstURL"`
}

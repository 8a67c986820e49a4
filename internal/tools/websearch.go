package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/haricheung/agentic-shell/internal/result"
)

const (
	ddgSearchURL    = "https://html.duckduckgo.com/html/?q="
	bingSearchURL   = "https://api.bochaai.com/v1/web-search"
	searchMaxResults = 5
)

// searchPage is a single organic search result, regardless of which backend
// produced it.
type searchPage struct {
	Name    string
	URL     string
	Snippet string
}

// SearchAvailable reports whether web search can be attempted. DuckDuckGo's
// HTML endpoint needs no API key, so this always returns true; a BING_API_KEY
// (or BOCHA_API_KEY, kept for compatibility with older deployments) only adds
// a fallback backend.
func SearchAvailable() bool {
	return true
}

// Search queries DuckDuckGo's no-JS HTML endpoint and returns a formatted
// text summary. If DuckDuckGo returns no organic results and a Bing-compatible
// API key is configured, it falls back to that API.
//
// Expectations:
//   - Never requires an API key to return a result
//   - Falls back to the Bing-compatible API when DDG yields nothing and a key is set
//   - Caps output at searchMaxResults results
func Search(ctx context.Context, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	pages, err := searchDDG(ctx, query)
	if err != nil {
		return "", err
	}

	if len(pages) == 0 {
		if apiKey := bingAPIKey(); apiKey != "" {
			bingPages, bingErr := searchBing(ctx, query, apiKey)
			if bingErr == nil && len(bingPages) > 0 {
				pages = bingPages
			}
		}
	}

	return formatSearchResult(query, pages), nil
}

func bingAPIKey() string {
	if k := strings.TrimSpace(os.Getenv("BING_API_KEY")); k != "" {
		return k
	}
	return strings.TrimSpace(os.Getenv("BOCHA_API_KEY"))
}

func searchDDG(ctx context.Context, query string) ([]searchPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ddgSearchURL+url.QueryEscape(query), nil)
	if err != nil {
		return nil, result.Wrap(result.CategorySystem, "WEBSEARCH_REQUEST_FAILED", "create DDG request", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; agsh/1.0)")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		category := result.CategoryNetwork
		if ctx.Err() != nil {
			category = result.CategoryTimeout
		}
		return nil, result.Wrap(category, "WEBSEARCH_HTTP_FAILED", "DDG search request failed", err).
			WithContext("query", query)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, result.Wrap(result.CategoryNetwork, "WEBSEARCH_READ_FAILED", "read DDG response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, result.New(result.CategoryNetwork, "WEBSEARCH_BAD_STATUS", fmt.Sprintf("DDG returned HTTP %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode)
	}

	return parseDDGResults(string(body)), nil
}

var (
	ddgResultRe  = regexp.MustCompile(`(?s)<a[^>]*class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`(?s)<a[^>]*class="result__snippet"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
)

// parseDDGResults extracts organic results from a DuckDuckGo HTML results
// page, pairing each result__a title anchor with its result__snippet anchor
// by matching href. Ad results (href containing "duckduckgo.com/y.js") are
// skipped along with their paired snippet.
func parseDDGResults(body string) []searchPage {
	titles := ddgResultRe.FindAllStringSubmatch(body, -1)
	if len(titles) == 0 {
		return nil
	}

	snippets := make(map[string]string)
	for _, m := range ddgSnippetRe.FindAllStringSubmatch(body, -1) {
		snippets[m[1]] = html.UnescapeString(stripHTMLTags(m[2]))
	}

	var pages []searchPage
	for _, m := range titles {
		href := m[1]
		if strings.Contains(href, "duckduckgo.com/y.js") {
			continue
		}
		pages = append(pages, searchPage{
			Name:    html.UnescapeString(stripHTMLTags(m[2])),
			URL:     href,
			Snippet: snippets[href],
		})
	}
	return pages
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// stripHTMLTags removes inline HTML tags (e.g. <b>, <span>), preserving text.
func stripHTMLTags(s string) string {
	return htmlTagRe.ReplaceAllString(s, "")
}

func searchBing(ctx context.Context, query, apiKey string) ([]searchPage, error) {
	reqBody, err := json.Marshal(map[string]any{
		"query":     query,
		"freshness": "noLimit",
		"summary":   false,
		"count":     searchMaxResults,
	})
	if err != nil {
		return nil, result.Wrap(result.CategorySystem, "WEBSEARCH_MARSHAL_FAILED", "marshal Bing search request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bingSearchURL, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, result.Wrap(result.CategorySystem, "WEBSEARCH_REQUEST_FAILED", "create Bing search request", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, result.Wrap(result.CategoryNetwork, "WEBSEARCH_HTTP_FAILED", "Bing search request failed", err).
			WithContext("query", query)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, result.Wrap(result.CategoryNetwork, "WEBSEARCH_READ_FAILED", "read Bing response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, result.New(result.CategoryNetwork, "WEBSEARCH_BAD_STATUS", fmt.Sprintf("Bing API returned HTTP %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode).WithContext("body", string(body))
	}

	return parseBingResults(body)
}

// parseBingResults decodes a Bing-compatible webPages.value[] response into
// searchPages, mapping name/url/snippet directly.
func parseBingResults(data []byte) ([]searchPage, error) {
	var parsed struct {
		WebPages struct {
			Value []struct {
				Name    string `json:"name"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			} `json:"value"`
		} `json:"webPages"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, result.Wrap(result.CategorySystem, "WEBSEARCH_PARSE_FAILED", "parse Bing response", err)
	}

	pages := make([]searchPage, 0, len(parsed.WebPages.Value))
	for _, v := range parsed.WebPages.Value {
		pages = append(pages, searchPage{Name: v.Name, URL: v.URL, Snippet: v.Snippet})
	}
	return pages, nil
}

// formatSearchResult converts search pages into a readable text block.
//
// Expectations:
//   - Returns "no results" message when pages slice is empty
//   - Includes title, snippet, and URL for each result
//   - Omits the snippet line when empty
//   - Separates results with a blank line
//   - Caps output at searchMaxResults results
func formatSearchResult(query string, pages []searchPage) string {
	if len(pages) == 0 {
		return fmt.Sprintf("No results found for: %q", query)
	}

	var sb strings.Builder
	for i, p := range pages {
		if i >= searchMaxResults {
			break
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Name)
		sb.WriteString("\n")
		if p.Snippet != "" {
			sb.WriteString(p.Snippet)
			sb.WriteString("\n")
		}
		sb.WriteString(p.URL)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

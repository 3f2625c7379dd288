// Package tavily implements the web_search capability on the Tavily
// search API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loopsymphony/server/internal/config"
	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/port/tool"
	"github.com/loopsymphony/server/internal/resilience"
)

const (
	defaultURL  = "https://api.tavily.com"
	toolVersion = "1.0"
)

// Tool is the Tavily-backed web search tool.
type Tool struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// New creates the Tavily tool from config.
func New(cfg config.Tavily, breaker *resilience.Breaker) *Tool {
	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultURL
	}
	return &Tool{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: breaker,
	}
}

func (t *Tool) Name() string { return "tavily" }

func (t *Tool) Capabilities() []tool.Capability {
	return []tool.Capability{tool.CapWebSearch}
}

func (t *Tool) Version() string { return toolVersion }

type searchRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Answer  string         `json:"answer"`
	Results []searchResult `json:"results"`
}

// Invoke runs one search. Params: max_results (int), search_depth
// ("basic" or "advanced").
func (t *Tool) Invoke(ctx context.Context, req tool.Request) (*tool.Response, error) {
	sr := searchRequest{
		Query:         req.Prompt,
		SearchDepth:   "basic",
		MaxResults:    5,
		IncludeAnswer: true,
	}
	if n, ok := req.Params["max_results"].(int); ok && n > 0 {
		sr.MaxResults = n
	}
	if d, ok := req.Params["search_depth"].(string); ok && d != "" {
		sr.SearchDepth = d
	}

	data, err := t.doRequest(ctx, "/search", sr)
	if err != nil {
		return nil, &domain.ToolError{Tool: t.Name(), Err: err}
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &domain.ToolError{Tool: t.Name(), Err: fmt.Errorf("unmarshal search response: %w", err)}
	}

	var b strings.Builder
	sources := make([]string, 0, len(parsed.Results))
	if parsed.Answer != "" {
		b.WriteString(parsed.Answer)
		b.WriteString("\n\n")
	}
	for _, r := range parsed.Results {
		fmt.Fprintf(&b, "%s (%s)\n%s\n\n", r.Title, r.URL, r.Content)
		sources = append(sources, r.URL)
	}

	return &tool.Response{
		Content: strings.TrimSpace(b.String()),
		Sources: sources,
		Raw: map[string]any{
			"answer":       parsed.Answer,
			"result_count": len(parsed.Results),
		},
	}, nil
}

// HealthCheck verifies the API key with a trivial search.
func (t *Tool) HealthCheck(ctx context.Context) error {
	_, err := t.doRequest(ctx, "/search", searchRequest{Query: "ping", MaxResults: 1})
	if err != nil {
		return fmt.Errorf("tavily health check: %w", err)
	}
	return nil
}

func (t *Tool) doRequest(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.apiKey)

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("tavily API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if t.breaker != nil {
		if err := t.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/gr8monk3ys/blog-ai/pkg/config"
)

// HTTPSource queries a SERP-style search API over HTTP JSON.
type HTTPSource struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxResults int
}

// NewFromConfig builds the configured search source. Returns nil when
// research is disabled or the endpoint is missing; the pipeline treats
// a nil source as research unavailable.
func NewFromConfig(cfg *config.ResearchConfig) Source {
	if cfg == nil || !cfg.Enabled || cfg.BaseURL == "" {
		return nil
	}
	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &HTTPSource{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     apiKey,
		maxResults: cfg.MaxResults,
	}
}

// searchResponse mirrors the SERP API result shape; only the fields
// the composer needs are decoded.
type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}

func (s *HTTPSource) Search(ctx context.Context, query string, maxResults int) ([]Finding, error) {
	if maxResults <= 0 || maxResults > s.maxResults {
		maxResults = s.maxResults
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("num", strconv.Itoa(maxResults))
	if s.apiKey != "" {
		q.Set("api_key", s.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned HTTP %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	findings := make([]Finding, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		findings = append(findings, Finding{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
		if len(findings) >= maxResults {
			break
		}
	}
	return findings, nil
}

// OverrideHTTPClientForTest replaces the HTTP client. For testing only.
func (s *HTTPSource) OverrideHTTPClientForTest(httpClient *http.Client) {
	s.httpClient = httpClient
}

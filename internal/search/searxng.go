// Package search backs the web search and local knowledge tools.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is a single search hit.
type Result struct {
	URL     string `json:"url,omitempty"`
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

// Searxng queries a SearxNG instance's JSON API.
type Searxng struct {
	baseURL    string
	maxResults int
	client     *http.Client
	logger     *zap.Logger
}

// NewSearxng creates a client for the instance at baseURL.
func NewSearxng(baseURL string, maxResults int, logger *zap.Logger) *Searxng {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Searxng{
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxResults: maxResults,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Search runs one query.
func (s *Searxng) Search(ctx context.Context, query string) ([]Result, error) {
	values := url.Values{}
	values.Set("q", query)
	values.Set("format", "json")
	values.Set("safesearch", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query search engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search engine returned %d", resp.StatusCode)
	}

	var body struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(body.Results) > s.maxResults {
		body.Results = body.Results[:s.maxResults]
	}
	s.logger.Debug("web search", zap.String("query", query), zap.Int("results", len(body.Results)))
	return body.Results, nil
}

// Package search wraps a SearxNG instance behind a typed client.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kensaku-ai/kensaku/internal/metrics"
	"github.com/kensaku-ai/kensaku/internal/store"
)

// Search categories understood by the backend.
const (
	CategoryGeneral = "general"
	CategoryImages  = "images"
	CategoryVideos  = "videos"
)

// TopResults holds the outcome of one search call, split by category.
// Categories that were not requested stay empty.
type TopResults struct {
	General []store.WebResult
	Images  []store.Medium
	Videos  []store.Medium
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	ImgSrc   string `json:"img_src"`
	Category string `json:"category"`
}

// Client issues search requests against a SearxNG-compatible endpoint.
// Stateless per call; the caller decides which categories to request.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

// Search runs one query against the given categories and partitions the
// results. Callers pass a bounded context; the client timeout is a backstop.
func (c *Client) Search(ctx context.Context, query string, categories []string) (TopResults, error) {
	if len(categories) == 0 {
		return TopResults{}, fmt.Errorf("search requires at least one category")
	}
	cats := strings.Join(categories, ",")

	endpoint, err := url.Parse(c.baseURL + "/search")
	if err != nil {
		return TopResults{}, fmt.Errorf("invalid search URL: %w", err)
	}
	params := endpoint.Query()
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("categories", cats)
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return TopResults{}, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(cats, "error").Inc()
		return TopResults{}, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.SearchRequests.WithLabelValues(cats, "error").Inc()
		return TopResults{}, fmt.Errorf("search request failed: %s", resp.Status)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.SearchRequests.WithLabelValues(cats, "error").Inc()
		return TopResults{}, fmt.Errorf("failed to decode search response: %w", err)
	}
	metrics.SearchRequests.WithLabelValues(cats, "ok").Inc()

	var out TopResults
	for _, r := range payload.Results {
		switch r.Category {
		case CategoryImages:
			out.Images = append(out.Images, store.Medium{URL: r.URL, Image: r.ImgSrc, Kind: store.MediumImage})
		case CategoryVideos:
			out.Videos = append(out.Videos, store.Medium{URL: r.URL, Kind: store.MediumVideo})
		default:
			out.General = append(out.General, store.WebResult{URL: r.URL, Title: r.Title, Content: r.Content})
		}
	}
	return out, nil
}

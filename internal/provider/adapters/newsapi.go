package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ommthree/cryptoclaude/internal/provider"
)

// NewsAPIAdapter speaks the NewsAPI.org v2 API. Endpoints: "news"
// (everything) and "sentiment", which reuses the article feed; scoring
// happens downstream.
type NewsAPIAdapter struct {
	baseURL string
	apiKey  string
}

func NewNewsAPIAdapter(baseURL, apiKey string) *NewsAPIAdapter {
	if baseURL == "" {
		baseURL = "https://newsapi.org/v2"
	}
	return &NewsAPIAdapter{baseURL: baseURL, apiKey: apiKey}
}

func (n *NewsAPIAdapter) Provider() string { return "news" }

func (n *NewsAPIAdapter) Call(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
	switch endpoint {
	case "news", "sentiment":
	default:
		return nil, fmt.Errorf("newsapi: unsupported endpoint %q", endpoint)
	}

	headers := map[string]string{}
	if n.apiKey != "" {
		headers["X-Api-Key"] = n.apiKey
	}
	return doGet(ctx, n.baseURL+"/everything", params, headers)
}

func (n *NewsAPIAdapter) Parse(endpoint string, body []byte) (*provider.Normalized, error) {
	switch endpoint {
	case "news", "sentiment":
		var raw struct {
			Status       string `json:"status"`
			TotalResults int    `json:"totalResults"`
			Articles     []struct {
				PublishedAt time.Time `json:"publishedAt"`
				Title       string    `json:"title"`
			} `json:"articles"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("newsapi: failed to parse response: %w", err)
		}
		if raw.Status != "ok" {
			return nil, fmt.Errorf("newsapi: response status %q", raw.Status)
		}
		out := &provider.Normalized{Metadata: map[string]string{
			"provider": "news",
			"articles": fmt.Sprintf("%d", raw.TotalResults),
		}}
		for _, a := range raw.Articles {
			out.Points = append(out.Points, provider.Point{Timestamp: a.PublishedAt.UTC()})
		}
		return out, nil
	}
	return nil, fmt.Errorf("newsapi: unsupported endpoint %q", endpoint)
}

var _ provider.Adapter = (*NewsAPIAdapter)(nil)

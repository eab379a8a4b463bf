package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ommthree/cryptoclaude/internal/provider"
)

// CryptoCompareAdapter speaks the CryptoCompare min-api. Endpoints:
// "price" (spot), "history" (OHLCV) and "news".
type CryptoCompareAdapter struct {
	baseURL string
	apiKey  string
}

// NewCryptoCompareAdapter builds the adapter; apiKey may be empty on the
// free tier.
func NewCryptoCompareAdapter(baseURL, apiKey string) *CryptoCompareAdapter {
	if baseURL == "" {
		baseURL = "https://min-api.cryptocompare.com"
	}
	return &CryptoCompareAdapter{baseURL: baseURL, apiKey: apiKey}
}

func (c *CryptoCompareAdapter) Provider() string { return "cc" }

func (c *CryptoCompareAdapter) Call(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
	var path string
	switch endpoint {
	case "price":
		path = c.baseURL + "/data/price"
	case "history":
		path = c.baseURL + "/data/v2/histoday"
	case "news":
		path = c.baseURL + "/data/v2/news/"
	default:
		return nil, fmt.Errorf("cryptocompare: unsupported endpoint %q", endpoint)
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Apikey " + c.apiKey
	}
	return doGet(ctx, path, params, headers)
}

func (c *CryptoCompareAdapter) Parse(endpoint string, body []byte) (*provider.Normalized, error) {
	switch endpoint {
	case "price":
		var raw map[string]float64
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("cryptocompare: failed to parse price response: %w", err)
		}
		out := &provider.Normalized{Metadata: map[string]string{"provider": "cc"}}
		for ccy, v := range raw {
			out.Points = append(out.Points, provider.Point{
				Timestamp: time.Now(), Value: v,
			})
			out.Metadata["currency"] = ccy
		}
		return out, nil

	case "history":
		var raw struct {
			Data struct {
				Data []struct {
					Time   int64   `json:"time"`
					Open   float64 `json:"open"`
					High   float64 `json:"high"`
					Low    float64 `json:"low"`
					Close  float64 `json:"close"`
					Volume float64 `json:"volumefrom"`
				} `json:"Data"`
			} `json:"Data"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("cryptocompare: failed to parse history response: %w", err)
		}
		out := &provider.Normalized{Metadata: map[string]string{"provider": "cc"}}
		for _, bar := range raw.Data.Data {
			out.Points = append(out.Points, provider.Point{
				Timestamp: time.Unix(bar.Time, 0).UTC(),
				Open:      bar.Open,
				High:      bar.High,
				Low:       bar.Low,
				Close:     bar.Close,
				Volume:    bar.Volume,
			})
		}
		return out, nil

	case "news":
		var raw struct {
			Data []struct {
				PublishedOn int64  `json:"published_on"`
				Title       string `json:"title"`
			} `json:"Data"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("cryptocompare: failed to parse news response: %w", err)
		}
		out := &provider.Normalized{Metadata: map[string]string{
			"provider": "cc",
			"articles": fmt.Sprintf("%d", len(raw.Data)),
		}}
		for _, item := range raw.Data {
			out.Points = append(out.Points, provider.Point{
				Timestamp: time.Unix(item.PublishedOn, 0).UTC(),
			})
		}
		return out, nil
	}
	return nil, fmt.Errorf("cryptocompare: unsupported endpoint %q", endpoint)
}

var _ provider.Adapter = (*CryptoCompareAdapter)(nil)

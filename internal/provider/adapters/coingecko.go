package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ommthree/cryptoclaude/internal/provider"
)

// CoinGeckoAdapter speaks the CoinGecko v3 API. Endpoints: "price"
// (simple/price) and "history" (market_chart/range).
type CoinGeckoAdapter struct {
	baseURL string
	apiKey  string
}

func NewCoinGeckoAdapter(baseURL, apiKey string) *CoinGeckoAdapter {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	return &CoinGeckoAdapter{baseURL: baseURL, apiKey: apiKey}
}

func (c *CoinGeckoAdapter) Provider() string { return "cg" }

func (c *CoinGeckoAdapter) Call(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
	var path string
	switch endpoint {
	case "price", "sentiment":
		path = c.baseURL + "/simple/price"
	case "history":
		coin := params["symbol"]
		if coin == "" {
			coin = params["ids"]
		}
		path = fmt.Sprintf("%s/coins/%s/market_chart/range", c.baseURL, coin)
	default:
		return nil, fmt.Errorf("coingecko: unsupported endpoint %q", endpoint)
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["x-cg-demo-api-key"] = c.apiKey
	}
	return doGet(ctx, path, params, headers)
}

func (c *CoinGeckoAdapter) Parse(endpoint string, body []byte) (*provider.Normalized, error) {
	switch endpoint {
	case "price", "sentiment":
		var raw map[string]map[string]float64
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("coingecko: failed to parse price response: %w", err)
		}
		out := &provider.Normalized{Metadata: map[string]string{"provider": "cg"}}
		for coin, quotes := range raw {
			out.Metadata["coin"] = coin
			for _, v := range quotes {
				out.Points = append(out.Points, provider.Point{Timestamp: time.Now(), Value: v})
				break
			}
		}
		return out, nil

	case "history":
		var raw struct {
			Prices [][2]float64 `json:"prices"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("coingecko: failed to parse history response: %w", err)
		}
		out := &provider.Normalized{Metadata: map[string]string{"provider": "cg"}}
		for _, pair := range raw.Prices {
			out.Points = append(out.Points, provider.Point{
				Timestamp: time.UnixMilli(int64(pair[0])).UTC(),
				Value:     pair[1],
			})
		}
		return out, nil
	}
	return nil, fmt.Errorf("coingecko: unsupported endpoint %q", endpoint)
}

var _ provider.Adapter = (*CoinGeckoAdapter)(nil)

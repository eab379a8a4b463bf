package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ommthree/cryptoclaude/internal/provider"
)

// AlphaVantageAdapter speaks the Alpha Vantage API. Endpoints: "price"
// (CURRENCY_EXCHANGE_RATE) and "history" (DIGITAL_CURRENCY_DAILY).
type AlphaVantageAdapter struct {
	baseURL string
	apiKey  string
}

func NewAlphaVantageAdapter(baseURL, apiKey string) *AlphaVantageAdapter {
	if baseURL == "" {
		baseURL = "https://www.alphavantage.co/query"
	}
	return &AlphaVantageAdapter{baseURL: baseURL, apiKey: apiKey}
}

func (a *AlphaVantageAdapter) Provider() string { return "av" }

func (a *AlphaVantageAdapter) Call(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
	merged := make(map[string]string, len(params)+2)
	for k, v := range params {
		merged[k] = v
	}
	switch endpoint {
	case "price":
		merged["function"] = "CURRENCY_EXCHANGE_RATE"
	case "history":
		merged["function"] = "DIGITAL_CURRENCY_DAILY"
	default:
		return nil, fmt.Errorf("alphavantage: unsupported endpoint %q", endpoint)
	}
	if a.apiKey != "" {
		merged["apikey"] = a.apiKey
	}
	return doGet(ctx, a.baseURL, merged, nil)
}

func (a *AlphaVantageAdapter) Parse(endpoint string, body []byte) (*provider.Normalized, error) {
	switch endpoint {
	case "price":
		var raw struct {
			Rate struct {
				ExchangeRate string `json:"5. Exchange Rate"`
			} `json:"Realtime Currency Exchange Rate"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("alphavantage: failed to parse price response: %w", err)
		}
		var v float64
		fmt.Sscanf(raw.Rate.ExchangeRate, "%f", &v)
		return &provider.Normalized{
			Points:   []provider.Point{{Timestamp: time.Now(), Value: v}},
			Metadata: map[string]string{"provider": "av"},
		}, nil

	case "history":
		var raw struct {
			Series map[string]map[string]string `json:"Time Series (Digital Currency Daily)"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("alphavantage: failed to parse history response: %w", err)
		}
		out := &provider.Normalized{Metadata: map[string]string{"provider": "av"}}
		for day, fields := range raw.Series {
			ts, err := time.Parse("2006-01-02", day)
			if err != nil {
				continue
			}
			p := provider.Point{Timestamp: ts.UTC()}
			fmt.Sscanf(fields["1. open"], "%f", &p.Open)
			fmt.Sscanf(fields["2. high"], "%f", &p.High)
			fmt.Sscanf(fields["3. low"], "%f", &p.Low)
			fmt.Sscanf(fields["4. close"], "%f", &p.Close)
			fmt.Sscanf(fields["5. volume"], "%f", &p.Volume)
			out.Points = append(out.Points, p)
		}
		return out, nil
	}
	return nil, fmt.Errorf("alphavantage: unsupported endpoint %q", endpoint)
}

var _ provider.Adapter = (*AlphaVantageAdapter)(nil)

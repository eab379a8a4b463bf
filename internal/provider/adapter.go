package provider

import (
	"context"
	"time"
)

// Response is the raw outcome of one provider call. The body is treated as
// an opaque byte string by the cache; parsing is the adapter's concern.
type Response struct {
	Status  int
	Body    []byte
	Headers map[string]string
	Latency time.Duration
}

// Point is one normalized observation. OHLCV fields are populated for
// candle endpoints; Value carries spot prices and scalar series.
type Point struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Close     float64   `json:"close,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Value     float64   `json:"value,omitempty"`
}

// Normalized is the canonical shape every adapter reduces its responses to,
// so the cache blob format is provider-independent at the API boundary.
type Normalized struct {
	Points   []Point           `json:"points"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Adapter is the pluggable per-provider HTTP client. Implementations must
// not retry internally; retry and backoff belong to the governor.
type Adapter interface {
	Provider() string
	Call(ctx context.Context, endpoint string, params map[string]string) (*Response, error)
	Parse(endpoint string, body []byte) (*Normalized, error)
}

package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ommthree/cryptoclaude/internal/provider"
)

// httpClient is shared by the concrete adapters; per-call timeouts come
// from the governor's context.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// doGet issues one GET with query parameters and extra headers, returning
// the raw provider response with latency attached. No retries here; retry
// and backoff are the governor's concern.
func doGet(ctx context.Context, base string, params map[string]string, headers map[string]string) (*provider.Response, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid provider url %q: %w", base, err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	out := &provider.Response{
		Status:  resp.StatusCode,
		Body:    body,
		Headers: make(map[string]string, len(resp.Header)),
		Latency: time.Since(start),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

package adapters

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ommthree/cryptoclaude/internal/provider"
)

// StubAdapter is a scriptable in-memory adapter. Tests and the fake
// fixture mode use it to stand in for a real provider without network.
type StubAdapter struct {
	ID string

	// CallFunc, when set, overrides the canned response.
	CallFunc func(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error)
	// ParseFunc, when set, overrides the passthrough parse.
	ParseFunc func(endpoint string, body []byte) (*provider.Normalized, error)

	// Body and Status are the canned response when CallFunc is nil.
	Body   []byte
	Status int

	calls atomic.Int64

	mu        sync.Mutex
	endpoints []string
}

func (s *StubAdapter) Provider() string { return s.ID }

func (s *StubAdapter) Call(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.endpoints = append(s.endpoints, endpoint)
	s.mu.Unlock()

	if s.CallFunc != nil {
		return s.CallFunc(ctx, endpoint, params)
	}
	status := s.Status
	if status == 0 {
		status = 200
	}
	body := s.Body
	if body == nil {
		body = []byte(`{"value":1}`)
	}
	return &provider.Response{Status: status, Body: body}, nil
}

func (s *StubAdapter) Parse(endpoint string, body []byte) (*provider.Normalized, error) {
	if s.ParseFunc != nil {
		return s.ParseFunc(endpoint, body)
	}
	return &provider.Normalized{Metadata: map[string]string{"provider": s.ID}}, nil
}

// Calls returns how many times Call ran.
func (s *StubAdapter) Calls() int64 { return s.calls.Load() }

// Endpoints returns the endpoints Call saw, in order.
func (s *StubAdapter) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

var _ provider.Adapter = (*StubAdapter)(nil)

package facade

import (
	"context"
	"time"

	"github.com/ommthree/cryptoclaude/internal/cache"
	"github.com/ommthree/cryptoclaude/internal/histload"
	"github.com/ommthree/cryptoclaude/internal/quota"
	"github.com/ommthree/cryptoclaude/internal/request"
)

// API is the single entry point consumers see. The concrete stores stay
// behind it; tests swap in fakes at this seam.
type API interface {
	// Synchronous fetch: submit plus wait bounded by the request deadline.
	Fetch(ctx context.Context, req *request.Request) request.Result

	// Asynchronous entry; the handle resolves with exactly one terminal
	// result.
	Submit(req *request.Request) (*request.Handle, error)
	Cancel(id uint64) bool
	Status(id uint64) (request.State, bool)

	// Order-preserving batch fetch.
	FetchBatch(ctx context.Context, reqs []*request.Request) []request.Result

	// Immutable historical ranges.
	PutHistorical(ctx context.Context, symbol, providerID, timeframe string, blob []byte, start, end time.Time) error
	GetHistorical(ctx context.Context, symbol, providerID, timeframe string, start, end time.Time) ([]byte, bool)
	HasHistorical(ctx context.Context, symbol, providerID, timeframe string, start, end time.Time) bool

	// Historical back-fill orchestration.
	StartHistoricalLoad(rng histload.Range) (string, error)
	LoadingStatus(loadingID string) (histload.Progress, bool)
	PauseLoad(loadingID string) bool
	ResumeLoad(loadingID string) bool
	CancelLoad(loadingID string) bool

	Stats(ctx context.Context) Stats

	// Lifecycle.
	Start(ctx context.Context) error
	Close() error
}

// Stats aggregates quota and cache statistics for the stats surface.
type Stats struct {
	Providers  map[string]quota.Stats `json:"per_provider"`
	Cache      cache.Stats            `json:"cache"`
	Emergency  bool                   `json:"emergency_mode"`
	QueueDepth int                    `json:"queue_depth"`
}

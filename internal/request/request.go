package request

import (
	"time"

	"github.com/ommthree/cryptoclaude/internal/quality"
)

// Priority orders requests in the governor queue. Lower values are served
// first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// State tracks a request through the governor lifecycle.
type State int

const (
	StateNew State = iota
	StateCacheLookup
	StateQueued
	StateReady
	StateInFlight
	StateFallback
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateCacheLookup:
		return "cache_lookup"
	case StateQueued:
		return "queued"
	case StateReady:
		return "ready"
	case StateInFlight:
		return "in_flight"
	case StateFallback:
		return "fallback"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request describes a single data request submitted to the public API.
// Submitters own the request until its handle delivers a terminal result.
type Request struct {
	DataType     string
	ProviderHint string
	Symbol       string
	Endpoint     string
	Params       map[string]string
	Priority     Priority
	AllowCache   bool
	Deadline     time.Time
}

// Result is the terminal outcome of a request. Source is set even in
// degraded modes; callers inspect Quality and decide whether to use the
// payload. Err carries the taxonomy kind when the request failed.
type Result struct {
	Payload []byte
	Quality quality.Quality
	Source  quality.SourceKind
	Err     error
}

// Handle is the completion handle returned by Submit. The governor delivers
// exactly one terminal Result to it; Done never yields twice.
type Handle struct {
	ID uint64
	ch chan Result
}

func NewHandle(id uint64) *Handle {
	return &Handle{ID: id, ch: make(chan Result, 1)}
}

// Done returns the channel carrying the single terminal result.
func (h *Handle) Done() <-chan Result {
	return h.ch
}

// Deliver hands the terminal result to the submitter. The buffered channel
// guarantees the worker never blocks on an absent reader.
func (h *Handle) Deliver(r Result) {
	select {
	case h.ch <- r:
	default:
	}
}

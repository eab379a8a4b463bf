package histload

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ommthree/cryptoclaude/internal/cache"
	"github.com/ommthree/cryptoclaude/internal/provider"
	"github.com/ommthree/cryptoclaude/internal/request"
)

// Submitter is the narrow governor surface the loader needs. Chunk requests
// go through the same admission control as everything else.
type Submitter interface {
	Submit(req *request.Request) (*request.Handle, error)
}

// Config tunes chunking and validation. MaxDailyCalls bounds provider
// fetches across all loads; zero means unbounded.
type Config struct {
	ChunkSpan          time.Duration
	MaxRetriesPerChunk int
	CompletenessMin    float64
	ChunkDelay         time.Duration
	MaxDailyCalls      int
}

// DefaultConfig returns the balanced loader defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSpan:          30 * 24 * time.Hour,
		MaxRetriesPerChunk: 3,
		CompletenessMin:    0.60,
	}
}

// Range describes one historical back-fill target.
type Range struct {
	Symbol    string
	Provider  string
	Timeframe string
	Start     time.Time
	End       time.Time
}

// Chunk is one provider-call-sized sub-range.
type Chunk struct {
	Start time.Time
	End   time.Time
}

// SplitChunks cuts the range into spans of at most chunkSpan.
func SplitChunks(r Range, chunkSpan time.Duration) []Chunk {
	var chunks []Chunk
	for start := r.Start; start.Before(r.End); {
		end := start.Add(chunkSpan)
		if end.After(r.End) {
			end = r.End
		}
		chunks = append(chunks, Chunk{Start: start, End: end})
		start = end
	}
	return chunks
}

// Progress is the externally visible state of one load.
type Progress struct {
	LoadingID   string    `json:"loading_id"`
	Symbol      string    `json:"symbol"`
	Provider    string    `json:"provider"`
	TotalChunks int       `json:"total_chunks"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Bytes       int64     `json:"bytes"`
	Status      string    `json:"status"`
	ETA         time.Time `json:"eta,omitempty"`
}

// Load statuses.
const (
	StatusLoading             = "loading"
	StatusPaused              = "paused"
	StatusCancelled           = "cancelled"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
)

type loadState struct {
	rng       Range
	chunks    []Chunk
	progress  Progress
	startedAt time.Time
	paused    atomic.Bool
	cancelled atomic.Bool
	mu        sync.Mutex
}

// Loader splits large date ranges into chunks, drives them through the
// governor at MEDIUM priority, and lands each completed chunk in the cache
// as a permanent entry.
type Loader struct {
	cfg    Config
	store  *cache.Store
	submit Submitter

	mu    sync.Mutex
	loads map[string]*loadState

	budgetMu   sync.Mutex
	callsToday int
	dayResetAt time.Time
}

// NewLoader builds a loader over the given store and submitter.
func NewLoader(cfg Config, store *cache.Store, submit Submitter) *Loader {
	if cfg.ChunkSpan <= 0 {
		cfg.ChunkSpan = 30 * 24 * time.Hour
	}
	if cfg.MaxRetriesPerChunk <= 0 {
		cfg.MaxRetriesPerChunk = 3
	}
	if cfg.CompletenessMin <= 0 {
		cfg.CompletenessMin = 0.60
	}
	return &Loader{cfg: cfg, store: store, submit: submit, loads: make(map[string]*loadState)}
}

// Load starts a historical back-fill and returns its loading id.
func (l *Loader) Load(rng Range) (string, error) {
	if !rng.Start.Before(rng.End) {
		return "", fmt.Errorf("historical range start %s is not before end %s",
			rng.Start.Format(time.RFC3339), rng.End.Format(time.RFC3339))
	}

	id := uuid.NewString()
	st := &loadState{
		rng:       rng,
		chunks:    SplitChunks(rng, l.cfg.ChunkSpan),
		startedAt: time.Now(),
	}
	st.progress = Progress{
		LoadingID:   id,
		Symbol:      rng.Symbol,
		Provider:    rng.Provider,
		TotalChunks: len(st.chunks),
		Status:      StatusLoading,
	}

	l.mu.Lock()
	l.loads[id] = st
	l.mu.Unlock()

	log.Info().Str("loading_id", id).Str("symbol", rng.Symbol).
		Str("provider", rng.Provider).Int("chunks", len(st.chunks)).
		Msg("Historical load started")

	go l.run(id, st)
	return id, nil
}

// Status returns the progress for a loading id.
func (l *Loader) Status(id string) (Progress, bool) {
	l.mu.Lock()
	st, ok := l.loads[id]
	l.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.progress, true
}

// Pause suspends chunk submission; in-flight chunks finish.
func (l *Loader) Pause(id string) bool {
	return l.setPaused(id, true)
}

// Resume continues a paused load.
func (l *Loader) Resume(id string) bool {
	return l.setPaused(id, false)
}

func (l *Loader) setPaused(id string, paused bool) bool {
	l.mu.Lock()
	st, ok := l.loads[id]
	l.mu.Unlock()
	if !ok {
		return false
	}
	st.paused.Store(paused)
	st.mu.Lock()
	if st.progress.Status == StatusLoading || st.progress.Status == StatusPaused {
		if paused {
			st.progress.Status = StatusPaused
		} else {
			st.progress.Status = StatusLoading
		}
	}
	st.mu.Unlock()
	return true
}

// Cancel aborts a load after the current chunk.
func (l *Loader) Cancel(id string) bool {
	l.mu.Lock()
	st, ok := l.loads[id]
	l.mu.Unlock()
	if !ok {
		return false
	}
	st.cancelled.Store(true)
	return true
}

func (l *Loader) run(id string, st *loadState) {
	ctx := context.Background()

	for _, chunk := range st.chunks {
		for st.paused.Load() && !st.cancelled.Load() {
			time.Sleep(200 * time.Millisecond)
		}
		if st.cancelled.Load() {
			l.updateProgress(ctx, id, st, func(p *Progress) { p.Status = StatusCancelled })
			return
		}

		// Already landed in a previous run: completeness by construction.
		if l.store.HasHistorical(ctx, st.rng.Symbol, st.rng.Provider, st.rng.Timeframe, chunk.Start, chunk.End) {
			l.updateProgress(ctx, id, st, func(p *Progress) { p.Completed++ })
			continue
		}

		ok, bytes := l.loadChunk(ctx, st, chunk)
		if !ok && st.cancelled.Load() {
			l.updateProgress(ctx, id, st, func(p *Progress) { p.Status = StatusCancelled })
			return
		}
		l.updateProgress(ctx, id, st, func(p *Progress) {
			if ok {
				p.Completed++
				p.Bytes += bytes
			} else {
				p.Failed++
			}
			p.ETA = estimateETA(st.startedAt, p.Completed+p.Failed, p.TotalChunks)
		})

		if l.cfg.ChunkDelay > 0 {
			time.Sleep(l.cfg.ChunkDelay)
		}
	}

	l.updateProgress(ctx, id, st, func(p *Progress) {
		if p.Failed > 0 {
			p.Status = StatusCompletedWithErrors
		} else {
			p.Status = StatusCompleted
		}
		p.ETA = time.Time{}
	})

	st.mu.Lock()
	status := st.progress.Status
	failed := st.progress.Failed
	st.mu.Unlock()
	log.Info().Str("loading_id", id).Str("status", status).
		Int("failed", failed).Msg("Historical load finished")
}

// loadChunk fetches one chunk with up to MaxRetriesPerChunk attempts and
// one extra pass when the landed data fails completeness validation.
func (l *Loader) loadChunk(ctx context.Context, st *loadState, chunk Chunk) (bool, int64) {
	revalidated := false

	for attempt := 0; attempt < l.cfg.MaxRetriesPerChunk; attempt++ {
		if st.cancelled.Load() {
			return false, 0
		}
		if !l.awaitBudget(st) {
			return false, 0
		}

		// The revalidation pass must reach the provider: the governor
		// cached the incomplete payload under the standard key, so a
		// cached re-read would only hand the same bytes back.
		res, err := l.fetchChunk(st, chunk, !revalidated)
		if err != nil {
			log.Warn().Err(err).Str("symbol", st.rng.Symbol).
				Time("chunk_start", chunk.Start).Int("attempt", attempt+1).
				Msg("Historical chunk fetch failed")
			continue
		}

		completeness := l.completeness(res, st.rng.Timeframe, chunk)
		if completeness < l.cfg.CompletenessMin {
			log.Warn().Float64("completeness", completeness).
				Str("symbol", st.rng.Symbol).Time("chunk_start", chunk.Start).
				Msg("Historical chunk below completeness threshold")
			// An invalid chunk is re-queued exactly once.
			if revalidated {
				return false, 0
			}
			revalidated = true
			attempt--
			continue
		}

		err = l.store.PutHistorical(ctx, st.rng.Symbol, st.rng.Provider,
			st.rng.Timeframe, res, chunk.Start, chunk.End)
		if err != nil {
			log.Error().Err(err).Msg("Failed to persist historical chunk")
			return false, 0
		}
		return true, int64(len(res))
	}
	return false, 0
}

func (l *Loader) fetchChunk(st *loadState, chunk Chunk, allowCache bool) ([]byte, error) {
	req := &request.Request{
		DataType:     "historical",
		ProviderHint: st.rng.Provider,
		Symbol:       st.rng.Symbol,
		Endpoint:     "history",
		Params: map[string]string{
			"timeframe": st.rng.Timeframe,
			"start":     strconv.FormatInt(chunk.Start.Unix(), 10),
			"end":       strconv.FormatInt(chunk.End.Unix(), 10),
		},
		Priority:   request.PriorityMedium,
		AllowCache: allowCache,
	}

	handle, err := l.submit.Submit(req)
	if err != nil {
		return nil, err
	}
	res := <-handle.Done()
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Payload, nil
}

// completeness compares observed points to the expected count for the
// timeframe over the chunk span. Opaque payloads pass as complete.
func (l *Loader) completeness(blob []byte, timeframe string, chunk Chunk) float64 {
	expected := ExpectedPoints(timeframe, chunk.End.Sub(chunk.Start))
	if expected <= 0 {
		return 1.0
	}
	var parsed struct {
		Points []provider.Point `json:"points"`
	}
	if err := json.Unmarshal(blob, &parsed); err != nil || parsed.Points == nil {
		return 1.0
	}
	c := float64(len(parsed.Points)) / float64(expected)
	if c > 1 {
		c = 1
	}
	return c
}

// ExpectedPoints returns how many observations a timeframe should produce
// over the span.
func ExpectedPoints(timeframe string, span time.Duration) int {
	var step time.Duration
	switch timeframe {
	case "1m":
		step = time.Minute
	case "5m":
		step = 5 * time.Minute
	case "15m":
		step = 15 * time.Minute
	case "1h":
		step = time.Hour
	case "4h":
		step = 4 * time.Hour
	case "1d":
		step = 24 * time.Hour
	default:
		return 0
	}
	return int(span / step)
}

// awaitBudget blocks until the daily call budget admits another provider
// fetch, rolling the budget window forward as days pass. Returns false when
// the load is cancelled while waiting.
func (l *Loader) awaitBudget(st *loadState) bool {
	if l.cfg.MaxDailyCalls <= 0 {
		return true
	}
	for {
		l.budgetMu.Lock()
		now := time.Now()
		if l.dayResetAt.IsZero() {
			l.dayResetAt = now.Add(24 * time.Hour)
		}
		for !now.Before(l.dayResetAt) {
			l.callsToday = 0
			l.dayResetAt = l.dayResetAt.Add(24 * time.Hour)
		}
		if l.callsToday < l.cfg.MaxDailyCalls {
			l.callsToday++
			l.budgetMu.Unlock()
			return true
		}
		l.budgetMu.Unlock()

		if st.cancelled.Load() {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// estimateETA extrapolates from per-chunk throughput so far. Callers pass
// counts they already hold; this takes no locks.
func estimateETA(startedAt time.Time, done, total int) time.Time {
	if done == 0 || done >= total {
		return time.Time{}
	}
	elapsed := time.Since(startedAt)
	perChunk := elapsed / time.Duration(done)
	return time.Now().Add(perChunk * time.Duration(total-done))
}

func (l *Loader) updateProgress(ctx context.Context, id string, st *loadState, fn func(*Progress)) {
	st.mu.Lock()
	fn(&st.progress)
	p := st.progress
	st.mu.Unlock()

	rec := cache.LoadingRecord{
		LoadingID:   id,
		Symbol:      st.rng.Symbol,
		Provider:    st.rng.Provider,
		Timeframe:   st.rng.Timeframe,
		RangeStart:  st.rng.Start,
		RangeEnd:    st.rng.End,
		TotalChunks: p.TotalChunks,
		Completed:   p.Completed,
		Failed:      p.Failed,
		BytesLoaded: p.Bytes,
		Status:      p.Status,
	}
	if err := l.store.SaveLoadingProgress(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to persist loading progress")
	}
}

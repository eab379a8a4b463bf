package histload

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ommthree/cryptoclaude/internal/cache"
	"github.com/ommthree/cryptoclaude/internal/degrade"
	"github.com/ommthree/cryptoclaude/internal/governor"
	"github.com/ommthree/cryptoclaude/internal/provider"
	"github.com/ommthree/cryptoclaude/internal/provider/adapters"
	"github.com/ommthree/cryptoclaude/internal/quality"
	"github.com/ommthree/cryptoclaude/internal/quota"
	"github.com/ommthree/cryptoclaude/internal/request"
)

// fakeSubmitter resolves every chunk request immediately with a scripted
// payload, standing in for the governor.
type fakeSubmitter struct {
	respond func(req *request.Request) request.Result
	calls   atomic.Int64
}

func (f *fakeSubmitter) Submit(req *request.Request) (*request.Handle, error) {
	n := f.calls.Add(1)
	h := request.NewHandle(uint64(n))
	h.Deliver(f.respond(req))
	return h, nil
}

func barsPayload(n int) []byte {
	points := make([]map[string]float64, n)
	for i := range points {
		points[i] = map[string]float64{"close": 100 + float64(i)}
	}
	blob, _ := json.Marshal(map[string]any{"points": points})
	return blob
}

func okSubmitter(timeframe string) *fakeSubmitter {
	return &fakeSubmitter{respond: func(req *request.Request) request.Result {
		start, _ := strconv.ParseInt(req.Params["start"], 10, 64)
		end, _ := strconv.ParseInt(req.Params["end"], 10, 64)
		span := time.Duration(end-start) * time.Second
		return request.Result{
			Payload: barsPayload(ExpectedPoints(timeframe, span)),
			Quality: quality.Score(quality.SourceFreshAPI, 0, 0, -1),
			Source:  quality.SourceFreshAPI,
		}
	}}
}

func openTestStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(":memory:", cache.NewPolicyEngine(cache.StrategyBalanced))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func awaitStatus(t *testing.T, l *Loader, id string, want ...string) Progress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		p, ok := l.Status(id)
		require.True(t, ok)
		for _, s := range want {
			if p.Status == s {
				return p
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("load %s never reached %v", id, want)
	return Progress{}
}

func TestSplitChunks(t *testing.T) {
	rng := Range{
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	chunks := SplitChunks(rng, 30*24*time.Hour)
	require.Len(t, chunks, 6)
	assert.Equal(t, rng.Start, chunks[0].Start)
	assert.Equal(t, rng.End, chunks[5].End)
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].End, chunks[i].Start, "chunks tile the range")
	}
	assert.True(t, chunks[5].End.Sub(chunks[5].Start) <= 30*24*time.Hour,
		"trailing chunk is clipped to the range end")
}

func TestExpectedPoints(t *testing.T) {
	day := 24 * time.Hour
	assert.Equal(t, 30, ExpectedPoints("1d", 30*day))
	assert.Equal(t, 24, ExpectedPoints("1h", day))
	assert.Equal(t, 6, ExpectedPoints("4h", day))
	assert.Equal(t, 96, ExpectedPoints("15m", day))
	assert.Equal(t, 0, ExpectedPoints("7w", day), "unknown timeframe yields no expectation")
}

func TestLoader_FullRangeCompletes(t *testing.T) {
	store := openTestStore(t)
	sub := okSubmitter("1d")
	l := NewLoader(DefaultConfig(), store, sub)

	rng := Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	id, err := l.Load(rng)
	require.NoError(t, err)

	p := awaitStatus(t, l, id, StatusCompleted)
	assert.Equal(t, 6, p.TotalChunks)
	assert.Equal(t, 6, p.Completed)
	assert.Equal(t, 0, p.Failed)
	assert.Positive(t, p.Bytes)

	// Every sub-range chunk landed as a permanent entry.
	ctx := context.Background()
	for _, c := range SplitChunks(rng, 30*24*time.Hour) {
		assert.True(t, store.HasHistorical(ctx, "BTC", "cc", "1d", c.Start, c.End))
	}

	// Progress survived to the database.
	rec, err := store.LoadLoadingProgress(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 6, rec.Completed)
}

func TestLoader_SkipsChunksAlreadyStored(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rng := Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	chunks := SplitChunks(rng, 30*24*time.Hour)
	require.Len(t, chunks, 2)
	require.NoError(t, store.PutHistorical(ctx, "BTC", "cc", "1d",
		barsPayload(30), chunks[0].Start, chunks[0].End))

	sub := okSubmitter("1d")
	l := NewLoader(DefaultConfig(), store, sub)
	id, err := l.Load(rng)
	require.NoError(t, err)

	p := awaitStatus(t, l, id, StatusCompleted)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, int64(1), sub.calls.Load(), "stored chunk is not refetched")
}

func TestLoader_IncompleteChunkRequeuedOnce(t *testing.T) {
	store := openTestStore(t)

	var calls atomic.Int64
	sub := &fakeSubmitter{respond: func(req *request.Request) request.Result {
		calls.Add(1)
		// Always below the 0.60 completeness floor: 10 of 30 expected bars.
		return request.Result{Payload: barsPayload(10), Source: quality.SourceFreshAPI}
	}}

	l := NewLoader(DefaultConfig(), store, sub)
	id, err := l.Load(Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	p := awaitStatus(t, l, id, StatusCompletedWithErrors)
	assert.Equal(t, 0, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, int64(2), calls.Load(), "one fetch plus exactly one revalidation pass")
}

func TestLoader_FailedChunksMarkCompletedWithErrors(t *testing.T) {
	store := openTestStore(t)

	sub := &fakeSubmitter{respond: func(req *request.Request) request.Result {
		start, _ := strconv.ParseInt(req.Params["start"], 10, 64)
		if start == time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Unix() {
			return request.Result{Err: request.NewError(request.KindProviderFailure,
				"provider down")}
		}
		return request.Result{Payload: barsPayload(30), Source: quality.SourceFreshAPI}
	}}

	cfg := DefaultConfig()
	cfg.MaxRetriesPerChunk = 2
	l := NewLoader(cfg, store, sub)
	id, err := l.Load(Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	p := awaitStatus(t, l, id, StatusCompletedWithErrors)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Failed)
}

func TestLoader_PauseResumeCancel(t *testing.T) {
	store := openTestStore(t)

	gate := make(chan struct{}, 64)
	sub := &fakeSubmitter{respond: func(req *request.Request) request.Result {
		gate <- struct{}{}
		return request.Result{Payload: barsPayload(30), Source: quality.SourceFreshAPI}
	}}

	cfg := DefaultConfig()
	cfg.ChunkDelay = 50 * time.Millisecond
	l := NewLoader(cfg, store, sub)
	id, err := l.Load(Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.True(t, l.Pause(id))
	awaitStatus(t, l, id, StatusPaused)

	require.True(t, l.Resume(id))
	awaitStatus(t, l, id, StatusLoading, StatusCompleted)

	require.True(t, l.Cancel(id))
	p := awaitStatus(t, l, id, StatusCancelled, StatusCompleted)
	assert.Contains(t, []string{StatusCancelled, StatusCompleted}, p.Status)

	assert.False(t, l.Pause("unknown-id"))
	assert.False(t, l.Cancel("unknown-id"))
}

func TestLoader_RejectsInvertedRange(t *testing.T) {
	l := NewLoader(DefaultConfig(), openTestStore(t), okSubmitter("1d"))
	_, err := l.Load(Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)

	_, ok := l.Status("never-created")
	assert.False(t, ok)
}

func TestEstimateETA(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	assert.True(t, estimateETA(started, 0, 6).IsZero())
	assert.True(t, estimateETA(started, 6, 6).IsZero())

	eta := estimateETA(started, 2, 6)
	require.False(t, eta.IsZero())
	assert.True(t, eta.After(time.Now()))
}

func TestLoader_ProgressResponsiveDuringLoad(t *testing.T) {
	store := openTestStore(t)

	release := make(chan struct{})
	var calls atomic.Int64
	sub := &fakeSubmitter{respond: func(req *request.Request) request.Result {
		if calls.Add(1) == 2 {
			<-release
		}
		start, _ := strconv.ParseInt(req.Params["start"], 10, 64)
		end, _ := strconv.ParseInt(req.Params["end"], 10, 64)
		return request.Result{
			Payload: barsPayload(ExpectedPoints("1d", time.Duration(end-start)*time.Second)),
			Source:  quality.SourceFreshAPI,
		}
	}}

	l := NewLoader(DefaultConfig(), store, sub)
	id, err := l.Load(Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// While the second chunk is in flight, Status must stay readable and
	// the first chunk's bookkeeping must already be visible.
	deadline := time.Now().Add(10 * time.Second)
	var p Progress
	for time.Now().Before(deadline) {
		var ok bool
		p, ok = l.Status(id)
		require.True(t, ok)
		if p.Completed == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, p.Completed)
	assert.False(t, p.ETA.IsZero(), "partial progress carries an ETA")

	close(release)
	p = awaitStatus(t, l, id, StatusCompleted)
	assert.Equal(t, 2, p.Completed)
	assert.True(t, p.ETA.IsZero(), "finished load clears the ETA")
}

func TestLoader_RevalidationRefetchesFromProvider(t *testing.T) {
	reg, err := provider.NewRegistry(provider.Descriptor{
		ID: "cc", BaseURL: "http://cc.test", DailyCap: 100, MonthlyCap: 1000,
	})
	require.NoError(t, err)

	policies := cache.NewPolicyEngine(cache.StrategyBalanced)
	store, err := cache.Open(":memory:", policies)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// The first response is far below the completeness floor; the corrected
	// payload only exists at the provider, never in the cache.
	var calls atomic.Int64
	stub := &adapters.StubAdapter{ID: "cc"}
	stub.CallFunc = func(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
		if calls.Add(1) == 1 {
			return &provider.Response{Status: 200, Body: barsPayload(3)}, nil
		}
		return &provider.Response{Status: 200, Body: barsPayload(30)}, nil
	}

	tracker := quota.NewTracker(reg)
	gov := governor.New(governor.DefaultConfig(), reg,
		map[string]provider.Adapter{"cc": stub}, tracker, store, policies,
		degrade.NewPlanner(), nil)
	t.Cleanup(func() { gov.Close() })

	l := NewLoader(DefaultConfig(), store, gov)
	rng := Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	id, err := l.Load(rng)
	require.NoError(t, err)

	p := awaitStatus(t, l, id, StatusCompleted)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 0, p.Failed)
	assert.Equal(t, int64(2), calls.Load(), "revalidation reached the provider")

	ctx := context.Background()
	assert.True(t, store.HasHistorical(ctx, "BTC", "cc", "1d", rng.Start, rng.End))

	// The corrected payload also replaced the incomplete one under the
	// standard cache key.
	key := cache.Key("historical", "cc", "BTC", map[string]string{
		"timeframe": "1d",
		"start":     strconv.FormatInt(rng.Start.Unix(), 10),
		"end":       strconv.FormatInt(rng.End.Unix(), 10),
	})
	entry, ok := store.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, barsPayload(30), entry.Blob)
}

func TestLoader_DailyCallBudgetStallsFurtherChunks(t *testing.T) {
	store := openTestStore(t)
	sub := okSubmitter("1d")

	cfg := DefaultConfig()
	cfg.MaxDailyCalls = 1
	l := NewLoader(cfg, store, sub)
	id, err := l.Load(Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := l.Status(id); p.Completed == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The second chunk must wait for the next budget day, not fetch.
	time.Sleep(300 * time.Millisecond)
	p, ok := l.Status(id)
	require.True(t, ok)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, StatusLoading, p.Status)
	assert.Equal(t, int64(1), sub.calls.Load())

	require.True(t, l.Cancel(id))
	awaitStatus(t, l, id, StatusCancelled)
}
